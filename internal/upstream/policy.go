// Copyright 2015 Light Code Labs, LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package upstream

import "hash/fnv"

// RoundRobin advances a mutex-guarded cursor, skipping unhealthy
// origins, wrapping once around the pool before giving up. Grounded
// on caddyhttp/proxy/policy.go's RoundRobin.
type RoundRobin struct{}

func (RoundRobin) Select(p *Pool, _ string) *Origin {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.Origins)
	if n == 0 {
		return nil
	}
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		o := p.Origins[idx]
		if o.Healthy() {
			p.cursor = (idx + 1) % n
			return o
		}
	}
	return nil
}

// IPHash hashes the client IP to a starting index and steps forward
// until a healthy origin is found, so the same client IP tends to
// land on the same origin while it stays healthy. Grounded on
// caddyhttp/proxy/policy.go's hostByHashing helper.
type IPHash struct{}

func (IPHash) Select(p *Pool, clientIP string) *Origin {
	n := len(p.Origins)
	if n == 0 {
		return nil
	}
	h := fnv.New32a()
	h.Write([]byte(clientIP))
	start := int(h.Sum32()) % n
	if start < 0 {
		start += n
	}
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		o := p.Origins[idx]
		if o.Healthy() {
			return o
		}
	}
	return nil
}
