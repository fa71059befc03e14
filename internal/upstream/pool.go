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

// Package upstream implements C4: the shared-mutable pool of Origins
// behind a single reverse_proxy directive, with reactive health
// checks (spec §4.4).
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cblt/cblt/internal/metrics"
)

// Policy selects one Origin out of the pool's currently-healthy set.
// Grounded on caddyhttp/proxy/policy.go's Policy interface; only the
// two selectors spec.md §3 names are implemented (SPEC_FULL.md §12).
type Policy interface {
	Select(p *Pool, clientIP string) *Origin
}

// Origin is one backend server receiving proxied traffic (spec §3).
type Origin struct {
	Scheme string
	Host   string
	Port   string

	mu             sync.Mutex
	healthy        bool
	failures       int32
	lastProbeAt    time.Time
	probeInFlight  int32 // atomic bool via CompareAndSwap
}

// NewOrigin constructs an Origin, assumed healthy until proven
// otherwise by a failed request or probe.
func NewOrigin(scheme, host, port string) *Origin {
	return &Origin{Scheme: scheme, Host: host, Port: port, healthy: true}
}

// Addr is the origin's dial address ("host:port").
func (o *Origin) Addr() string { return o.Host + ":" + o.Port }

// Authority is the value to put in the forwarded request's Host
// header and in the upstream URL.
func (o *Origin) Authority() string { return o.Addr() }

// Healthy reports the origin's current health state.
func (o *Origin) Healthy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.healthy
}

// ErrExhausted is returned by Pick when no origin is healthy even
// after a reactive probe round.
var ErrExhausted = errors.New("upstream: all origins exhausted")

// Pool is the shared, reference-counted state behind one
// reverse_proxy directive (spec §3's UpstreamPool). Origins is only
// ever replaced wholesale (by the orchestrator watcher via C1
// recompilation); the round-robin cursor is mutated under mu, and each
// Origin's health under that Origin's own mutex, both held briefly.
type Pool struct {
	ID      string // (listener, directive-index) logical identity, for reload reuse
	Origins []*Origin
	Policy  Policy

	Interval      time.Duration
	ProbeTimeout  time.Duration
	RetriesPerReq int
	HealthPath    string // SPEC_FULL.md §12 lb_health_path, default "/"

	mu     sync.Mutex
	cursor int

	refs int32

	probeClient *http.Client
	log         *zap.Logger
}

// NewPool constructs a Pool ready for use. log is named "health" (spec
// §10.1): it records origin healthy/unhealthy transitions, the only
// state in the pool an operator needs to see change on its own without
// a client request driving it.
func NewPool(id string, origins []*Origin, policy Policy, interval, probeTimeout time.Duration, retries int, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		ID:            id,
		Origins:       origins,
		Policy:        policy,
		Interval:      interval,
		ProbeTimeout:  probeTimeout,
		RetriesPerReq: retries,
		HealthPath:    "/",
		probeClient:   &http.Client{Timeout: probeTimeout},
		log:           log.Named("health"),
	}
}

// Retain/Release maintain a reference count on the Pool; Release
// returns the new count. Compile and Server do not call them, so the count does
// not decide the Pool's lifetime: a Pool stays alive while any
// RoutingTable still references it, through ordinary garbage
// collection.
func (p *Pool) Retain() { atomic.AddInt32(&p.refs, 1) }
func (p *Pool) Release() int32 { return atomic.AddInt32(&p.refs, -1) }

// SameOrigins reports whether o has the same origin set as the pool
// (spec §4.1's reload-identity rule: unchanged origin set -> reuse).
func (p *Pool) SameOrigins(others []*Origin) bool {
	if len(p.Origins) != len(others) {
		return false
	}
	for i, o := range p.Origins {
		if o.Addr() != others[i].Addr() || o.Scheme != others[i].Scheme {
			return false
		}
	}
	return true
}

// Pick implements the `pick` operation (spec §4.4): advance past
// unhealthy origins per the pool's policy; if none are healthy,
// reactively probe every origin once and retry before giving up.
func (p *Pool) Pick(ctx context.Context, clientIP string) (*Origin, error) {
	if o := p.Policy.Select(p, clientIP); o != nil {
		return o, nil
	}

	p.probeAll(ctx)

	if o := p.Policy.Select(p, clientIP); o != nil {
		return o, nil
	}
	return nil, ErrExhausted
}

// probeAll reactively probes every origin, deduped so at most one
// probe per origin runs concurrently, bounded by Interval so a
// recently-probed origin isn't re-probed immediately.
func (p *Pool) probeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, o := range p.Origins {
		o.mu.Lock()
		dueForProbe := time.Since(o.lastProbeAt) >= p.Interval
		o.mu.Unlock()
		if !dueForProbe {
			continue
		}
		if !atomic.CompareAndSwapInt32(&o.probeInFlight, 0, 1) {
			continue // a probe is already in flight for this origin
		}
		wg.Add(1)
		go func(o *Origin) {
			defer wg.Done()
			defer atomic.StoreInt32(&o.probeInFlight, 0)
			p.probe(ctx, o)
		}(o)
	}
	wg.Wait()
}

// probe sends an HTTP GET to the pool's HealthPath ("/" when empty)
// with the pool's probe-timeout; any response with a status below 500
// marks the origin healthy (spec §4.4).
func (p *Pool) probe(ctx context.Context, o *Origin) {
	o.mu.Lock()
	o.lastProbeAt = time.Now()
	o.mu.Unlock()

	reqCtx, cancel := context.WithTimeout(ctx, p.ProbeTimeout)
	defer cancel()

	path := p.HealthPath
	if path == "" {
		path = "/"
	}
	url := fmt.Sprintf("%s://%s%s", o.Scheme, o.Addr(), path)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return
	}
	resp, err := p.probeClient.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
	if resp.StatusCode < 500 {
		p.ReportSuccess(o)
	}
}

// ReportFailure implements `report_failure`: increments
// consecutive-failures; marks unhealthy once RetriesPerReq is
// reached. Per SPEC_FULL.md §12 (grounded on
// caddyhttp/proxy/upstream.go's FailTimeout/Fails pair), it also
// schedules a decrement after the pool's configured interval, so a
// transient blip doesn't permanently count against an origin once it
// starts succeeding again on its own.
func (p *Pool) ReportFailure(o *Origin) {
	o.mu.Lock()
	wasHealthy := o.healthy
	o.failures++
	if int(o.failures) >= p.RetriesPerReq {
		o.healthy = false
	}
	failures := o.failures
	nowHealthy := o.healthy
	o.mu.Unlock()

	if wasHealthy && !nowHealthy {
		p.log.Warn("origin marked unhealthy",
			zap.String("pool", p.ID),
			zap.String("origin", o.Addr()),
			zap.Int32("failures", failures),
		)
	}

	time.AfterFunc(p.Interval, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.failures > 0 {
			o.failures--
		}
	})

	p.reportHealthMetric()
}

// ReportSuccess implements `report_success`: clears the failure
// count and marks the origin healthy again.
func (p *Pool) ReportSuccess(o *Origin) {
	o.mu.Lock()
	wasHealthy := o.healthy
	o.failures = 0
	o.healthy = true
	o.mu.Unlock()

	if !wasHealthy {
		p.log.Info("origin marked healthy",
			zap.String("pool", p.ID),
			zap.String("origin", o.Addr()),
		)
	}

	p.reportHealthMetric()
}

func (p *Pool) reportHealthMetric() {
	metrics.PoolHealthyOrigins.WithLabelValues(p.ID).Set(float64(p.HealthyCount()))
}

// HealthyCount returns the number of currently-healthy origins, for
// metrics (internal/metrics).
func (p *Pool) HealthyCount() int {
	n := 0
	for _, o := range p.Origins {
		if o.Healthy() {
			n++
		}
	}
	return n
}
