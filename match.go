// Copyright 2015 Matthew Holt and The Caddy Authors
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

package cblt

import "strings"

// noMatchError is the type of ErrNoMatch, which Match returns when no
// HostBlock/Directive combination applies to the request.
type noMatchError struct{}

func (noMatchError) Error() string { return "no match" }

// ErrNoMatch is the sentinel for "no HostBlock or Directive matches".
var ErrNoMatch error = noMatchError{}

// Match implements C2: locate the HostBlocks bound to listenerAddr,
// select the first whose host pattern matches hostHeader, then within
// that block return the first Directive whose path pattern matches
// path. Root directives never terminate the search themselves (spec
// §4.2) — they only accumulate context for a following FileServer.
//
// Declaration order is the only tie-break; there is no longest-prefix
// rule, unlike the teacher's vhosttrie.
func Match(rt *RoutingTable, listenerAddr, hostHeader, path string) (*HostBlock, *Directive, error) {
	blocks := rt.Lookup(listenerAddr)
	for _, hb := range blocks {
		if !hostMatches(hb.HostPattern, hostHeader) {
			continue
		}
		var roots []*RootDirective
		for i := range hb.Directives {
			d := &hb.Directives[i]
			if d.Root != nil {
				roots = append(roots, d.Root)
				continue
			}
			if !d.IsTerminal() {
				continue
			}
			if !pathMatches(d.PathPattern, path) {
				continue
			}
			if d.FileServer != nil && len(d.FileServer.Roots) == 0 {
				// Bind accumulated Root entries lazily; the compiler
				// normally does this at compile time (see config.go),
				// but a directly-constructed Directive (e.g. in tests)
				// may not have, so fall back here.
				fs := *d.FileServer
				fs.Roots = roots
				return hb, &Directive{PathPattern: d.PathPattern, FileServer: &fs}, nil
			}
			return hb, d, nil
		}
	}
	return nil, nil, ErrNoMatch
}

// hostMatches implements the exact -> *:PORT -> * precedence from
// spec §4.1, case-insensitively, grounded on the label-replacement
// idea in caddyhttp/httpserver/vhosttrie.go's matchHost (but without
// its trie: this is a single pattern compared against one header, the
// ordering across HostBlocks is what provides precedence).
func hostMatches(pattern, hostHeader string) bool {
	pattern = strings.ToLower(pattern)
	host := strings.ToLower(hostHeader)

	if pattern == host {
		return true
	}
	if pattern == "*" {
		return true
	}
	if strings.HasPrefix(pattern, "*:") {
		_, port, ok := strings.Cut(host, ":")
		if !ok {
			return false
		}
		return pattern[2:] == port
	}
	return false
}

// pathMatches implements literal-plus-trailing-* semantics (spec
// §4.1): "*" alone matches everything; a pattern ending in "*"
// matches any path sharing its prefix; otherwise exact match.
func pathMatches(pattern, path string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(path, pattern[:len(pattern)-1])
	}
	return pattern == path
}
