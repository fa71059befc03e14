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

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cblt/cblt/internal/cbltfile"
	"github.com/cblt/cblt/internal/upstream"
)

// defaults for LbSettings fields left unset in the Cbltfile (spec §6).
const (
	defaultLbInterval = 10 * time.Second
	defaultLbTimeout  = 2 * time.Second
	defaultLbRetries  = 2
)

// Compile implements C1: turn a parsed cbltfile.Tree into a
// RoutingTable plus the UpstreamPools it references. prev is the
// previously-published RoutingTable, if any; pools whose logical
// identity (listener + directive index) and origin set are unchanged
// are reused verbatim so their health state and round-robin cursor
// survive the reload (spec §4.1). log is the root logger a freshly
// constructed UpstreamPool's health checker is named under.
func Compile(tree *cbltfile.Tree, prev *RoutingTable, log *zap.Logger) (*RoutingTable, error) {
	rt := &RoutingTable{Listeners: make(map[string][]*HostBlock)}

	prevPools := make(map[string]*upstream.Pool)
	if prev != nil {
		for _, blocks := range prev.Listeners {
			for _, hb := range blocks {
				for _, d := range hb.Directives {
					if d.ReverseProxy != nil {
						prevPools[d.ReverseProxy.Pool.ID] = d.ReverseProxy.Pool
					}
				}
			}
		}
	}

	for _, lb := range tree.Listeners {
		hostPart, portPart, hasPort := splitListenerSpec(lb.Addr)

		hb := &HostBlock{HostPattern: "*"}
		if hostPart != "*" && hostPart != "" {
			hb.HostPattern = hostPart
		}
		var roots []*RootDirective

		for i, rd := range lb.Directives {
			switch rd.Name {
			case "root":
				root, err := parseRoot(rd)
				if err != nil {
					return nil, err
				}
				roots = append(roots, root)
				hb.Directives = append(hb.Directives, Directive{Root: root})

			case "file_server":
				hb.Directives = append(hb.Directives, Directive{
					PathPattern: "*",
					FileServer:  &FileServerDirective{Roots: append([]*RootDirective(nil), roots...)},
				})

			case "reverse_proxy":
				poolID := fmt.Sprintf("%s#%d", lb.Addr, i)
				d, err := parseReverseProxy(rd, poolID, prevPools, log)
				if err != nil {
					return nil, err
				}
				hb.Directives = append(hb.Directives, *d)

			case "redir":
				if len(rd.Args) != 1 {
					return nil, fmt.Errorf("config: line %d: redir takes exactly one argument", rd.Line)
				}
				hb.Directives = append(hb.Directives, Directive{
					PathPattern: "*",
					Redirect:    &RedirectDirective{TargetTemplate: rd.Args[0]},
				})

			case "tls":
				if len(rd.Args) != 2 {
					return nil, fmt.Errorf("config: line %d: tls takes a cert path and a key path", rd.Line)
				}
				if hb.TLSEnabled() {
					return nil, fmt.Errorf("config: line %d: at most one tls pair per HostBlock", rd.Line)
				}
				hb.TLSCertFile = rd.Args[0]
				hb.TLSKeyFile = rd.Args[1]

			default:
				return nil, fmt.Errorf("config: line %d: unrecognized directive %q", rd.Line, rd.Name)
			}
		}

		if !hasPort {
			if hb.TLSEnabled() {
				portPart = "443"
			} else {
				portPart = "80"
			}
		}
		addr := "*:" + portPart

		rt.Listeners[addr] = append(rt.Listeners[addr], hb)
	}

	for addr, blocks := range rt.Listeners {
		seen := make(map[string]bool)
		for _, hb := range blocks {
			if seen[hb.HostPattern] {
				return nil, fmt.Errorf("config: duplicate host pattern %q on listener %q", hb.HostPattern, addr)
			}
			seen[hb.HostPattern] = true
		}
	}

	return rt, nil
}

// splitListenerSpec parses a Cbltfile LISTENER_SPEC (spec §6) into a
// host part (host-header pattern, "*" for wildcard) and, if present,
// an explicit port. A bare "*:PORT" yields host "*"; "HOST:PORT"
// yields that host and port; a bare "HOST" (no colon) yields that
// host with no port, deferring the 80/443 default to whether the
// block carries a tls directive (spec §4.1).
func splitListenerSpec(spec string) (host, port string, hasPort bool) {
	if idx := strings.LastIndex(spec, ":"); idx >= 0 {
		return spec[:idx], spec[idx+1:], true
	}
	return spec, "", false
}

func parseRoot(rd cbltfile.RawDirective) (*RootDirective, error) {
	if len(rd.Args) < 2 || len(rd.Args) > 3 {
		return nil, fmt.Errorf("config: line %d: root takes a path pattern, a filesystem root, and an optional fallback", rd.Line)
	}
	root := &RootDirective{PathPattern: rd.Args[0], FSRoot: rd.Args[1]}
	if len(rd.Args) == 3 {
		root.Fallback = rd.Args[2]
	}
	return root, nil
}

func parseReverseProxy(rd cbltfile.RawDirective, poolID string, prevPools map[string]*upstream.Pool, log *zap.Logger) (*Directive, error) {
	if len(rd.Args) < 2 {
		return nil, fmt.Errorf("config: line %d: reverse_proxy takes a path pattern and at least one origin URL", rd.Line)
	}
	pathPattern := rd.Args[0]
	originURLs := rd.Args[1:]

	policyName := "round_robin"
	interval := defaultLbInterval
	timeout := defaultLbTimeout
	retries := defaultLbRetries
	healthPath := "/"

	for _, sub := range rd.Sub {
		switch sub.Name {
		case "lb_health_path":
			if len(sub.Args) != 1 {
				return nil, fmt.Errorf("config: line %d: lb_health_path takes one argument", sub.Line)
			}
			healthPath = sub.Args[0]
		case "lb_policy":
			if len(sub.Args) != 1 {
				return nil, fmt.Errorf("config: line %d: lb_policy takes one argument", sub.Line)
			}
			policyName = sub.Args[0]
		case "lb_interval":
			d, err := parseSubDuration(sub)
			if err != nil {
				return nil, err
			}
			interval = d
		case "lb_timeout":
			d, err := parseSubDuration(sub)
			if err != nil {
				return nil, err
			}
			timeout = d
		case "lb_retries":
			if len(sub.Args) != 1 {
				return nil, fmt.Errorf("config: line %d: lb_retries takes one argument", sub.Line)
			}
			n, err := strconv.Atoi(sub.Args[0])
			if err != nil {
				return nil, fmt.Errorf("config: line %d: invalid lb_retries: %w", sub.Line, err)
			}
			retries = n
		default:
			return nil, fmt.Errorf("config: line %d: unrecognized reverse_proxy option %q", sub.Line, sub.Name)
		}
	}

	var policy upstream.Policy
	switch policyName {
	case "round_robin":
		policy = upstream.RoundRobin{}
	case "ip_hash":
		policy = upstream.IPHash{}
	default:
		return nil, fmt.Errorf("config: line %d: unrecognized lb_policy %q", rd.Line, policyName)
	}

	origins, err := parseOrigins(originURLs)
	if err != nil {
		return nil, err
	}

	var pool *upstream.Pool
	if existing, ok := prevPools[poolID]; ok && existing.SameOrigins(origins) {
		pool = existing
		pool.Policy = policy
		pool.Interval = interval
		pool.ProbeTimeout = timeout
		pool.RetriesPerReq = retries
		pool.HealthPath = healthPath
	} else {
		pool = upstream.NewPool(poolID, origins, policy, interval, timeout, retries, log)
		pool.HealthPath = healthPath
	}

	return &Directive{
		PathPattern:  pathPattern,
		ReverseProxy: &ReverseProxyDirective{Pool: pool},
	}, nil
}

func parseSubDuration(sub cbltfile.RawDirective) (time.Duration, error) {
	if len(sub.Args) != 1 {
		return 0, fmt.Errorf("config: line %d: %s takes one duration argument", sub.Line, sub.Name)
	}
	d, err := ParseDuration(sub.Args[0])
	if err != nil {
		return 0, fmt.Errorf("config: line %d: invalid duration %q: %w", sub.Line, sub.Args[0], err)
	}
	return d, nil
}

func parseOrigins(urls []string) ([]*upstream.Origin, error) {
	origins := make([]*upstream.Origin, 0, len(urls))
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("config: invalid origin URL %q", raw)
		}
		scheme := u.Scheme
		if scheme == "" {
			scheme = "http"
		}
		host := u.Hostname()
		port := u.Port()
		if port == "" {
			if scheme == "https" {
				port = "443"
			} else {
				port = "80"
			}
		}
		origins = append(origins, upstream.NewOrigin(scheme, host, port))
	}
	return origins, nil
}
