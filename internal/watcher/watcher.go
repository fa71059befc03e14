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

// Package watcher implements C8: translate a stream of fleet snapshots
// into live updates of the published RoutingTable. Grounded on
// cuemby-warren's pkg/events.Broker (subscribe/publish channel shape)
// and pkg/ingress/loadbalancer.go (service -> backend endpoint model),
// feeding a synthetic cbltfile.Tree into C1 the same way a parsed
// Cbltfile would.
package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cblt/cblt/internal/cbltfile"
)

// Endpoint is one running container backing a Service, per
// cuemby-warren's ingress.Backend.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Service is one fleet service record, carrying the "cblt."-prefixed
// labels named in spec §4.8/§9.
type Service struct {
	Name      string            `json:"name"`
	Labels    map[string]string `json:"labels"`
	Endpoints []Endpoint        `json:"endpoints"`
}

// Snapshot is one fleet-wide state observation: the full current set
// of services, not a delta (spec §4.8: "a stream of fleet snapshots").
type Snapshot struct {
	Services []Service `json:"services"`
}

// Source streams fleet snapshots until ctx is cancelled or the source
// is exhausted, at which point the channel is closed. Grounded on
// events.Broker's Subscribe/Subscriber channel pairing, generalized
// from discrete events to whole-fleet snapshots since C1 needs a
// complete configuration tree on every update, not a delta.
type Source interface {
	Snapshots(ctx context.Context) (<-chan Snapshot, error)
}

// Watcher runs C8's translate-and-swap loop.
type Watcher struct {
	log *zap.Logger
}

// New builds a Watcher.
func New(log *zap.Logger) *Watcher {
	return &Watcher{log: log.Named("watcher")}
}

// Run consumes src until ctx is cancelled, calling compile with the
// synthetic tree of every snapshot that translates cleanly. compile is
// supplied by the caller (normally a closure over cblt.Compile and
// Server.Swap, which compiles and publishes in one step) so this
// package stays independent of the root package and has no import
// cycle with it.
func (w *Watcher) Run(ctx context.Context, src Source, compile func(*cbltfile.Tree) error) error {
	ch, err := src.Snapshots(ctx)
	if err != nil {
		return fmt.Errorf("watcher: subscribe: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-ch:
			if !ok {
				return nil
			}
			tree, err := Compile(snap)
			if err != nil {
				w.log.Warn("snapshot rejected", zap.Error(err))
				continue
			}
			if err := compile(tree); err != nil {
				w.log.Warn("snapshot compile failed", zap.Error(err))
				continue
			}
			w.log.Info("routing table updated", zap.Int("services", len(snap.Services)))
		}
	}
}

// FileSource makes the "stream of fleet snapshots" boundary concrete
// without depending on any particular orchestrator SDK (spec §1 OUT
// OF SCOPE names the orchestrator client itself as an external
// collaborator): it polls a JSON document at Path, the same shape as
// Snapshot, on PollInterval. An operator script or sidecar that knows
// how to talk to the real orchestrator API is expected to keep that
// file's contents current; this is the filesystem-projection
// convention already pinned for secrets in SPEC §13, extended to the
// snapshot feed itself.
type FileSource struct {
	Path         string
	PollInterval time.Duration
}

// Snapshots implements Source.
func (s *FileSource) Snapshots(ctx context.Context) (<-chan Snapshot, error) {
	interval := s.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	ch := make(chan Snapshot, 1)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			if snap, err := s.read(); err == nil {
				select {
				case ch <- snap:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (s *FileSource) read() (Snapshot, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("watcher: decoding %s: %w", s.Path, err)
	}
	return snap, nil
}

// Compile translates a Snapshot into the synthetic configuration tree
// C1 consumes, exactly as if it had been parsed from a Cbltfile (spec
// §4.8: "compiles a synthetic configuration tree equivalent to these
// labels and hands it to C1"). One ListenerBlock is produced per
// non-empty entry of each service's comma-separated cblt.hosts label;
// a hostname listed twice, or by two services, yields two blocks.
func Compile(snap Snapshot) (*cbltfile.Tree, error) {
	tree := &cbltfile.Tree{}

	for _, svc := range snap.Services {
		hostsLabel := svc.Labels["cblt.hosts"]
		if hostsLabel == "" {
			continue // not an ingress-exposed service
		}
		pathPattern := svc.Labels["cblt.path"]
		if pathPattern == "" {
			pathPattern = "*"
		}

		originURLs, err := originURLsFor(svc)
		if err != nil {
			return nil, fmt.Errorf("watcher: service %q: %w", svc.Name, err)
		}

		rp := cbltfile.RawDirective{Name: "reverse_proxy"}
		rp.Args = append([]string{pathPattern}, originURLs...)
		if v := svc.Labels["cblt.lb_policy"]; v != "" {
			rp.Sub = append(rp.Sub, cbltfile.RawDirective{Name: "lb_policy", Args: []string{v}})
		}
		if v := svc.Labels["cblt.lb_interval"]; v != "" {
			rp.Sub = append(rp.Sub, cbltfile.RawDirective{Name: "lb_interval", Args: []string{v}})
		}
		if v := svc.Labels["cblt.lb_timeout"]; v != "" {
			rp.Sub = append(rp.Sub, cbltfile.RawDirective{Name: "lb_timeout", Args: []string{v}})
		}
		if v := svc.Labels["cblt.lb_retries"]; v != "" {
			rp.Sub = append(rp.Sub, cbltfile.RawDirective{Name: "lb_retries", Args: []string{v}})
		}

		secretsByHost, err := parseSecretsLabel(svc.Labels["cblt.secrets"])
		if err != nil {
			return nil, fmt.Errorf("watcher: service %q: %w", svc.Name, err)
		}

		for _, host := range strings.Split(hostsLabel, ",") {
			host = strings.TrimSpace(host)
			if host == "" {
				continue
			}
			lb := cbltfile.ListenerBlock{Addr: host, Directives: []cbltfile.RawDirective{rp}}
			if pair, ok := secretsByHost[host]; ok {
				lb.Directives = append(lb.Directives, cbltfile.RawDirective{
					Name: "tls",
					Args: []string{pair[0], pair[1]},
				})
			}
			tree.Listeners = append(tree.Listeners, lb)
		}
	}

	return tree, nil
}

// originURLsFor builds one http://host:port origin URL per endpoint,
// using cblt.port to override the endpoint's published port when the
// label is set (the container's internal listening port can differ
// from the port the orchestrator exposes on the host).
func originURLsFor(svc Service) ([]string, error) {
	port := 0
	if v := svc.Labels["cblt.port"]; v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid cblt.port %q: %w", v, err)
		}
		port = p
	}

	if len(svc.Endpoints) == 0 {
		return nil, fmt.Errorf("no running endpoints")
	}
	urls := make([]string, 0, len(svc.Endpoints))
	for _, ep := range svc.Endpoints {
		p := ep.Port
		if port != 0 {
			p = port
		}
		urls = append(urls, fmt.Sprintf("http://%s:%d", ep.Host, p))
	}
	return urls, nil
}

// parseSecretsLabel parses the pinned §13 format: one or more
// semicolon-separated "HOST CERT_PATH KEY_PATH" entries, each naming a
// filesystem path the orchestrator's secret store projects the PEM
// material onto.
func parseSecretsLabel(label string) (map[string][2]string, error) {
	result := make(map[string][2]string)
	if label == "" {
		return result, nil
	}
	for _, entry := range strings.Split(label, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		fields := strings.Fields(entry)
		if len(fields) != 3 {
			return nil, fmt.Errorf("cblt.secrets entry %q: want \"HOST CERT_PATH KEY_PATH\"", entry)
		}
		result[fields[0]] = [2]string{fields[1], fields[2]}
	}
	return result, nil
}
