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

package watcher

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cblt/cblt/internal/cbltfile"
)

func TestCompileSkipsServicesWithoutHostsLabel(t *testing.T) {
	snap := Snapshot{Services: []Service{
		{Name: "internal-only", Labels: map[string]string{}},
	}}
	tree, err := Compile(snap)
	require.NoError(t, err)
	require.Empty(t, tree.Listeners)
}

func TestCompileBuildsReverseProxyDirectiveFromLabels(t *testing.T) {
	snap := Snapshot{Services: []Service{{
		Name: "api",
		Labels: map[string]string{
			"cblt.hosts":       "api.example.com",
			"cblt.path":        "/api/*",
			"cblt.lb_policy":   "round_robin",
			"cblt.lb_interval": "10",
			"cblt.lb_retries":  "3",
		},
		Endpoints: []Endpoint{{Host: "10.0.0.1", Port: 9000}, {Host: "10.0.0.2", Port: 9000}},
	}}}

	tree, err := Compile(snap)
	require.NoError(t, err)
	require.Len(t, tree.Listeners, 1)

	lb := tree.Listeners[0]
	require.Equal(t, "api.example.com", lb.Addr)
	require.Len(t, lb.Directives, 1)

	rp := lb.Directives[0]
	require.Equal(t, "reverse_proxy", rp.Name)
	require.Equal(t, []string{"/api/*", "http://10.0.0.1:9000", "http://10.0.0.2:9000"}, rp.Args)
	require.Len(t, rp.Sub, 3)
}

func TestCompileExpandsMultipleHostsIntoSeparateListeners(t *testing.T) {
	snap := Snapshot{Services: []Service{{
		Name:      "web",
		Labels:    map[string]string{"cblt.hosts": "a.example.com, b.example.com"},
		Endpoints: []Endpoint{{Host: "10.0.0.1", Port: 8080}},
	}}}
	tree, err := Compile(snap)
	require.NoError(t, err)
	require.Len(t, tree.Listeners, 2)
	require.Equal(t, "a.example.com", tree.Listeners[0].Addr)
	require.Equal(t, "b.example.com", tree.Listeners[1].Addr)
}

func TestCompilePortLabelOverridesEndpointPort(t *testing.T) {
	snap := Snapshot{Services: []Service{{
		Name:      "web",
		Labels:    map[string]string{"cblt.hosts": "web.example.com", "cblt.port": "8081"},
		Endpoints: []Endpoint{{Host: "10.0.0.1", Port: 8080}},
	}}}
	tree, err := Compile(snap)
	require.NoError(t, err)
	require.Equal(t, []string{"*", "http://10.0.0.1:8081"}, tree.Listeners[0].Directives[0].Args)
}

func TestCompileAddsTLSDirectiveForSecretsMatchingHost(t *testing.T) {
	snap := Snapshot{Services: []Service{{
		Name: "secure",
		Labels: map[string]string{
			"cblt.hosts":   "secure.example.com",
			"cblt.secrets": "secure.example.com /run/secrets/cert.pem /run/secrets/key.pem",
		},
		Endpoints: []Endpoint{{Host: "10.0.0.1", Port: 443}},
	}}}
	tree, err := Compile(snap)
	require.NoError(t, err)
	require.Len(t, tree.Listeners[0].Directives, 2)
	tls := tree.Listeners[0].Directives[1]
	require.Equal(t, "tls", tls.Name)
	require.Equal(t, []string{"/run/secrets/cert.pem", "/run/secrets/key.pem"}, tls.Args)
}

func TestCompileErrorsOnServiceWithNoEndpoints(t *testing.T) {
	snap := Snapshot{Services: []Service{{
		Name:   "empty",
		Labels: map[string]string{"cblt.hosts": "empty.example.com"},
	}}}
	_, err := Compile(snap)
	require.Error(t, err)
}

func TestCompileErrorsOnMalformedSecretsLabel(t *testing.T) {
	snap := Snapshot{Services: []Service{{
		Name:      "bad",
		Labels:    map[string]string{"cblt.hosts": "bad.example.com", "cblt.secrets": "not-enough-fields"},
		Endpoints: []Endpoint{{Host: "10.0.0.1", Port: 80}},
	}}}
	_, err := Compile(snap)
	require.Error(t, err)
}

func TestFileSourcePollsUpdatedSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet.json")

	write := func(snap Snapshot) {
		data, err := json.Marshal(snap)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, data, 0o644))
	}
	write(Snapshot{Services: []Service{{Name: "v1"}}})

	src := &FileSource{Path: path, PollInterval: 10 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ch, err := src.Snapshots(ctx)
	require.NoError(t, err)

	first := <-ch
	require.Equal(t, "v1", first.Services[0].Name)

	write(Snapshot{Services: []Service{{Name: "v2"}}})
	require.Eventually(t, func() bool {
		select {
		case snap := <-ch:
			return len(snap.Services) == 1 && snap.Services[0].Name == "v2"
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestWatcherRunInvokesCompileCallbackOnValidSnapshot(t *testing.T) {
	ch := make(chan Snapshot, 1)
	ch <- Snapshot{Services: []Service{{
		Name:      "web",
		Labels:    map[string]string{"cblt.hosts": "web.example.com"},
		Endpoints: []Endpoint{{Host: "10.0.0.1", Port: 80}},
	}}}
	src := fakeSource{ch: ch}

	called := make(chan struct{}, 1)
	w := New(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx, src, func(tree *cbltfile.Tree) error {
			require.Len(t, tree.Listeners, 1)
			select {
			case called <- struct{}{}:
			default:
			}
			return nil
		})
		close(done)
	}()

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("compile callback was never invoked")
	}
	cancel()
	<-done
}

type fakeSource struct {
	ch chan Snapshot
}

func (f fakeSource) Snapshots(ctx context.Context) (<-chan Snapshot, error) {
	return f.ch, nil
}
