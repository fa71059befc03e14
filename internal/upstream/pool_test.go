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

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func originFromServer(t *testing.T, srv *httptest.Server) *Origin {
	t.Helper()
	_, u, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	return NewOrigin("http", "127.0.0.1", u)
}

func TestRoundRobinSkipsUnhealthyAndWraps(t *testing.T) {
	a := NewOrigin("http", "127.0.0.1", "1")
	b := NewOrigin("http", "127.0.0.1", "2")
	c := NewOrigin("http", "127.0.0.1", "3")
	b.healthy = false

	p := NewPool("p1", []*Origin{a, b, c}, RoundRobin{}, time.Second, time.Second, 1, zap.NewNop())

	first := p.Policy.Select(p, "")
	require.Same(t, a, first)

	second := p.Policy.Select(p, "")
	require.Same(t, c, second) // b skipped

	third := p.Policy.Select(p, "")
	require.Same(t, a, third) // wraps
}

func TestRoundRobinReturnsNilWhenAllUnhealthy(t *testing.T) {
	a := NewOrigin("http", "127.0.0.1", "1")
	a.healthy = false
	p := NewPool("p2", []*Origin{a}, RoundRobin{}, time.Second, time.Second, 1, zap.NewNop())
	require.Nil(t, p.Policy.Select(p, ""))
}

func TestIPHashIsStableForSameClient(t *testing.T) {
	origins := []*Origin{
		NewOrigin("http", "127.0.0.1", "1"),
		NewOrigin("http", "127.0.0.1", "2"),
		NewOrigin("http", "127.0.0.1", "3"),
	}
	p := NewPool("p3", origins, IPHash{}, time.Second, time.Second, 1, zap.NewNop())

	first := p.Policy.Select(p, "203.0.113.5")
	for i := 0; i < 10; i++ {
		again := p.Policy.Select(p, "203.0.113.5")
		require.Same(t, first, again)
	}
}

func TestPickReactivelyProbesWhenExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	o := originFromServer(t, srv)
	o.healthy = false // forces Pick to fall through to probeAll

	p := NewPool("p4", []*Origin{o}, RoundRobin{}, time.Millisecond, time.Second, 3, zap.NewNop())

	picked, err := p.Pick(context.Background(), "")
	require.NoError(t, err)
	require.Same(t, o, picked)
	require.True(t, o.Healthy())
}

func TestPickReturnsExhaustedWhenProbeFails(t *testing.T) {
	// nothing listening on this address
	o := NewOrigin("http", "127.0.0.1", "1")
	o.healthy = false

	p := NewPool("p5", []*Origin{o}, RoundRobin{}, time.Millisecond, 50*time.Millisecond, 1, zap.NewNop())

	_, err := p.Pick(context.Background(), "")
	require.ErrorIs(t, err, ErrExhausted)
}

func TestReportFailureMarksUnhealthyAfterRetriesPerReq(t *testing.T) {
	o := NewOrigin("http", "127.0.0.1", "1")
	p := NewPool("p6", []*Origin{o}, RoundRobin{}, time.Hour, time.Second, 2, zap.NewNop())

	p.ReportFailure(o)
	require.True(t, o.Healthy())

	p.ReportFailure(o)
	require.False(t, o.Healthy())
}

func TestReportFailureLogsOnlyOnTheUnhealthyTransition(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	o := NewOrigin("http", "127.0.0.1", "1")
	p := NewPool("p14", []*Origin{o}, RoundRobin{}, time.Hour, time.Second, 2, zap.New(core))

	p.ReportFailure(o) // 1st failure: still healthy, no log yet
	require.Empty(t, logs.All())

	p.ReportFailure(o) // 2nd failure: crosses RetriesPerReq, logs once
	require.Len(t, logs.All(), 1)
	require.Equal(t, "origin marked unhealthy", logs.All()[0].Message)

	p.ReportFailure(o) // still unhealthy: no additional log
	require.Len(t, logs.All(), 1)
}

func TestReportSuccessLogsOnlyOnTheHealthyTransition(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	o := NewOrigin("http", "127.0.0.1", "1")
	p := NewPool("p15", []*Origin{o}, RoundRobin{}, time.Hour, time.Second, 1, zap.New(core))

	p.ReportFailure(o) // also logs "origin marked unhealthy" at warn
	require.False(t, o.Healthy())

	p.ReportSuccess(o)
	require.Equal(t, 1, logs.FilterMessage("origin marked healthy").Len())

	p.ReportSuccess(o) // already healthy: no additional log
	require.Equal(t, 1, logs.FilterMessage("origin marked healthy").Len())
}

func TestReportSuccessClearsFailures(t *testing.T) {
	o := NewOrigin("http", "127.0.0.1", "1")
	p := NewPool("p7", []*Origin{o}, RoundRobin{}, time.Hour, time.Second, 1, zap.NewNop())

	p.ReportFailure(o)
	require.False(t, o.Healthy())

	p.ReportSuccess(o)
	require.True(t, o.Healthy())
}

func TestReportFailureDecaysAfterInterval(t *testing.T) {
	o := NewOrigin("http", "127.0.0.1", "1")
	p := NewPool("p8", []*Origin{o}, RoundRobin{}, 10*time.Millisecond, time.Second, 5, zap.NewNop())

	p.ReportFailure(o)
	o.mu.Lock()
	require.Equal(t, int32(1), o.failures)
	o.mu.Unlock()

	require.Eventually(t, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.failures == 0
	}, time.Second, 5*time.Millisecond)
}

func TestSameOriginsComparesAddrAndScheme(t *testing.T) {
	a := []*Origin{NewOrigin("http", "10.0.0.1", "80"), NewOrigin("http", "10.0.0.2", "80")}
	p := NewPool("p9", a, RoundRobin{}, time.Second, time.Second, 1, zap.NewNop())

	same := []*Origin{NewOrigin("http", "10.0.0.1", "80"), NewOrigin("http", "10.0.0.2", "80")}
	require.True(t, p.SameOrigins(same))

	diffPort := []*Origin{NewOrigin("http", "10.0.0.1", "81"), NewOrigin("http", "10.0.0.2", "80")}
	require.False(t, p.SameOrigins(diffPort))

	diffLen := []*Origin{NewOrigin("http", "10.0.0.1", "80")}
	require.False(t, p.SameOrigins(diffLen))
}

func TestProbeAllDedupesConcurrentProbesPerOrigin(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	o := originFromServer(t, srv)
	o.healthy = false
	p := NewPool("p10", []*Origin{o}, RoundRobin{}, time.Hour, time.Second, 1, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.probeAll(context.Background())
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, hits)
}

func TestProbeUsesConfiguredHealthPath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	o := originFromServer(t, srv)
	p := NewPool("p11", []*Origin{o}, RoundRobin{}, time.Hour, time.Second, 1, zap.NewNop())
	p.HealthPath = "/healthz"

	p.probe(context.Background(), o)
	require.Equal(t, "/healthz", gotPath)
}

func TestHealthyCountReflectsState(t *testing.T) {
	a := NewOrigin("http", "127.0.0.1", "1")
	b := NewOrigin("http", "127.0.0.1", "2")
	b.healthy = false
	p := NewPool("p12", []*Origin{a, b}, RoundRobin{}, time.Second, time.Second, 1, zap.NewNop())
	require.Equal(t, 1, p.HealthyCount())
}

func TestRetainReleaseRefCounting(t *testing.T) {
	p := NewPool("p13", nil, RoundRobin{}, time.Second, time.Second, 1, zap.NewNop())
	p.Retain()
	p.Retain()
	require.Equal(t, int32(1), p.Release())
	require.Equal(t, int32(0), p.Release())
}
