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
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T, src string) *Server {
	t.Helper()
	tree := mustParse(t, src)
	rt, err := Compile(tree, nil, zap.NewNop())
	require.NoError(t, err)
	srv := NewServer(1000, zap.NewNop())
	srv.Swap(rt)
	return srv
}

func TestServeHTTPServesStaticFileEndToEnd(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("hello static"), 0o644))

	srv := newTestServer(t, fmt.Sprintf(`
example.com {
	root * %s
	file_server
}
`, dir))

	req := httptest.NewRequest(http.MethodGet, "/index.html", nil)
	req.Host = "example.com"
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "hello static", rec.Body.String())
}

func TestServeHTTPRedirectsEndToEnd(t *testing.T) {
	srv := newTestServer(t, `
old.example.com {
	redir https://new.example.com{uri}
}
`)
	req := httptest.NewRequest(http.MethodGet, "/page", nil)
	req.Host = "old.example.com"
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusMovedPermanently, rec.Code)
	require.Equal(t, "https://new.example.com/page", rec.Header().Get("Location"))
}

func TestServeHTTPReverseProxiesAndSkipsFailingOrigin(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("from upstream"))
	}))
	defer backend.Close()
	host, port, err := net.SplitHostPort(backend.Listener.Addr().String())
	require.NoError(t, err)

	srv := newTestServer(t, fmt.Sprintf(`
api.example.com {
	reverse_proxy * http://127.0.0.1:1 http://%s:%s {
		lb_policy round_robin
		lb_retries 2
	}
}
`, host, port))

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	req.Host = "api.example.com"
	req.RemoteAddr = "203.0.113.1:1234"
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "from upstream", rec.Body.String())
}

func TestServeHTTPReturnsNotFoundWhenNoHostMatches(t *testing.T) {
	srv := newTestServer(t, `
example.com {
	file_server
}
`)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "unmatched.example.com:9999"
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeHTTPSetsRequestIDAndServerHeaders(t *testing.T) {
	srv := newTestServer(t, `
example.com {
	file_server
}
`)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "example.com"
	rec := httptest.NewRecorder()

	srv.ServeHTTP(rec, req)
	require.NotEmpty(t, rec.Header().Get("X-Request-Id"))
	require.Equal(t, "Cblt", rec.Header().Get("Server"))
}
