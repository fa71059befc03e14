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

// Package reverseproxy implements C5: pick an origin from the pool,
// forward the request and response, retry before the first response
// byte, and handle WebSocket upgrades as a bidirectional byte-pump.
// Grounded on caddyhttp/proxy/proxy.go (ServeHTTP dispatch/retry) and
// caddyhttp/proxy/reverseproxy.go (createUpstreamRequest, hopHeaders,
// the websocket hijack/pump).
package reverseproxy

import (
	"bufio"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/cblt/cblt/internal/herrors"
	"github.com/cblt/cblt/internal/upstream"
)

// errNotHijackable is returned when the client ResponseWriter can't be
// switched into a raw byte-pump for a websocket upgrade.
var errNotHijackable = errors.New("reverseproxy: ResponseWriter does not support hijacking")

// hopHeaders are stripped before forwarding in either direction (spec
// §4.5 step 3), taken verbatim from caddyhttp/proxy/reverseproxy.go.
var hopHeaders = []string{
	"Alt-Svc",
	"Alternate-Protocol",
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ServeHTTP implements C5 end to end against pool for request r,
// writing to w.
func ServeHTTP(w http.ResponseWriter, r *http.Request, pool *upstream.Pool, log *zap.Logger) {
	clientIP := clientIPOf(r)
	isWebsocket := isWebsocketUpgrade(r)

	attempts := pool.RetriesPerReq
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		origin, err := pool.Pick(r.Context(), clientIP)
		if err != nil {
			herrors.Write(w, log, herrors.New(herrors.KindUpstreamExhausted, err))
			return
		}

		ok, responded, err := forwardOnce(w, r, origin, clientIP, isWebsocket, log)
		if ok {
			pool.ReportSuccess(origin)
			return
		}
		lastErr = err
		pool.ReportFailure(origin)
		if responded {
			// Response bytes already reached the client; spec §4.5
			// step 5 forbids retrying past this point.
			return
		}
	}

	herrors.Write(w, log, herrors.New(herrors.KindUpstreamExhausted, lastErr))
}

// forwardOnce attempts exactly one upstream request. ok reports a
// fully successful forward; responded reports whether any response
// bytes reached the client (gating the retry policy).
func forwardOnce(w http.ResponseWriter, r *http.Request, origin *upstream.Origin, clientIP string, isWebsocket bool, log *zap.Logger) (ok, responded bool, err error) {
	conn, err := net.Dial("tcp", origin.Addr())
	if err != nil {
		return false, false, err
	}
	defer conn.Close()

	outReq := buildUpstreamRequest(r, origin, clientIP)

	if err := outReq.Write(conn); err != nil {
		return false, false, err
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, outReq)
	if err != nil {
		return false, false, err
	}
	defer resp.Body.Close()

	if isWebsocket && resp.StatusCode == http.StatusSwitchingProtocols {
		return hijackAndPump(w, conn, resp, br, log), true, nil
	}

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		// Bytes have already been flushed; this is not retryable.
		return false, true, err
	}
	return true, true, nil
}

// buildUpstreamRequest implements spec §4.5 step 3: forward the
// request line verbatim, override Host to the origin's authority,
// append X-Forwarded-For, add X-Forwarded-Proto, and strip hop-by-hop
// headers (except those needed for the websocket upgrade itself).
func buildUpstreamRequest(r *http.Request, origin *upstream.Origin, clientIP string) *http.Request {
	outReq := r.Clone(r.Context())
	outReq.URL.Scheme = origin.Scheme
	outReq.URL.Host = origin.Authority()
	outReq.Host = origin.Authority()
	outReq.RequestURI = ""
	outReq.Header = r.Header.Clone()

	isWebsocket := isWebsocketUpgrade(r)
	for _, h := range hopHeaders {
		if isWebsocket && (h == "Connection" || h == "Upgrade") {
			continue
		}
		outReq.Header.Del(h)
	}
	if isWebsocket {
		outReq.Header.Set("Connection", "Upgrade")
		outReq.Header.Set("Upgrade", "websocket")
	}

	if prior := outReq.Header.Get("X-Forwarded-For"); prior != "" {
		outReq.Header.Set("X-Forwarded-For", prior+", "+clientIP)
	} else {
		outReq.Header.Set("X-Forwarded-For", clientIP)
	}
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	outReq.Header.Set("X-Forwarded-Proto", proto)

	return outReq
}

// hijackAndPump switches the client connection into a bidirectional
// byte-pump with the upstream connection, per spec §4.5 step 6.
// Grounded on caddyhttp/proxy/reverseproxy.go's connHijackerTransport
// and pooledIoCopy.
func hijackAndPump(w http.ResponseWriter, upstreamConn net.Conn, resp *http.Response, br *bufio.Reader, log *zap.Logger) bool {
	hj, ok := w.(http.Hijacker)
	if !ok {
		herrors.Write(w, log, herrors.WithStatus(http.StatusInternalServerError, errNotHijackable))
		return false
	}
	clientConn, clientBuf, err := hj.Hijack()
	if err != nil {
		log.Warn("hijack failed", zap.Error(err))
		return false
	}
	defer clientConn.Close()

	if err := resp.Write(clientConn); err != nil {
		return false
	}
	// Flush any bytes the upstream already sent after its response
	// head into the buffered reader.
	if n := br.Buffered(); n > 0 {
		buf := make([]byte, n)
		br.Read(buf)
		clientConn.Write(buf)
	}

	errc := make(chan error, 2)
	go pump(errc, upstreamConn, clientBuf)
	go pump(errc, clientConn, upstreamConn)
	<-errc
	return true
}

func pump(errc chan<- error, dst io.Writer, src io.Reader) {
	_, err := io.Copy(dst, src)
	errc <- err
}

func isWebsocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		if isHopHeader(k) {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func isHopHeader(h string) bool {
	for _, hh := range hopHeaders {
		if strings.EqualFold(h, hh) {
			return true
		}
	}
	return false
}

func clientIPOf(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
