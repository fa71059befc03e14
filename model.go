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

// Package cblt implements the Cblt edge server: configuration
// compilation, host/path matching, and the shared routing types that
// the connection loop, file responder, and reverse proxy all consume.
package cblt

import (
	"net/http"

	"github.com/cblt/cblt/internal/upstream"
)

// RoutingTable is an immutable snapshot: listener address to ordered
// HostBlocks. Published via an atomic pointer swap (spec §5); readers
// take one reference per request and hold it for the request's
// duration so an in-flight request never observes a mix of old and
// new host blocks.
type RoutingTable struct {
	Listeners map[string][]*HostBlock
}

// Lookup returns the HostBlocks bound to a listener address, or nil.
func (rt *RoutingTable) Lookup(addr string) []*HostBlock {
	if rt == nil {
		return nil
	}
	return rt.Listeners[addr]
}

// HostBlock is a routing scope matching a host pattern on a given
// listener (spec §3). At most one TLS pair may be set.
type HostBlock struct {
	HostPattern string
	Directives  []Directive
	TLSCertFile string
	TLSKeyFile  string
}

// TLSEnabled reports whether this block terminates TLS.
func (h *HostBlock) TLSEnabled() bool {
	return h.TLSCertFile != "" && h.TLSKeyFile != ""
}

// Directive is a single action inside a HostBlock: serve a file,
// proxy, or redirect (spec §3). Exactly one of the embedded pointers
// is non-nil; Root directives carry no path-matching semantics of
// their own (C2 skips them when searching for a match) but supply
// filesystem context to a following FileServer directive.
type Directive struct {
	PathPattern string

	Root        *RootDirective
	FileServer  *FileServerDirective
	ReverseProxy *ReverseProxyDirective
	Redirect    *RedirectDirective
}

// IsTerminal reports whether this directive can itself answer a
// request (as opposed to Root, which only supplies context).
func (d *Directive) IsTerminal() bool {
	return d.FileServer != nil || d.ReverseProxy != nil || d.Redirect != nil
}

// RootDirective declares a document root for a path glob plus an
// optional SPA fallback file served when a requested file is missing.
type RootDirective struct {
	PathPattern string
	FSRoot      string
	Fallback    string // empty if none configured
}

// FileServerDirective enables static serving on the current HostBlock
// using the Root entries that precede it in declaration order.
type FileServerDirective struct {
	Roots []*RootDirective
}

// ReverseProxyDirective forwards matched requests to a named upstream
// pool (spec §3).
type ReverseProxyDirective struct {
	Pool *upstream.Pool
}

// RedirectDirective emits a 3xx with {uri} and {host} placeholders
// expanded against the request.
type RedirectDirective struct {
	TargetTemplate string
}

// RequestContext describes the per-request state of spec §3, whose
// lifetime is exactly one request. Server.ServeHTTP does not build
// one: matching and dispatch read the *http.Request directly.
type RequestContext struct {
	Method        string
	Path          string
	RawQuery      string
	Header        http.Header
	ClientAddr    string
	ListenerAddr  string
	HostHeader    string
	RequestID     string

	Matched *HostBlock
	Active  *Directive
}
