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

import "github.com/cblt/cblt/internal/herrors"

// Kind categorizes a request-scoped error per spec §7. It is an alias
// for internal/herrors' Kind so the file responder and reverse proxy
// can build the same error values the connection loop does, without
// importing this package (which already imports both of them).
type Kind = herrors.Kind

const (
	KindRequestParse        = herrors.KindRequestParse
	KindNotFound            = herrors.KindNotFound
	KindMethodNotAllowed    = herrors.KindMethodNotAllowed
	KindForbidden           = herrors.KindForbidden
	KindRangeNotSatisfiable = herrors.KindRangeNotSatisfiable
	KindUpstreamExhausted   = herrors.KindUpstreamExhausted
	KindUpstreamTimeout     = herrors.KindUpstreamTimeout
	KindTLS                 = herrors.KindTLS
	KindIO                  = herrors.KindIO
)

// HandlerError pairs an internal error with the HTTP status it maps
// to and a short ID so an operator can correlate a log line with the
// plain-text body shown to the client, without leaking a stack trace
// or internal path to the client itself.
type HandlerError = herrors.HandlerError

// NewError wraps err as a HandlerError for the given Kind.
func NewError(kind Kind, err error) HandlerError {
	return herrors.New(kind, err)
}

// ErrorWithStatus builds a HandlerError directly from a status code,
// for the few call sites that don't map cleanly onto one of the named
// Kinds, e.g. the 500 server.go writes after recovering a panic.
func ErrorWithStatus(status int, err error) HandlerError {
	return herrors.WithStatus(status, err)
}
