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

// Package herrors holds the HandlerError type (spec §10.2) at a level
// below the root package, the file responder, and the reverse proxy,
// so all three can build and log the same kind of mapped error
// without an import cycle: the root cblt package re-exports this
// package's types under its own names.
package herrors

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Kind categorizes a request-scoped error per spec §7.
type Kind int

const (
	KindRequestParse Kind = iota
	KindNotFound
	KindMethodNotAllowed
	KindForbidden
	KindRangeNotSatisfiable
	KindUpstreamExhausted
	KindUpstreamTimeout
	KindTLS
	KindIO
)

// status maps a Kind to the HTTP status code it produces.
func (k Kind) status() int {
	switch k {
	case KindRequestParse:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case KindForbidden:
		return http.StatusForbidden
	case KindRangeNotSatisfiable:
		return http.StatusRequestedRangeNotSatisfiable
	case KindUpstreamExhausted:
		return http.StatusBadGateway
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// HandlerError pairs an internal error with the HTTP status it maps
// to and a short ID so an operator can correlate a log line with the
// plain-text body shown to the client, without leaking a stack trace
// or internal path to the client itself.
type HandlerError struct {
	Err        error
	StatusCode int
	ID         string
}

func (e HandlerError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %v", e.StatusCode, e.Err)
}

func (e HandlerError) Unwrap() error { return e.Err }

// New wraps err as a HandlerError for the given Kind.
func New(kind Kind, err error) HandlerError {
	return HandlerError{
		Err:        err,
		StatusCode: kind.status(),
		ID:         randID(),
	}
}

// WithStatus builds a HandlerError directly from a status code, for
// the few call sites that don't map cleanly onto one of the named
// Kinds.
func WithStatus(status int, err error) HandlerError {
	return HandlerError{Err: err, StatusCode: status, ID: randID()}
}

func randID() string {
	buf := make([]byte, 5)
	_, _ = rand.Read(buf)
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf)
}

// Write logs he (at warn, or error for 5xx) through log with its
// correlation ID, then writes he's mapped status to w with a one-line
// plain-text body naming that ID -- never a stack trace or internal
// path (spec §10.2). log may be nil, in which case only the response
// is written.
func Write(w http.ResponseWriter, log *zap.Logger, he HandlerError) {
	if log != nil {
		fields := []zap.Field{
			zap.String("error_id", he.ID),
			zap.Int("status", he.StatusCode),
			zap.Error(he.Err),
		}
		if he.StatusCode >= 500 {
			log.Error("request error", fields...)
		} else {
			log.Warn("request error", fields...)
		}
	}
	http.Error(w, fmt.Sprintf("%d %s (id %s)", he.StatusCode, strings.ToLower(http.StatusText(he.StatusCode)), he.ID), he.StatusCode)
}
