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

// Package fileserver implements C3: resolving a filesystem path,
// negotiating range and compression, and streaming the body.
package fileserver

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/cblt/cblt/internal/herrors"
)

// chunkSize bounds how much of an uncompressed file is held in memory
// at once while streaming (spec §4.3 step 7, §5 resource discipline).
const chunkSize = 64 * 1024

// gzipThreshold is the maximum resource size eligible for in-memory
// gzip compression (spec §4.3 step 6).
const gzipThreshold = 1 << 20 // 1 MiB

var compressibleMIME = map[string]bool{
	"application/javascript": true,
	"application/json":       true,
	"image/svg+xml":          true,
}

func isCompressible(mimeType string) bool {
	if strings.HasPrefix(mimeType, "text/") {
		return true
	}
	base, _, _ := strings.Cut(mimeType, ";")
	return compressibleMIME[strings.TrimSpace(base)]
}

// Root is one configured document root: a path-pattern's filesystem
// root directory and optional SPA fallback file.
type Root struct {
	PathPattern string
	FS          fs.FS
	FSRoot      string
	Fallback    string
}

// Server resolves and streams static files for matched requests.
type Server struct {
	Roots []Root
	// Log is the "fileserver" child logger (spec §10.1) error
	// responses are recorded through. A nil Log disables logging but
	// still writes the client response.
	Log *zap.Logger
}

// ServeHTTP implements C3 end to end for r, writing directly to w. It
// returns the HandlerError it wrote to w, or nil on success, so a
// caller can inspect what happened without needing to re-derive it
// from the response recorder.
// Only GET and HEAD are served; anything else on a file path is 405
// (spec §6).
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		he := herrors.New(herrors.KindMethodNotAllowed, fmt.Errorf("fileserver: method %s not allowed", r.Method))
		herrors.Write(w, s.Log, he)
		return he
	}

	root := s.selectRoot(r.URL.Path)
	if root == nil {
		he := herrors.New(herrors.KindNotFound, fmt.Errorf("fileserver: no root matches %q", r.URL.Path))
		herrors.Write(w, s.Log, he)
		return he
	}

	cleanPath, err := SafePath(r.URL.Path)
	if err != nil {
		he := herrors.New(herrors.KindForbidden, err)
		herrors.Write(w, s.Log, he)
		return he
	}

	f, info, servedPath, err := openWithIndexAndFallback(root, cleanPath)
	if err != nil {
		if root.Fallback != "" {
			fbPath, ferr := SafePath(root.Fallback)
			if ferr == nil {
				if f2, info2, err2 := openFile(root, fbPath); err2 == nil {
					return s.writeFile(w, r, root, f2, info2, root.Fallback, http.StatusOK)
				}
			}
		}
		he := herrors.New(herrors.KindNotFound, err)
		herrors.Write(w, s.Log, he)
		return he
	}
	defer f.Close()

	return s.writeFile(w, r, root, f, info, servedPath, http.StatusOK)
}

// selectRoot finds the configured Root whose path pattern matches
// reqPath, in declaration order (the same first-wins discipline C2
// uses for directives).
func (s *Server) selectRoot(reqPath string) *Root {
	for i := range s.Roots {
		if pathMatches(s.Roots[i].PathPattern, reqPath) {
			return &s.Roots[i]
		}
	}
	return nil
}

// pathMatches duplicates cblt.pathMatches' literal-plus-trailing-*
// semantics; kept local to avoid an import cycle (the root package
// imports this one to dispatch requests).
func pathMatches(pattern, p string) bool {
	if pattern == "*" || pattern == "" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(p, pattern[:len(pattern)-1])
	}
	return pattern == p
}

func openWithIndexAndFallback(root *Root, cleanPath string) (fs.File, fs.FileInfo, string, error) {
	f, info, err := openFile(root, cleanPath)
	if err != nil {
		return nil, nil, "", err
	}
	if info.IsDir() {
		f.Close()
		indexPath := path.Join(cleanPath, "index.html")
		f, info, err = openFile(root, indexPath)
		if err != nil {
			return nil, nil, "", err
		}
		return f, info, indexPath, nil
	}
	return f, info, cleanPath, nil
}

func openFile(root *Root, cleanPath string) (fs.File, fs.FileInfo, error) {
	name := strings.TrimPrefix(cleanPath, "/")
	if name == "" {
		name = "."
	}
	f, err := root.FS.Open(name)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, info, nil
}

// writeFile implements steps 4-7 of C3 §4.3: MIME detection, range
// negotiation, compression, and bounded-chunk streaming.
func (s *Server) writeFile(w http.ResponseWriter, r *http.Request, root *Root, f fs.File, info fs.FileInfo, servedPath string, status int) error {
	defer f.Close()

	mimeType := mime.TypeByExtension(path.Ext(servedPath))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	w.Header().Set("Date", time.Now().UTC().Format(http.TimeFormat))
	w.Header().Set("Content-Type", mimeType)
	w.Header().Set("Server", "Cblt")

	rangeHeader := r.Header.Get("Range")

	// Range and gzip are never combined (spec §4.3 step 6, §9).
	if rangeHeader != "" {
		return s.serveRange(w, r, f, info, rangeHeader)
	}

	if acceptsGzip(r) && info.Size() <= gzipThreshold && isCompressible(mimeType) {
		return s.serveCompressed(w, r, f, status)
	}

	w.Header().Set("Content-Length", strconv.FormatInt(info.Size(), 10))
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return nil
	}
	streamChunks(w, f)
	return nil
}

func acceptsGzip(r *http.Request) bool {
	for _, enc := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		if strings.TrimSpace(enc) == "gzip" {
			return true
		}
	}
	return false
}

func (s *Server) serveCompressed(w http.ResponseWriter, r *http.Request, f fs.File, status int) error {
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := io.Copy(gw, f); err != nil {
		he := herrors.New(herrors.KindIO, err)
		herrors.Write(w, s.Log, he)
		return he
	}
	gw.Close()

	w.Header().Set("Content-Encoding", "gzip")
	w.Header().Add("Vary", "Accept-Encoding")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return nil
	}
	streamChunks(w, bytes.NewReader(buf.Bytes()))
	return nil
}

// serveRange implements the single-range 206/416 handling of spec
// §4.3 step 5, written by hand rather than delegated to
// http.ServeContent so the Content-Range/Content-Length invariants in
// spec §8 hold exactly.
func (s *Server) serveRange(w http.ResponseWriter, r *http.Request, f fs.File, info fs.FileInfo, rangeHeader string) error {
	size := info.Size()
	start, end, ok := parseByteRange(rangeHeader, size)
	if !ok {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		he := herrors.New(herrors.KindRangeNotSatisfiable, fmt.Errorf("fileserver: unsatisfiable range %q", rangeHeader))
		herrors.Write(w, s.Log, he)
		return he
	}

	seeker, isSeeker := f.(io.Seeker)
	if !isSeeker {
		he := herrors.New(herrors.KindIO, errors.New("fileserver: file does not support seeking"))
		herrors.Write(w, s.Log, he)
		return he
	}
	if _, err := seeker.Seek(start, io.SeekStart); err != nil {
		he := herrors.New(herrors.KindIO, err)
		herrors.Write(w, s.Log, he)
		return he
	}

	length := end - start + 1
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method == http.MethodHead {
		return nil
	}
	streamChunks(w, io.LimitReader(f, length))
	return nil
}

// parseByteRange parses a single "bytes=a-b" range header (spec
// §4.3 step 5 only supports a single range) against a resource of the
// given size.
func parseByteRange(header string, size int64) (start, end int64, ok bool) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return 0, 0, false
	}
	spec := strings.TrimPrefix(header, prefix)
	if strings.Contains(spec, ",") {
		return 0, 0, false // multi-range not supported
	}
	a, b, found := strings.Cut(spec, "-")
	if !found {
		return 0, 0, false
	}
	var err error
	if a == "" {
		// suffix range: "-N" means last N bytes
		n, perr := strconv.ParseInt(b, 10, 64)
		if perr != nil || n <= 0 {
			return 0, 0, false
		}
		start = size - n
		if start < 0 {
			start = 0
		}
		end = size - 1
	} else {
		start, err = strconv.ParseInt(a, 10, 64)
		if err != nil || start < 0 {
			return 0, 0, false
		}
		if b == "" {
			end = size - 1
		} else {
			end, err = strconv.ParseInt(b, 10, 64)
			if err != nil {
				return 0, 0, false
			}
		}
	}
	if start > end || end >= size || size == 0 {
		return 0, 0, false
	}
	return start, end, true
}

// streamChunks copies src to w in bounded chunks rather than one
// unbounded io.Copy, per spec §5's resource discipline.
func streamChunks(w io.Writer, src io.Reader) {
	buf := make([]byte, chunkSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
