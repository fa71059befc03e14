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

package fileserver

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// SafePath implements C3 §4.3 step 1: percent-decode reqPath and
// reject any decoded segment equal to "..". It does not strip a query
// string; callers pass the URL path (r.URL.Path), which has none. The
// caller is
// responsible for rooting the cleaned path against its own fs.FS
// (os.DirFS(root.FSRoot) in dirfs.go); SafePath only validates.
// Grounded on caddyhttp/httpserver/server.go's SafePath, adapted to
// reject on any ".." segment rather than relying solely on
// path.Clean, so a request can never escape its configured root.
func SafePath(reqPath string) (string, error) {
	decoded, err := url.PathUnescape(reqPath)
	if err != nil {
		return "", fmt.Errorf("fileserver: invalid percent-encoding: %w", err)
	}
	for _, seg := range strings.Split(decoded, "/") {
		if seg == ".." {
			return "", fmt.Errorf("fileserver: path traversal rejected: %q", reqPath)
		}
	}
	return path.Clean("/" + decoded), nil
}
