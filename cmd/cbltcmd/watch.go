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

package cbltcmd

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/cblt/cblt"
	"github.com/cblt/cblt/internal/cbltfile"
	"github.com/cblt/cblt/internal/watcher"
)

// startWatcher activates C8 (spec §4.8, §9 MODE=docker): it compiles
// every snapshot into a RoutingTable and swaps it into srv, reusing
// srv's currently-published table for pool-identity matching the same
// way a Cbltfile reload does.
func startWatcher(ctx context.Context, log *zap.Logger, srv *cblt.Server) (func(), error) {
	path := os.Getenv("CBLT_FLEET_SNAPSHOT")
	if path == "" {
		path = "/run/cblt/fleet.json"
	}

	src := &watcher.FileSource{Path: path, PollInterval: 5 * time.Second}
	w := watcher.New(log)

	compile := func(tree *cbltfile.Tree) error {
		rt, err := cblt.Compile(tree, srv.Table(), log)
		if err != nil {
			return err
		}
		srv.Swap(rt)
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := w.Run(ctx, src, compile); err != nil && ctx.Err() == nil {
			log.Warn("orchestrator watcher stopped", zap.Error(err))
		}
	}()

	return func() { <-done }, nil
}
