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

// Package cbltcmd builds the cblt command-line surface. Grounded on
// the teacher's cmd/cobra.go + cmd/commands.go split: a cobra root
// command that subcommands attach flags to, kept out of package main
// so main.go (cmd/cblt/main.go) stays a thin entry point.
package cbltcmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "cblt",
		Short: "cblt is a minimalistic HTTP edge server",
		Long: `cblt serves static files and reverse-proxies to load-balanced
upstream pools, with optional TLS termination and container-orchestrator-
driven dynamic reconfiguration.

	$ cblt run --config ./Cbltfile
	$ cblt validate --config ./Cbltfile
`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCommand())
	root.AddCommand(newValidateCommand())
	return root
}

// Execute runs the cblt CLI and returns the process exit code.
func Execute() int {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "cblt:", err)
		return 1
	}
	return 0
}
