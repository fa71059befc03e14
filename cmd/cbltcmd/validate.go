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
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cblt/cblt"
)

func newValidateCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Parses and compiles the Cbltfile without starting the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			tree, err := loadCbltfile(configPath)
			if err != nil {
				return err
			}
			// validate is a dry run against no live RoutingTable, so a
			// nop logger is enough: no pool here will ever see a real
			// health transition to report.
			rt, err := cblt.Compile(tree, nil, zap.NewNop())
			if err != nil {
				return fmt.Errorf("cblt: compiling %s: %w", configPath, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is valid: %d listener(s)\n", configPath, len(rt.Listeners))
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "./Cbltfile", "Path to the Cbltfile")
	return cmd
}
