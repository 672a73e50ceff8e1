// Copyright 2025 walteh LLC
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

package main

import (
	"github.com/spf13/cobra"
)

func newPlanCmd() *cobra.Command {
	flags := &runFlags{}

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show what a run would process without touching any file",
		Long: `Plan resolves the manifest and records every file that a run would
process as a "planned" status record. No source is copied, redacted,
or uploaded. The source-to-destination mapping and run journal are
still written so the plan can be reviewed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			overlay := flags.overlay(cmd)
			dryRun := true
			overlay.DryRun = &dryRun

			cfg, err := resolveConfig(ctx, overlay)
			if err != nil {
				return err
			}
			return executeRun(cmd, cfg)
		},
	}

	flags.register(cmd)
	return cmd
}
