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
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/walteh/slidescrub/pkg/manifest"
	"gitlab.com/tozd/go/errors"
)

func newValidateManifestCmd() *cobra.Command {
	var manifestPath string

	cmd := &cobra.Command{
		Use:   "validate-manifest",
		Short: "Check a manifest parses and report what it covers",
		Long: `Validate-manifest loads the manifest the same way run does: required
columns must be present, rows with an empty location are dropped, and
relative locations resolve against the manifest's directory. It reports
how many rows survive and how many source files are missing on disk.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if manifestPath == "" {
				return errors.Errorf("manifest path is required")
			}

			rows, err := manifest.Load(ctx, manifestPath, manifest.LoadOptions{})
			if err != nil {
				return errors.Errorf("loading manifest: %w", err)
			}

			missing := 0
			for _, row := range rows {
				if _, err := os.Stat(row.Location); err != nil {
					missing++
				}
			}

			out := cmd.OutOrStdout()
			color.New(color.FgGreen).Fprintf(out, "manifest ok: %d rows\n", len(rows))
			if missing > 0 {
				color.New(color.FgYellow).Fprintf(out, "sources missing on disk: %d\n", missing)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "manifest", "m", "", "manifest CSV path")
	return cmd
}
