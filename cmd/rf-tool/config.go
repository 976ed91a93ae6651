// Copyright 2023 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/matrixorigin/scanfilter/pkg/config"
)

// loadParameters reads the file named by the config flag, or returns the
// defaults.
func loadParameters(ctx context.Context, cmd *cobra.Command) (*config.RuntimeFilterParameters, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	if path == "" {
		return config.NewRuntimeFilterParameters(), nil
	}
	return config.LoadConfig(ctx, path)
}

type configArg struct {
	params *config.RuntimeFilterParameters
}

func (c *configArg) PrepareCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "print the effective config as toml",
		Args:  cobra.NoArgs,
		RunE:  runFactory(c),
	}
	return cmd
}

func (c *configArg) FromCommand(cmd *cobra.Command) (err error) {
	c.params, err = loadParameters(cmd.Context(), cmd)
	return err
}

func (c *configArg) Run(cmd *cobra.Command) error {
	return c.params.Dump(cmd.OutOrStdout())
}
