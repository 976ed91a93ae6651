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
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

type arg interface {
	PrepareCommand() *cobra.Command
	FromCommand(cmd *cobra.Command) error
	Run(cmd *cobra.Command) error
}

func runFactory(a arg) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := a.FromCommand(cmd); err != nil {
			return err
		}
		return a.Run(cmd)
	}
}

func rootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "rf-tool",
		Short:         "runtime filter and scan pushdown tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringP("config", "c", "", "runtime filter toml config, defaults when empty")

	configArg := &configArg{}
	cmd.AddCommand(configArg.PrepareCommand())

	simulateArg := &simulateArg{}
	cmd.AddCommand(simulateArg.PrepareCommand())
	return cmd
}

func main() {
	if err := rootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
