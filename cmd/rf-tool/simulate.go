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
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matrixorigin/scanfilter/pkg/common/moerr"
	"github.com/matrixorigin/scanfilter/pkg/config"
	"github.com/matrixorigin/scanfilter/pkg/container/types"
	"github.com/matrixorigin/scanfilter/pkg/logutil"
	"github.com/matrixorigin/scanfilter/pkg/sql/colexec/table_scan"
	"github.com/matrixorigin/scanfilter/pkg/sql/plan"
	"github.com/matrixorigin/scanfilter/pkg/vm/engine/memoryengine"
	"github.com/matrixorigin/scanfilter/pkg/vm/message"
	"github.com/matrixorigin/scanfilter/pkg/vm/runtimefilter"
)

var (
	colA  = plan.NewCol("a", 0, types.T_int32.ToType())
	colB  = plan.NewCol("b", 1, types.T_int32.ToType())
	colID = plan.NewCol("id", 2, types.T_uint64.ToType())
)

var filterKinds = map[string]plan.RuntimeFilterKind{
	"in":          plan.RuntimeFilter_IN,
	"minmax":      plan.RuntimeFilter_MIN_MAX,
	"bloom":       plan.RuntimeFilter_BLOOM,
	"in_or_bloom": plan.RuntimeFilter_IN_OR_BLOOM,
	"bitmap":      plan.RuntimeFilter_BITMAP,
}

// simulateArg runs a producer and a scan consuming its filter over an in
// memory table t(a int, b int, id bigint unsigned) with a = id = row number
// and b = a % 100. The filter keeps every step-th value of a, or of id for
// a bitmap filter. The scan predicate is b < 50.
type simulateArg struct {
	params *config.RuntimeFilterParameters

	rows       int
	blockRows  int
	kind       plan.RuntimeFilterKind
	buildRows  int
	step       int
	remote     bool
	producers  int
	delay      time.Duration
	logVerbose bool
}

func (arg *simulateArg) PrepareCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "publish a runtime filter to a table scan and explain the scan",
		Args:  cobra.NoArgs,
		RunE:  runFactory(arg),
	}
	cmd.Flags().Int("rows", 100000, "rows of the scanned table")
	cmd.Flags().Int("block-rows", 1024, "rows per block")
	cmd.Flags().String("kind", "in", "filter kind: in, minmax, bloom, in_or_bloom or bitmap")
	cmd.Flags().Int("build-rows", 100, "values inserted by the producers")
	cmd.Flags().Int("step", 7, "distance between two build values")
	cmd.Flags().Bool("remote", false, "publish through the message board instead of the local registry")
	cmd.Flags().Int("producers", 1, "producer instances contributing to the filter, remote only")
	cmd.Flags().Duration("delay", 0, "delay before the producers publish")
	cmd.Flags().Bool("verbose", false, "log at debug level")
	return cmd
}

func (arg *simulateArg) FromCommand(cmd *cobra.Command) (err error) {
	if arg.params, err = loadParameters(cmd.Context(), cmd); err != nil {
		return err
	}
	flags := cmd.Flags()
	if arg.rows, err = flags.GetInt("rows"); err != nil {
		return err
	}
	if arg.blockRows, err = flags.GetInt("block-rows"); err != nil {
		return err
	}
	kind, err := flags.GetString("kind")
	if err != nil {
		return err
	}
	var ok bool
	if arg.kind, ok = filterKinds[strings.ToLower(kind)]; !ok {
		return moerr.NewInvalidArgNoCtx("kind", kind)
	}
	if arg.buildRows, err = flags.GetInt("build-rows"); err != nil {
		return err
	}
	if arg.step, err = flags.GetInt("step"); err != nil {
		return err
	}
	if arg.step <= 0 {
		return moerr.NewInvalidArgNoCtx("step", arg.step)
	}
	if arg.remote, err = flags.GetBool("remote"); err != nil {
		return err
	}
	if arg.producers, err = flags.GetInt("producers"); err != nil {
		return err
	}
	if arg.producers <= 0 || (!arg.remote && arg.producers != 1) {
		return moerr.NewInvalidArgNoCtx("producers", arg.producers)
	}
	if arg.delay, err = flags.GetDuration("delay"); err != nil {
		return err
	}
	arg.logVerbose, err = flags.GetBool("verbose")
	return err
}

func (arg *simulateArg) String() string {
	return fmt.Sprintf("simulate %s filter, %d build rows, %d scan rows", arg.kind, arg.buildRows, arg.rows)
}

func (arg *simulateArg) newTable(ctx context.Context) (*memoryengine.Table, error) {
	e := memoryengine.New()
	tbl, err := e.Create(ctx, "t", []*plan.ColRef{colA, colB, colID}, arg.blockRows)
	if err != nil {
		return nil, err
	}
	rows := make([][]any, arg.rows)
	for i := range rows {
		rows[i] = []any{int32(i), int32(i % 100), uint64(i)}
	}
	if err = tbl.Append(ctx, rows...); err != nil {
		return nil, err
	}
	return tbl, nil
}

func (arg *simulateArg) newSpec() *plan.RuntimeFilterSpec {
	target := colA
	if arg.kind == plan.RuntimeFilter_BITMAP {
		target = colID
	}
	spec := plan.MakeRuntimeFilter(1, arg.kind, int32(arg.params.MaxInNum), target)
	spec.ExpectedCard = int64(arg.buildRows)
	if arg.remote {
		spec.HasLocalTarget = false
		spec.HasRemoteTarget = true
		spec.Contributors = int32(arg.producers)
	}
	return spec
}

func (arg *simulateArg) buildValue(i int) any {
	v := i * arg.step
	if arg.kind == plan.RuntimeFilter_BITMAP {
		return uint64(v)
	}
	return int32(v)
}

// produce builds the share of producer part of the build values and
// publishes it.
func (arg *simulateArg) produce(ctx context.Context, r *runtimefilter.Registry, spec *plan.RuntimeFilterSpec, part int) error {
	p, err := r.RegisterProducer(ctx, spec)
	if err != nil {
		return err
	}
	b, err := p.NewLocalBuilder(ctx)
	if err != nil {
		return err
	}
	for i := part; i < arg.buildRows; i += arg.producers {
		if err = b.Insert(arg.buildValue(i)); err != nil {
			return err
		}
	}
	if err = p.MergeLocal(ctx, b); err != nil {
		return err
	}
	select {
	case <-time.After(arg.delay):
	case <-ctx.Done():
		return moerr.NewQueryInterrupted(ctx)
	}
	return p.Publish(ctx)
}

func (arg *simulateArg) Run(cmd *cobra.Command) error {
	if arg.logVerbose {
		arg.params.Log.Level = "debug"
	}
	logutil.SetupMOLogger(&arg.params.Log)

	ctx := cmd.Context()
	tbl, err := arg.newTable(ctx)
	if err != nil {
		return err
	}

	queryID := uuid.New()
	mc := message.NewMessageCenter()
	defer mc.Release(queryID)
	opts := runtimefilter.OptionsFromConfig(arg.params)
	consumers := runtimefilter.NewRegistry(queryID, opts, message.NewTransport(mc))
	defer consumers.Close()

	spec := arg.newSpec()
	filter := plan.NewFunc(plan.FnLt, colB, plan.NewLiteral(int32(50), colB.Typ))
	scan := table_scan.NewScanNode(tbl, filter, []string{spec.Expr.String()}, arg.params)
	defer scan.Close()
	if err = scan.Prepare(ctx, consumers, spec); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if arg.remote {
		board := mc.BoardOf(queryID)
		g.Go(func() error {
			return message.ReceiveRuntimeFilters(gctx, consumers, board)
		})
		for i := 0; i < arg.producers; i++ {
			part := i
			g.Go(func() error {
				producers := runtimefilter.NewRegistry(queryID, opts, message.NewTransport(mc))
				defer producers.Close()
				return arg.produce(gctx, producers, spec, part)
			})
		}
	} else {
		g.Go(func() error {
			return arg.produce(gctx, consumers, spec, 0)
		})
	}

	start := time.Now()
	bat, err := scan.Call(ctx)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)
	// unblocks the receiver if the filter never completed
	mc.Release(queryID)
	if err = g.Wait(); err != nil {
		logutil.Warn("runtime filter producer failed", zap.Error(err))
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, arg.String())
	fmt.Fprint(out, scan.Explain())
	fmt.Fprintf(out, "rows %d of %d, elapsed %s\n", bat.RowCount(), tbl.Rows(), elapsed)
	return nil
}
