// gansynth_checkpoints reports on a GANSynth training checkpoint: the growth stage it reached, its
// hyperparameters and its variables.
//
//	gansynth_checkpoints -summary -params -vars ~/work/gansynth
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gansynth/pkg/gansynth"
	"github.com/gomlx/gansynth/pkg/pggan"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagScope = flag.String("scope", "/", "Scope of the variables considered in the -summary and -vars reports. "+
		"E.g.: \"/generator\" to ignore the discriminator and the optimizers.")
	flagSummary = flag.Bool("summary", true, "Display the global step, the growth stage and the size of the networks.")
	flagParams  = flag.Bool("params", false, "Lists the hyperparameters.")
	flagVars    = flag.Bool("vars", false, "Lists the variables under -scope.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	args := flag.Args()
	if len(args) != 1 {
		klog.Errorf("Expected exactly one checkpoint directory to read from, see 'gansynth_checkpoints -help'")
		os.Exit(1)
	}
	ctx := context.New()
	_ = must.M1(checkpoints.Build(ctx).Dir(args[0]).Keep(-1).Immediate().Done())
	scopedCtx := ctx
	if *flagScope != "" && *flagScope != context.RootScope {
		scopedCtx = ctx.InAbsPath(*flagScope)
	}

	w := os.Stdout
	if *flagSummary {
		must.M(Summary(w, ctx, scopedCtx, args[0]))
	}
	if *flagParams {
		Params(w, ctx)
	}
	if *flagVars {
		must.M(ListVariables(w, scopedCtx, backends.MustNew()))
	}
}

// StageFromContext reconstructs the growth stage of the checkpoint from its hyperparameters and global step.
func StageFromContext(ctx *context.Context) (pggan.Stage, error) {
	if _, found := ctx.GetParam(pggan.ParamMaxResolution); !found {
		return pggan.Stage{}, errors.Errorf("checkpoint has no %q hyperparameter", pggan.ParamMaxResolution)
	}
	pgganCfg, err := pggan.ConfigFromContext(ctx, &pggan.Config{DataFormat: images.ChannelsLast})
	if err != nil {
		return pggan.Stage{}, err
	}
	cfg := gansynth.DefaultConfig().FromContext(ctx)
	step := optimizers.GetGlobalStep(ctx)
	return pggan.NewSchedule(pgganCfg, cfg.MaxSteps).StageAt(step), nil
}

// variablesSize returns the number of variables, of values and of bytes under the scope of ctx.
func variablesSize(ctx *context.Context) (numVars, numValues int, numBytes uintptr) {
	ctx.EnumerateVariablesInScope(func(v *context.Variable) {
		numVars++
		numValues += v.Shape().Size()
		numBytes += v.Shape().Memory()
	})
	return
}

// Summary prints the global step, growth stage, and size of the networks.
func Summary(w io.Writer, ctx, scopedCtx *context.Context, checkpointPath string) error {
	_, _ = fmt.Fprintln(w, titleStyle.Render("Summary"))
	table := newTable(lipgloss.Right, lipgloss.Left)
	table.AddRow(false, "checkpoint", checkpointPath)
	table.AddRow(false, "global_step", humanize.Comma(optimizers.GetGlobalStep(ctx)))
	maxSteps := gansynth.DefaultConfig().FromContext(ctx).MaxSteps
	table.AddRow(false, "max_steps", humanize.Comma(maxSteps))
	stage, err := StageFromContext(ctx)
	if err != nil {
		return err
	}
	table.AddRow(false, "depth", fmt.Sprintf("%.3f", stage.Depth))
	table.AddRow(false, "resolution", fmt.Sprintf("%v (1/%d of the full resolution)", stage.Resolution, stage.Downscale))
	table.AddRow(stage.Fading, "fading", fmt.Sprintf("%v", stage.Fading))

	for _, scope := range []string{pggan.GeneratorScope, pggan.DiscriminatorScope} {
		numVars, numValues, numBytes := variablesSize(ctx.InAbsPath(context.RootScope + scope))
		table.AddRow(false, scope, fmt.Sprintf("%s variables, %s parameters, %s",
			humanize.Comma(int64(numVars)), humanize.Comma(int64(numValues)), humanize.Bytes(uint64(numBytes))))
	}
	numVars, numValues, numBytes := variablesSize(scopedCtx)
	table.AddRow(false, "scope", scopedCtx.Scope())
	table.AddRow(false, "# variables", humanize.Comma(int64(numVars)))
	table.AddRow(false, "# parameters", humanize.Comma(int64(numValues)))
	table.AddRow(false, "# bytes", humanize.Bytes(uint64(numBytes)))
	_, _ = fmt.Fprintln(w, table.Render())
	return nil
}

// Params lists the hyperparameters. The ones defining the architecture, which can't be changed once training
// started, are highlighted.
func Params(w io.Writer, ctx *context.Context) {
	_, _ = fmt.Fprintln(w, titleStyle.Render("Hyperparameters"))
	table := newTable(lipgloss.Left)
	table.Headers("Scope", "Name", "Type", "Value")
	type param struct {
		scope, key string
		value any
	}
	var params []param
	ctx.EnumerateParams(func(scope, key string, value any) {
		params = append(params, param{scope, key, value})
	})
	slices.SortFunc(params, func(a, b param) int {
		if cmp := strings.Compare(a.scope, b.scope); cmp != 0 {
			return cmp
		}
		return strings.Compare(a.key, b.key)
	})
	architecture := []string{pggan.ParamMinResolution, pggan.ParamMaxResolution, pggan.ParamMinFilters,
		pggan.ParamMaxFilters, pggan.ParamChannelsFirst}
	for _, p := range params {
		table.AddRow(slices.Contains(architecture, p.key),
			p.scope, p.key, fmt.Sprintf("%T", p.value), fmt.Sprintf("%v", p.value))
	}
	_, _ = fmt.Fprintln(w, table.Render())
}

// ListVariables lists the variables under the scope of ctx, with their shape, and for float variables their
// MAV (mean absolute value), RMS (root-mean-square) and MaxAV (max absolute value).
func ListVariables(w io.Writer, ctx *context.Context, backend backends.Backend) error {
	_, _ = fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Variables in scope %q", ctx.Scope())))
	metricsExec, err := NewExec(backend, func(x *Node) (mav, rms, maxAV *Node) {
		x = ConvertDType(x, dtypes.Float64)
		mav = ReduceAllMean(Abs(x))
		rms = Sqrt(ReduceAllMean(Square(x)))
		maxAV = ReduceAllMax(Abs(x))
		return
	})
	if err != nil {
		return err
	}
	defer metricsExec.Finalize()
	metricsExec.SetMaxCache(-1)

	table := newTable(lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Headers("Scope", "Name", "Shape", "Size", "Bytes", "Scalar/MAV", "RMS", "MaxAV")
	var rows [][]string
	for v := range ctx.IterVariablesInScope() {
		if !v.IsValid() {
			rows = append(rows, []string{v.Scope(), v.Name(), "<invalid>", "", "", "", "", ""})
			continue
		}
		value, err := v.Value()
		if err != nil {
			return errors.WithMessagef(err, "variable %s/%s", v.Scope(), v.Name())
		}
		shape := v.Shape()
		var mav, rms, maxAV string
		if shape.Size() == 1 {
			mav = fmt.Sprintf("%8v", value.Value())
		} else if shape.DType.IsFloat() {
			t0, t1, t2, err := metricsExec.Exec3(value)
			if err != nil {
				return errors.WithMessagef(err, "variable %s/%s", v.Scope(), v.Name())
			}
			mav, rms, maxAV = formatMetric(t0), formatMetric(t1), formatMetric(t2)
		}
		rows = append(rows, []string{
			v.Scope(), v.Name(), shape.String(),
			humanize.Comma(int64(shape.Size())),
			humanize.Bytes(uint64(shape.Memory())),
			mav, rms, maxAV,
		})
	}
	slices.SortFunc(rows, func(a, b []string) int {
		if cmp := strings.Compare(a[0], b[0]); cmp != 0 {
			return cmp
		}
		return strings.Compare(a[1], b[1])
	})
	for _, row := range rows {
		table.AddRow(false, row...)
	}
	_, _ = fmt.Fprintln(w, table.Render())
	return nil
}

func formatMetric(t *tensors.Tensor) string {
	defer t.MustFinalizeAll()
	return fmt.Sprintf("%.3g", tensors.ToScalar[float64](t))
}
