package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"github.com/gogpu/gputypes"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/born-ml/zelkova/internal/binding"
	"github.com/born-ml/zelkova/internal/codegen"
	"github.com/born-ml/zelkova/internal/engine"
	"github.com/born-ml/zelkova/internal/envconfig"
	"github.com/born-ml/zelkova/internal/graph"
	"github.com/born-ml/zelkova/internal/kernel"
	"github.com/born-ml/zelkova/internal/tensor"
)

const version = "v0.1.0-dev"

// NewCLI builds the root command.
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := &cobra.Command{
		Use:           "zelkova",
		Short:         "Lazy tensor expressions compiled to fused WGSL compute shaders",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
				Level: envconfig.LogLevel(),
			})))
		},
	}

	rootCmd.AddCommand(newVersionCmd(), newEnvCmd(), newEmitCmd(), newRunCmd())
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "zelkova version %s\n", version)
		},
	}
}

func newEnvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "env",
		Short: "Show configuration variables and their current values",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			vars := envconfig.AsMap()
			names := make([]string, 0, len(vars))
			for k := range vars {
				names = append(names, k)
			}
			slices.Sort(names)

			var data [][]string
			for _, k := range names {
				v := vars[k]
				data = append(data, []string{v.Name, fmt.Sprintf("%v", v.Value), v.Description})
			}
			renderTable(cmd.OutOrStdout(), []string{"NAME", "VALUE", "DESCRIPTION"}, data)
		},
	}
}

// exprFlags describes a single-operation expression given on the command line.
type exprFlags struct {
	op     string
	dtype  string
	values string
	other  string
	shape  string
	shift  int
}

func (f *exprFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.op, "op", "add", "Operation: add, sub, mul, div, exp, rotate, sum, transpose, determinant, inverse")
	cmd.Flags().StringVar(&f.dtype, "dtype", "f32", "Element type: f32, i32 or u32")
	cmd.Flags().StringVar(&f.values, "values", "1,2,3,4", "Comma-separated input values")
	cmd.Flags().StringVar(&f.other, "other", "", "Comma-separated second operand for binary operations (default: the input itself)")
	cmd.Flags().StringVar(&f.shape, "shape", "", "Comma-separated input shape (default: a vector of all values)")
	cmd.Flags().IntVar(&f.shift, "shift", 1, "Shift for rotate")
}

// expression binds the operands and records the operation on eng.
func (f *exprFlags) expression(cmd *cobra.Command, eng *engine.Engine) (*graph.Node, error) {
	op, err := kernel.ParseOp(f.op)
	if err != nil {
		return nil, err
	}
	dt, err := tensor.ParseDataType(f.dtype)
	if err != nil {
		return nil, err
	}

	x, err := bindValues(cmd, eng, dt, f.values, f.shape)
	if err != nil {
		return nil, fmt.Errorf("--values: %w", err)
	}
	operands := []graph.Operand{graph.HandleOperand(x)}
	if op.Binary() {
		y := x
		if f.other != "" {
			if y, err = bindValues(cmd, eng, dt, f.other, f.shape); err != nil {
				return nil, fmt.Errorf("--other: %w", err)
			}
		}
		operands = append(operands, graph.HandleOperand(y))
	}
	return eng.Apply(op, operands, graph.WithShift(f.shift))
}

func bindValues(cmd *cobra.Command, eng *engine.Engine, dt tensor.DataType, values, shape string) (*binding.Handle, error) {
	data, n, err := parseValues(dt, values)
	if err != nil {
		return nil, err
	}
	s := tensor.Shape{n}
	if shape != "" {
		if s, err = parseShape(shape); err != nil {
			return nil, err
		}
	}
	return eng.Bind(cmd.Context(), binding.Content{Data: data, DType: dt, Shape: s})
}

func newEngine(backend string) (*engine.Engine, error) {
	d, err := openDriver(backend)
	if err != nil {
		return nil, err
	}
	return engine.New(d, engine.WithConfig(engine.ConfigFromEnv()), engine.WithLogger(slog.Default())), nil
}

func newEmitCmd() *cobra.Command {
	var f exprFlags
	cmd := &cobra.Command{
		Use:   "emit",
		Short: "Print the WGSL and bind group layout generated for an expression",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := newEngine("cpu")
			if err != nil {
				return err
			}
			defer eng.Close()

			root, err := f.expression(cmd, eng)
			if err != nil {
				return err
			}
			g, err := graph.New(root)
			if err != nil {
				return err
			}
			out, err := eng.BindDynamic(cmd.Context(), root.DataType(), root.Shape())
			if err != nil {
				return err
			}
			program, err := codegen.Emit([]codegen.Job{{Graph: g, Outputs: []*binding.Handle{out}}},
				codegen.WithWorkgroupSize(eng.Config().WorkgroupSize),
				codegen.WithLimits(eng.Driver().Limits()))
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintln(w, program.Source)
			var data [][]string
			for _, le := range program.Layout {
				data = append(data, []string{strconv.FormatUint(uint64(le.Binding), 10), bindingTypeName(le.Buffer.Type)})
			}
			renderTable(w, []string{"BINDING", "TYPE"}, data)
			fmt.Fprintln(w)
			fmt.Fprint(w, program.Describe())
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newRunCmd() *cobra.Command {
	var (
		f       exprFlags
		backend string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Resolve an expression and print the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			eng, err := newEngine(backend)
			if err != nil {
				return err
			}
			defer eng.Close()

			root, err := f.expression(cmd, eng)
			if err != nil {
				return err
			}
			if err := eng.Resolve(cmd.Context(), root); err != nil {
				return err
			}
			h, ok := root.Result()
			if !ok {
				return errors.New("expression did not resolve")
			}
			raw, err := h.Bytes()
			if err != nil {
				return err
			}
			values, err := formatValues(h.DataType(), raw)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s %v = [%s]\n\n", root, []int(h.Shape()), values)

			var data [][]string
			for _, e := range eng.Table().Entries() {
				data = append(data, []string{
					strconv.FormatUint(uint64(e.Slot), 10),
					e.DType.String(),
					fmt.Sprint([]int(e.Shape)),
					e.Memory.String(),
					e.Space.WGSL(),
					strconv.FormatBool(e.Ready),
				})
			}
			renderTable(w, []string{"SLOT", "DTYPE", "SHAPE", "MEMORY", "SPACE", "READY"}, data)
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&backend, "backend", envconfig.Backend(), "Compute backend: cpu or webgpu")
	return cmd
}

func renderTable(w io.Writer, header []string, data [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}

func parseShape(s string) (tensor.Shape, error) {
	var shape tensor.Shape
	for _, f := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return nil, fmt.Errorf("shape %q: %w", s, err)
		}
		shape = append(shape, n)
	}
	return shape, shape.Validate()
}

// parseValues encodes comma-separated values as dt and returns the count.
func parseValues(dt tensor.DataType, s string) ([]byte, int, error) {
	fields := strings.Split(s, ",")
	switch dt {
	case tensor.Float32:
		return parseAs(fields, func(f string) (float32, error) {
			v, err := strconv.ParseFloat(f, 32)
			return float32(v), err
		})
	case tensor.Int32:
		return parseAs(fields, func(f string) (int32, error) {
			v, err := strconv.ParseInt(f, 10, 32)
			return int32(v), err
		})
	case tensor.Uint32:
		return parseAs(fields, func(f string) (uint32, error) {
			v, err := strconv.ParseUint(f, 10, 32)
			return uint32(v), err
		})
	default:
		return nil, 0, fmt.Errorf("unsupported data type %s", dt)
	}
}

func parseAs[T tensor.Element](fields []string, parse func(string) (T, error)) ([]byte, int, error) {
	out := make([]T, len(fields))
	for i, f := range fields {
		v, err := parse(strings.TrimSpace(f))
		if err != nil {
			return nil, 0, err
		}
		out[i] = v
	}
	return tensor.Encode(out), len(out), nil
}

func formatValues(dt tensor.DataType, raw []byte) (string, error) {
	switch dt {
	case tensor.Float32:
		return formatAs[float32](raw)
	case tensor.Int32:
		return formatAs[int32](raw)
	case tensor.Uint32:
		return formatAs[uint32](raw)
	default:
		return "", fmt.Errorf("unsupported data type %s", dt)
	}
}

func formatAs[T tensor.Element](raw []byte) (string, error) {
	values, err := tensor.Decode[T](raw)
	if err != nil {
		return "", err
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, ", "), nil
}

func bindingTypeName(t gputypes.BufferBindingType) string {
	switch t {
	case gputypes.BufferBindingTypeUniform:
		return "uniform"
	case gputypes.BufferBindingTypeReadOnlyStorage:
		return "read-only-storage"
	case gputypes.BufferBindingTypeStorage:
		return "storage"
	default:
		return "unknown"
	}
}
