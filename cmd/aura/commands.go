package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-aura/internal/attention"
	"github.com/23skdu/longbow-aura/internal/pipeline"
	"github.com/23skdu/longbow-aura/internal/tensor"
)

var modeNames = lo.Map([]attention.Mode{attention.ModeReal, attention.ModeDouble, attention.ModeInteger},
	func(m attention.Mode, _ int) string { return m.String() })

func (a *app) attentionCmd() *cobra.Command {
	var job pipeline.AttentionJob
	cmd := &cobra.Command{
		Use:   "attention",
		Short: "Compute O = softmax(Q K^T / sqrt(cols)) V from memory files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repr, conv, err := a.format()
			if err != nil {
				return err
			}
			mode, err := attention.ParseMode(a.cfg.Mode)
			if err != nil {
				return err
			}
			job.Repr, job.Convention, job.Mode = repr, conv, mode

			res, err := a.runner().RunAttention(cmd.Context(), job)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %016x %s\n", job.Out, res.Fingerprint, res.Duration)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&job.Q, "q", "", "Q memory file")
	f.StringVar(&job.K, "k", "", "K memory file")
	f.StringVar(&job.V, "v", "", "V memory file")
	f.StringVar(&job.Out, "out", "", "Output memory file")
	f.StringVar(&a.mode, "mode", "real", "Arithmetic: "+strings.Join(modeNames, ", "))
	f.BoolVar(&a.publish, "publish", false, "Also publish the output over Arrow Flight")
	for _, name := range []string{"q", "k", "v", "out"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func (a *app) convertCmd() *cobra.Command {
	var (
		job      pipeline.ConvertJob
		from, to string
	)
	cmd := &cobra.Command{
		Use:   "convert",
		Short: "Re-encode a memory file in another representation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, conv, err := a.format()
			if err != nil {
				return err
			}
			if job.InRepr, err = tensor.ParseRepresentation(from); err != nil {
				return err
			}
			if job.OutRepr, err = tensor.ParseRepresentation(to); err != nil {
				return err
			}
			job.Convention = conv

			res, err := a.runner().RunConvert(cmd.Context(), job)
			if err != nil {
				return err
			}
			if job.Symmetric {
				fmt.Fprintf(cmd.OutOrStdout(), "scale %g\n", res.Scale)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&job.In, "in", "", "Input memory file")
	f.StringVar(&job.Out, "out", "", "Output memory file")
	f.StringVar(&from, "from", "fp32", "Input encoding")
	f.StringVar(&to, "to", "q0.7", "Output encoding")
	f.BoolVar(&job.Symmetric, "symmetric", false, "Per-tensor symmetric q0.7 quantization")
	_ = cmd.MarkFlagRequired("in")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func (a *app) compareCmd() *cobra.Command {
	var (
		job       pipeline.CompareJob
		asJSON    bool
		arrowPath string
	)
	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Validate a device output against a reference output",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repr, conv, err := a.format()
			if err != nil {
				return err
			}
			job.Repr, job.Convention = repr, conv

			r := a.runner()
			rep, err := r.RunCompare(cmd.Context(), job)
			if err != nil {
				return err
			}
			if asJSON {
				err = rep.WriteJSON(cmd.OutOrStdout())
			} else {
				err = rep.WriteText(cmd.OutOrStdout())
			}
			if err != nil {
				return err
			}
			if arrowPath != "" {
				if err := r.WriteReport(arrowPath, rep); err != nil {
					return err
				}
			}
			if !rep.Pass {
				return fmt.Errorf("%w: %s", errValidationFailed, strings.Join(rep.Failed(), ", "))
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&job.Reference, "ref", "", "Reference memory file")
	f.StringVar(&job.Candidate, "dut", "", "Device-under-test memory file")
	f.BoolVar(&asJSON, "json", false, "Print the report as JSON")
	f.StringVar(&arrowPath, "arrow", "", "Also write the report as an Arrow IPC file")
	_ = cmd.MarkFlagRequired("ref")
	_ = cmd.MarkFlagRequired("dut")
	return cmd
}

func (a *app) dumpCmd() *cobra.Command {
	var job pipeline.DumpJob
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print a memory file as decimal values, one row per line",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repr, conv, err := a.format()
			if err != nil {
				return err
			}
			job.Repr, job.Convention = repr, conv
			return a.runner().RunDump(cmd.Context(), job, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&job.In, "in", "", "Memory file")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}

func (a *app) extractCmd() *cobra.Command {
	var in, out string
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Collect the 64-bit hex words of a simulator log into a memory file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := a.runner().RunExtract(cmd.Context(), in, out)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d words\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "Simulator log")
	cmd.Flags().StringVar(&out, "out", "", "Memory file to write")
	_ = cmd.MarkFlagRequired("in")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func (a *app) exportCmd() *cobra.Command {
	var job pipeline.ExportJob
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Convert a memory file to an Arrow IPC file or publish it over Flight",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repr, conv, err := a.format()
			if err != nil {
				return err
			}
			job.Repr, job.Convention, job.Publish = repr, conv, a.publish
			if job.Out == "" && !job.Publish {
				return errors.New("nothing to do: set --out or --publish")
			}
			return a.runner().RunExport(cmd.Context(), job)
		},
	}
	cmd.Flags().StringVar(&job.In, "in", "", "Memory file")
	cmd.Flags().StringVar(&job.Out, "out", "", "Arrow IPC file to write")
	cmd.Flags().BoolVar(&a.publish, "publish", false, "Publish the record over Arrow Flight")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}
