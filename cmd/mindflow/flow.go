package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/mindflow/mindflow/internal/adapters/repository/flowstore"
	"github.com/mindflow/mindflow/internal/app/bootstrap"
	"github.com/mindflow/mindflow/internal/app/dto"
	"github.com/mindflow/mindflow/internal/app/services"
	"github.com/mindflow/mindflow/internal/core/flow"
	"github.com/mindflow/mindflow/pkg/serialization"
)

func newFlowCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flow",
		Short: "Create, inspect and move flows",
	}
	cmd.AddCommand(
		newFlowNewCmd(opts),
		newFlowListCmd(opts),
		newFlowShowCmd(opts),
		newFlowExportCmd(opts),
		newFlowImportCmd(opts),
		newFlowValidateCmd(),
		newFlowDeleteCmd(opts),
	)
	return cmd
}

func newFlowNewCmd(opts *options) *cobra.Command {
	var req dto.CreateFlowRequest
	cmd := &cobra.Command{
		Use:   "new NAME",
		Short: "Create an empty flow, or a copy of a template flow",
		Args:  cobra.ExactArgs(1),
		Example: `  mindflow flow new "Image pipeline"
  mindflow flow new "Copy" --template 3f0c...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Name = args[0]
			return opts.withApp(cmd, func(app *bootstrap.App) error {
				f, err := app.Service.CreateFlow(cmd.Context(), req)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created flow %s (version %d)\n", f.ID, f.Version)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.Description, "description", "", "flow description")
	cmd.Flags().StringVar(&req.TemplateID, "template", "", "id of a flow to copy")
	return cmd
}

func newFlowListCmd(opts *options) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored flows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withApp(cmd, func(app *bootstrap.App) error {
				flows, err := app.Service.ListFlows(cmd.Context())
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), flows)
				}
				renderSummaries(cmd.OutOrStdout(), flows)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func newFlowShowCmd(opts *options) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show ID",
		Short: "Show a flow's nodes and connections",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd, func(app *bootstrap.App) error {
				f, err := app.Service.GetFlow(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), dto.FromFlow(f))
				}
				renderFlow(cmd.OutOrStdout(), f)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of tables")
	return cmd
}

func newFlowExportCmd(opts *options) *cobra.Command {
	var format, out string
	cmd := &cobra.Command{
		Use:   "export ID",
		Short: "Write a flow document to stdout or a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format == "" {
				format = formatForPath(out)
			}
			return opts.withApp(cmd, func(app *bootstrap.App) error {
				data, err := app.Service.ExportFlow(cmd.Context(), args[0], format)
				if err != nil {
					return err
				}
				if out == "" || out == "-" {
					_, err = cmd.OutOrStdout().Write(data)
					return err
				}
				if err := os.WriteFile(out, data, 0o644); err != nil {
					return errors.Wrapf(err, "write %s", out)
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "exported %s to %s\n", args[0], out)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "", "json or yaml (default: from --out extension, else json)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default: stdout)")
	return cmd
}

func newFlowImportCmd(opts *options) *cobra.Command {
	var format string
	var keepID bool
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Store a flow document; FILE may be - for stdin",
		Long: `Store a flow document. The flow gets a new id and starts at version 1
unless --keep-id is given, in which case an existing flow with the same id
is only overwritten when the document's version matches the stored one.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			if format == "" {
				format = formatForPath(args[0])
			}
			return opts.withApp(cmd, func(app *bootstrap.App) error {
				f, err := app.Service.ImportFlow(cmd.Context(), data, services.ImportOptions{Format: format, KeepID: keepID})
				if err != nil {
					return describe(err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "imported flow %s (version %d, %d nodes, %d connections)\n",
					f.ID, f.Version, len(f.Nodes), len(f.Connections))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "", "json or yaml (default: from the file extension, else json)")
	cmd.Flags().BoolVar(&keepID, "keep-id", false, "keep the document's flow id")
	return cmd
}

func newFlowValidateCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "validate FILE",
		Short: "Check a flow document without storing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			if format == "" {
				format = formatForPath(args[0])
			}
			f, err := services.ValidateDocument(data, format)
			if err != nil {
				var derr *serialization.DeserializationError
				if errors.As(err, &derr) && len(derr.Violations) > 0 {
					renderViolations(cmd.OutOrStdout(), derr.Violations)
				}
				return describe(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: flow %s version %d, %d nodes, %d connections\n",
				f.ID, f.Version, len(f.Nodes), len(f.Connections))
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "", "json or yaml (default: from the file extension, else json)")
	return cmd
}

func newFlowDeleteCmd(opts *options) *cobra.Command {
	var version int64
	cmd := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a flow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var expected *int64
			if cmd.Flags().Changed("version") {
				expected = &version
			}
			return opts.withApp(cmd, func(app *bootstrap.App) error {
				if err := app.Service.DeleteFlow(cmd.Context(), args[0], expected); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted flow %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&version, "version", 0, "only delete if the stored flow is at this version")
	return cmd
}

func readInput(cmd *cobra.Command, name string) ([]byte, error) {
	if name == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		return data, errors.Wrap(err, "read stdin")
	}
	data, err := os.ReadFile(name)
	return data, errors.Wrapf(err, "read %s", name)
}

func formatForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	}
	return "json"
}

// describe adds the offending connection ids to an integrity failure
func describe(err error) error {
	var derr *serialization.DeserializationError
	if errors.As(err, &derr) {
		if ids := derr.ConnectionIDs(); len(ids) > 0 {
			return errors.Wrapf(err, "rejected connections %s", strings.Join(ids, ", "))
		}
	}
	return err
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	return t
}

func renderSummaries(w io.Writer, flows []flowstore.Summary) {
	if len(flows) == 0 {
		fmt.Fprintln(w, "(no flows)")
		return
	}
	t := newTable(w)
	t.AppendHeader(table.Row{"ID", "Name", "Version", "Nodes", "Connections", "Read-only", "Updated"})
	for _, s := range flows {
		t.AppendRow(table.Row{s.ID, s.Name, s.Version, s.NodeCount, s.ConnectionCount, s.IsReadOnly, formatTime(s.UpdatedAt)})
	}
	t.Render()
}

func renderFlow(w io.Writer, f *flow.Flow) {
	fmt.Fprintf(w, "%s  %s  (version %d", f.ID, f.Name, f.Version)
	if f.IsReadOnly {
		fmt.Fprint(w, ", read-only")
	}
	fmt.Fprintln(w, ")")
	if f.Description != "" {
		fmt.Fprintln(w, f.Description)
	}

	nodes := newTable(w)
	nodes.SetTitle("Nodes")
	nodes.AppendHeader(table.Row{"ID", "Type", "Title", "Inputs", "Outputs"})
	for _, n := range f.SortedNodes() {
		inputs := make([]string, 0, len(n.Inputs))
		for _, in := range n.Inputs {
			name := in.Name
			if in.Required {
				name += "*"
			}
			inputs = append(inputs, name)
		}
		outputs := make([]string, 0, len(n.Outputs))
		for _, out := range n.Outputs {
			outputs = append(outputs, out.Name)
		}
		nodes.AppendRow(table.Row{n.ID, n.Type, n.Title, strings.Join(inputs, ", "), strings.Join(outputs, ", ")})
	}
	nodes.Render()

	conns := newTable(w)
	conns.SetTitle("Connections")
	conns.AppendHeader(table.Row{"ID", "From", "To"})
	for _, c := range f.SortedConnections() {
		conns.AppendRow(table.Row{c.ID, c.SourceNodeID + "." + c.SourceOutput, c.TargetNodeID + "." + c.TargetInput})
	}
	conns.Render()
}

func renderViolations(w io.Writer, violations []flow.Violation) {
	t := newTable(w)
	t.AppendHeader(table.Row{"Subject", "ID", "Reason", "Detail"})
	for _, v := range violations {
		t.AppendRow(table.Row{v.Subject, v.ID, v.Reason, v.Detail})
	}
	t.Render()
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return "-"
	}
	return ts.Local().Format("2006-01-02 15:04:05")
}
