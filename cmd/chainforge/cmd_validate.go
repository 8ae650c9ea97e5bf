package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kingrea/chainforge/internal/validation"
)

var errValidationFailed = errors.New("validation failed")

func newValidateCmd() *cobra.Command {
	var (
		kind   string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "validate --kind <kind> <file>",
		Short: "Run the validator registry against an artifact",
		Long: `Validate a generated artifact the same way a chain would.

Use "-" to read the artifact from stdin. Exits non-zero when the artifact
fails validation.

Examples:
  chainforge validate --kind component Button.tsx
  cat schema.sql | chainforge validate --kind schema -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			artifact, err := readArtifact(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			registry := validation.DefaultRegistry()
			report := registry.Validate(context.Background(), artifact, kind)
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				printReport(cmd.OutOrStdout(), report)
			}
			if !report.Passed {
				return errValidationFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", "", "artifact kind (component, schema, api, go, ...)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit the report as JSON")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func readArtifact(stdin io.Reader, path string) (string, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read artifact: %w", err)
	}
	return string(data), nil
}

func printReport(w io.Writer, report validation.Report) {
	if report.Passed {
		fmt.Fprintln(w, okStyle.Render("passed")+dimStyle.Render(" ("+report.Kind+")"))
	} else {
		fmt.Fprintln(w, errorStyle.Render("failed")+dimStyle.Render(" ("+report.Kind+")"))
	}
	order, grouped := report.Grouped()
	for _, category := range order {
		fmt.Fprintln(w, titleStyle.Render("  "+string(category)))
		for _, f := range grouped[category] {
			loc := ""
			if f.Line > 0 {
				loc = fmt.Sprintf("line %d: ", f.Line)
			}
			fmt.Fprintf(w, "    [%s] %s%s\n", f.Severity, loc, f.Message)
		}
	}
	if len(report.Warnings) > 0 {
		fmt.Fprintln(w, warnStyle.Render("  warnings: "+strings.Join(report.Warnings, "; ")))
	}
}
