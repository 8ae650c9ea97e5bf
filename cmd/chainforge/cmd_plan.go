package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kingrea/chainforge/internal/orchestrator"
	"github.com/kingrea/chainforge/internal/resolver"
	"github.com/kingrea/chainforge/internal/taskgraph"
)

func newPlanCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "plan <graph.yaml>",
		Short: "Print the execution batches and critical path of a task graph",
		Long: `Resolve a task graph without running it.

Prints the parallel batches in execution order, the critical path and the
widest batch. Cycles are reported with the offending path.

Examples:
  chainforge plan graph.yaml
  chainforge plan graph.json --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			graph, err := taskgraph.LoadFile(args[0])
			if err != nil {
				return err
			}
			plan, err := orchestrator.Plan(graph)
			if err != nil {
				return errors.New(describe(err))
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(plan)
			}
			printPlan(cmd.OutOrStdout(), graph, plan)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit the plan as JSON")
	return cmd
}

func printPlan(w io.Writer, graph taskgraph.Graph, plan resolver.Plan) {
	name := graph.Name
	if name == "" {
		name = graph.ID
	}
	fmt.Fprintln(w, titleStyle.Render("Plan for "+name))
	for i, batch := range plan.Batches {
		labels := make([]string, 0, len(batch))
		for _, id := range batch {
			label := id
			if task, ok := graph.Task(id); ok && task.Kind != "" {
				label += dimStyle.Render(" (" + task.Kind + ")")
			}
			labels = append(labels, label)
		}
		fmt.Fprintf(w, "  batch %d: %s\n", i+1, strings.Join(labels, ", "))
	}
	fmt.Fprintf(w, "  critical path: %s\n", strings.Join(plan.CriticalPath, " -> "))
	fmt.Fprintf(w, "  max parallelism: %d\n", plan.MaxParallelism)
}
