package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/reqflow/internal/config"
	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
	"github.com/hugo-lorenzo-mato/reqflow/internal/service/workflow"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check agent and workflow definitions",
	Long: `Load the agent and workflow definitions, check every workflow graph,
and print each workflow's execution levels. Tasks on the same level run
in parallel.`,
	Args: cobra.NoArgs,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	catalog, err := config.LoadDefinitions(cfg.Definitions.Path, channelNames(cfg))
	if err != nil {
		return err
	}
	return printPlans(cmd.OutOrStdout(), catalog)
}

// printPlans checks every workflow and prints its levels. It reports all
// invalid workflows before failing.
func printPlans(out io.Writer, catalog *core.Catalog) error {
	st := newStyles(out)
	workflows := catalog.ListWorkflows()
	if len(workflows) == 0 {
		fmt.Fprintln(out, st.Warn.Render("no workflows defined"))
		return nil
	}

	invalid := 0
	for _, wf := range workflows {
		fmt.Fprintln(out, st.Title.Render(string(wf.ID))+" "+st.Muted.Render("("+wf.Trigger.Source+" trigger)"))
		if wf.Description != "" {
			fmt.Fprintln(out, "  "+st.Muted.Render(wf.Description))
		}

		graph, err := workflow.CheckDefinition(catalog, wf)
		if err != nil {
			invalid++
			fmt.Fprintln(out, "  "+st.Err.Render("✗ "+err.Error()))
			fmt.Fprintln(out)
			continue
		}
		for i, level := range graph.Levels() {
			names := make([]string, 0, len(level))
			for _, id := range level {
				task, _ := graph.Task(id)
				names = append(names, fmt.Sprintf("%s %s", id, st.Muted.Render("["+string(task.Agent)+"]")))
			}
			fmt.Fprintf(out, "  %s %s\n", st.Level.Render(fmt.Sprintf("level %d", i+1)), strings.Join(names, ", "))
		}
		if wf.Notification.Enabled() {
			fmt.Fprintf(out, "  %s %s\n", st.Level.Render("notify"), wf.Notification.Channel)
		}
		fmt.Fprintln(out, "  "+st.OK.Render("✓ valid"))
		fmt.Fprintln(out)
	}

	if invalid > 0 {
		return fmt.Errorf("%d of %d workflows are invalid", invalid, len(workflows))
	}
	return nil
}
