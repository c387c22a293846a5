package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/reqflow/internal/core"
	"github.com/hugo-lorenzo-mato/reqflow/internal/events"
	"github.com/hugo-lorenzo-mato/reqflow/internal/service/workflow"
	"github.com/hugo-lorenzo-mato/reqflow/internal/sink"
	"github.com/hugo-lorenzo-mato/reqflow/internal/trigger"
)

var runCmd = &cobra.Command{
	Use:   "run <workflow>",
	Short: "Run one workflow and wait for it to finish",
	Long: `Run a workflow once in the foreground. The trigger payload is built from
a JSON file, a document, and key=value pairs, applied in that order.

Examples:
  # Run on a notice file
  reqflow run exchange-notice --document notices/cme-2024-117.txt

  # Run with an explicit payload
  reqflow run exchange-notice --payload payload.json --set priority=high`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	runPayloadFile string
	runDocument    string
	runSets        []string
	runID          string
	runQuiet       bool
	runShowOutput  bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runPayloadFile, "payload", "",
		"JSON file with the trigger payload (- reads stdin)")
	runCmd.Flags().StringVar(&runDocument, "document", "",
		"document file exposed as document_name and document_text")
	runCmd.Flags().StringArrayVar(&runSets, "set", nil,
		"payload field as key=value (repeatable)")
	runCmd.Flags().StringVar(&runID, "run-id", "",
		"run id (default: generated)")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false,
		"suppress progress output")
	runCmd.Flags().BoolVar(&runShowOutput, "show-output", true,
		"print the outputs of the final tasks")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	payload, err := buildPayload(cmd.InOrStdin(), runPayloadFile, runDocument, runSets)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	rt, err := newRuntime(cfg, out)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := rt.Close(); closeErr != nil {
			rt.Logger.Warn("failed to close runtime", "error", closeErr)
		}
	}()

	wf, err := rt.Catalog.Workflow(core.WorkflowID(args[0]))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	id := core.RunID(runID)
	if id == "" {
		id = core.RunID(uuid.NewString())
	}
	return executeRun(ctx, rt, wf, id, payload, out, !runQuiet, runShowOutput)
}

// executeRun runs wf in the foreground, printing progress and a summary.
// A run that does not succeed is reported as an error.
func executeRun(ctx context.Context, rt *Runtime, wf *core.WorkflowDefinition, id core.RunID,
	payload map[string]interface{}, out io.Writer, progress, showOutput bool) error {
	st := newStyles(out)

	// Unsubscribing closes the channel; the printer drains what is buffered.
	stopProgress := func() {}
	if progress && rt.Bus != nil {
		ch := rt.Bus.SubscribeRun(string(id))
		done := make(chan struct{})
		go func() {
			defer close(done)
			for ev := range ch {
				printProgress(out, st, ev)
			}
		}()
		stopProgress = func() {
			rt.Bus.Unsubscribe(ch)
			<-done
		}
	}

	fmt.Fprintf(out, "%s %s\n", st.Title.Render("▶ "+string(wf.ID)), st.Muted.Render("run "+string(id)))
	run, err := rt.Engine.Run(ctx, wf, payload, workflow.WithRunID(id))
	stopProgress()
	if err != nil {
		return err
	}

	snap := run.Snapshot()
	printSummary(out, st, snap)

	if showOutput && snap.Status == core.RunStatusSucceeded {
		if err := printFinalOutputs(ctx, out, wf, snap); err != nil {
			return err
		}
	}

	if snap.Status != core.RunStatusSucceeded {
		if snap.Error != "" {
			return fmt.Errorf("run %s %s: %s", snap.ID, snap.Status, snap.Error)
		}
		return fmt.Errorf("run %s %s", snap.ID, snap.Status)
	}
	return nil
}

func printProgress(out io.Writer, st styles, ev events.Event) {
	switch e := ev.(type) {
	case events.TaskStartedEvent:
		attempt := ""
		if e.Attempt > 1 {
			attempt = fmt.Sprintf(" (attempt %d)", e.Attempt)
		}
		fmt.Fprintf(out, "  %s %s%s\n", st.Muted.Render("…"), e.TaskID, st.Muted.Render(" "+e.Agent+attempt))
	case events.TaskCompletedEvent:
		fmt.Fprintf(out, "  %s %s %s\n", st.OK.Render("✓"), e.TaskID,
			st.Muted.Render(fmt.Sprintf("%s, %d→%d tokens", e.Duration.Round(time.Millisecond), e.TokensIn, e.TokensOut)))
	case events.TaskRetryEvent:
		kind := "retry"
		if e.Corrective {
			kind = "corrective retry"
		}
		fmt.Fprintf(out, "  %s %s %s\n", st.Warn.Render("↻"), e.TaskID,
			st.Muted.Render(fmt.Sprintf("%s in %s: %s", kind, e.Delay.Round(time.Millisecond), e.ErrorKind)))
	case events.TaskFailedEvent:
		fmt.Fprintf(out, "  %s %s %s\n", st.Err.Render("✗"), e.TaskID, st.Err.Render(e.ErrorKind+": "+e.Error))
	case events.TaskSkippedEvent:
		fmt.Fprintf(out, "  %s %s %s\n", st.Warn.Render("○"), e.TaskID, st.Muted.Render(e.Reason))
	}
}

func printSummary(out io.Writer, st styles, snap *core.RunSnapshot) {
	fmt.Fprintln(out)
	fmt.Fprintf(out, "%s %s", st.Heading.Render("Run "+string(snap.ID)), st.runStatus(snap.Status))
	if !snap.EndedAt.IsZero() && !snap.StartedAt.IsZero() {
		fmt.Fprint(out, st.Muted.Render(" in "+snap.EndedAt.Sub(snap.StartedAt).Round(time.Millisecond).String()))
	}
	fmt.Fprintln(out)

	for _, id := range snap.TaskOrder {
		task := snap.Tasks[id]
		line := fmt.Sprintf("  %-24s %s", id, st.taskStatus(task.Status))
		if task.Attempts > 1 {
			line += st.Muted.Render(fmt.Sprintf(" after %d attempts", task.Attempts))
		}
		fmt.Fprintln(out, line)
	}
	if snap.FailedTask != "" {
		fmt.Fprintf(out, "  %s %s\n", st.Err.Render("failed at "+string(snap.FailedTask)+":"), snap.Error)
	}
	for _, d := range snap.Deliveries {
		if d.Error != "" {
			fmt.Fprintf(out, "  %s %s %s\n", st.Err.Render("delivery "+string(d.Task)+" →"), d.Destination, st.Err.Render(d.Error))
			continue
		}
		fmt.Fprintf(out, "  %s %s\n", st.Muted.Render("delivered "+string(d.Task)+" →"), d.Destination)
	}
	if n := snap.Notification; n != nil {
		status := st.OK.Render("sent")
		if n.Error != "" {
			status = st.Err.Render("failed: " + n.Error)
		}
		fmt.Fprintf(out, "  %s %s\n", st.Muted.Render("notified "+n.Channel+":"), status)
	}
}

// printFinalOutputs shows the outputs of tasks no other task consumes.
func printFinalOutputs(ctx context.Context, out io.Writer, wf *core.WorkflowDefinition, snap *core.RunSnapshot) error {
	consumed := make(map[core.TaskID]bool)
	for _, t := range wf.Tasks {
		for _, dep := range t.DependsOn {
			consumed[dep] = true
		}
	}
	printer := sink.NewStdoutSink(out)
	for _, id := range snap.TaskOrder {
		if consumed[id] {
			continue
		}
		output := snap.Tasks[id].Output
		if output.IsZero() {
			continue
		}
		fmt.Fprintln(out)
		dest := core.Destination{Kind: core.DestinationSink, Sink: core.SinkStdout, Target: string(id)}
		if err := printer.Deliver(ctx, output, dest); err != nil {
			return err
		}
	}
	return nil
}

// buildPayload merges the payload file, the document and key=value pairs.
func buildPayload(stdin io.Reader, payloadFile, document string, sets []string) (map[string]interface{}, error) {
	payload := map[string]interface{}{}

	if payloadFile != "" {
		var data []byte
		var err error
		if payloadFile == "-" {
			data, err = io.ReadAll(stdin)
		} else {
			data, err = os.ReadFile(payloadFile)
		}
		if err != nil {
			return nil, fmt.Errorf("reading payload: %w", err)
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("parsing payload %s: %w", payloadFile, err)
		}
	}

	if document != "" {
		ev, err := trigger.DocumentEvent(core.SourceManual, document, "create")
		if err != nil {
			return nil, fmt.Errorf("reading document: %w", err)
		}
		for k, v := range ev.RunPayload() {
			payload[k] = v
		}
	}

	for _, kv := range sets {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("invalid --set %q: expected key=value", kv)
		}
		payload[strings.TrimSpace(key)] = value
	}
	return payload, nil
}
