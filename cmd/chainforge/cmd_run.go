package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kingrea/chainforge/internal/chain"
	"github.com/kingrea/chainforge/internal/escalation"
	"github.com/kingrea/chainforge/internal/eventbridge"
	"github.com/kingrea/chainforge/internal/taskgraph"
)

// chainDriver is the part of the orchestrator the run loop talks to.
type chainDriver interface {
	ProvideFeedback(chainID, taskID string, fb escalation.Feedback) error
	Cancel(ctx context.Context, chainID string) error
	Wait(ctx context.Context, chainID string) (chain.Snapshot, error)
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		noInput bool
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "run <graph.yaml>",
		Short: "Execute a task graph with the configured capability",
		Long: `Submit and start a chain, print its progress, and answer reviewer
clarification requests from stdin.

When a task is escalated, type one line:
  <text>           clarify the task and retry with the text appended
  retry            retry with the original prompt
  skip [reason]    mark the task done without an artifact
  manual <file>    use the file's contents as the task's artifact

Ctrl-C cancels the chain; in-flight calls finish first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			graph, err := taskgraph.LoadFile(args[0])
			if err != nil {
				return err
			}
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			defer logger.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng, err := openEngine(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer eng.Close()

			id, err := eng.orch.Submit(ctx, graph)
			if err != nil {
				return err
			}
			sub, err := eng.orch.Subscribe(id)
			if err != nil {
				return err
			}
			defer sub.Close()
			logger.Printf("run: chain %s submitted from %s", id, args[0])
			if err := eng.orch.Start(ctx, id); err != nil {
				return errors.New(describe(err))
			}

			var answers <-chan string
			if !noInput {
				answers = readLines(cmd.InOrStdin())
			}
			out := cmd.OutOrStdout()
			snap, err := follow(ctx, out, eng.orch, id, sub.Events, answers)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(snap); err != nil {
					return err
				}
			} else {
				printSummary(out, snap)
			}
			if snap.Status != chain.StatusCompleted {
				return fmt.Errorf("chain %s %s: %s", snap.ID, snap.Status, snap.Reason)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noInput, "no-input", false, "do not read reviewer answers from stdin")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the final snapshot as JSON")
	return cmd
}

// follow prints events for chainID until the chain is terminal. Clarification
// requests queue up and are answered in order by lines from answers. A done
// ctx cancels the chain once; follow keeps waiting for the terminal state.
func follow(ctx context.Context, w io.Writer, driver chainDriver, chainID string, events <-chan eventbridge.Event, answers <-chan string) (chain.Snapshot, error) {
	type waited struct {
		snap chain.Snapshot
		err  error
	}
	done := make(chan waited, 1)
	go func() {
		snap, err := driver.Wait(context.Background(), chainID)
		done <- waited{snap: snap, err: err}
	}()

	var pending []escalation.Request
	lastProgress := -1
	interrupted := ctx.Done()
	for {
		select {
		case res := <-done:
			drainEvents(w, events, &lastProgress)
			return res.snap, res.err
		case <-interrupted:
			interrupted = nil
			fmt.Fprintln(w, warnStyle.Render("cancelling chain, waiting for in-flight tasks"))
			if err := driver.Cancel(context.Background(), chainID); err != nil {
				fmt.Fprintln(w, dimStyle.Render("cancel: "+err.Error()))
			}
		case evt, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			switch evt.Type {
			case eventbridge.TypeClarificationRequested:
				var req escalation.Request
				if err := evt.Decode(&req); err != nil {
					continue
				}
				pending = append(pending, req)
				printClarification(w, req)
			case eventbridge.TypeFeedbackReceived:
				pending = dropPending(pending, evt.TaskID)
				printEvent(w, evt, &lastProgress)
			default:
				printEvent(w, evt, &lastProgress)
			}
		case line, ok := <-answers:
			if !ok {
				answers = nil
				continue
			}
			if len(pending) == 0 {
				if strings.TrimSpace(line) != "" {
					fmt.Fprintln(w, dimStyle.Render("no task is waiting for input"))
				}
				continue
			}
			fb, err := parseFeedback(line)
			if err != nil {
				fmt.Fprintln(w, errorStyle.Render(err.Error()))
				continue
			}
			target := pending[0]
			if err := driver.ProvideFeedback(chainID, target.TaskID, fb); err != nil {
				fmt.Fprintln(w, errorStyle.Render(err.Error()))
				if errors.Is(err, escalation.ErrNotPaused) {
					pending = pending[1:]
				}
				continue
			}
			pending = dropPending(pending, target.TaskID)
		}
	}
}

func drainEvents(w io.Writer, events <-chan eventbridge.Event, lastProgress *int) {
	for {
		select {
		case evt, ok := <-events:
			if !ok {
				return
			}
			if evt.Type != eventbridge.TypeClarificationRequested {
				printEvent(w, evt, lastProgress)
			}
		default:
			return
		}
	}
}

func dropPending(pending []escalation.Request, taskID string) []escalation.Request {
	kept := pending[:0]
	for _, req := range pending {
		if req.TaskID != taskID {
			kept = append(kept, req)
		}
	}
	return kept
}

// parseFeedback turns one reviewer line into feedback.
func parseFeedback(line string) (escalation.Feedback, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return escalation.Feedback{}, errors.New("empty answer")
	}
	word, rest, _ := strings.Cut(trimmed, " ")
	rest = strings.TrimSpace(rest)
	switch strings.ToLower(word) {
	case "retry":
		return escalation.Feedback{Kind: escalation.FeedbackRetry}, nil
	case "skip", "skip:":
		return escalation.Feedback{Kind: escalation.FeedbackSkip, Text: rest}, nil
	case "manual", "manual:":
		if rest == "" {
			return escalation.Feedback{}, errors.New("manual needs a file path")
		}
		data, err := os.ReadFile(rest)
		if err != nil {
			return escalation.Feedback{}, fmt.Errorf("manual: %w", err)
		}
		return escalation.Feedback{Kind: escalation.FeedbackManual, Artifact: string(data)}, nil
	}
	return escalation.Feedback{Kind: escalation.FeedbackClarification, Text: trimmed}, nil
}

func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

type attemptPayload struct {
	Attempt  int  `json:"attempt"`
	Passed   bool `json:"passed"`
	Findings []struct {
		Message string `json:"message"`
	} `json:"findings"`
}

func printEvent(w io.Writer, evt eventbridge.Event, lastProgress *int) {
	switch evt.Type {
	case eventbridge.TypeTaskStarted:
		fmt.Fprintf(w, "%s %s\n", dimStyle.Render("started  "), evt.TaskID)
	case eventbridge.TypeTaskAttempt:
		var a attemptPayload
		if evt.Decode(&a) != nil || a.Passed {
			return
		}
		fmt.Fprintf(w, "%s %s attempt %d: %d finding(s)\n", warnStyle.Render("rejected "), evt.TaskID, a.Attempt, len(a.Findings))
	case eventbridge.TypeTaskCompleted:
		var res chain.Result
		_ = evt.Decode(&res)
		line := fmt.Sprintf("%s %s", okStyle.Render("completed"), evt.TaskID)
		if res.Metadata.Warning != "" {
			line += warnStyle.Render(" (" + res.Metadata.Warning + ")")
		}
		fmt.Fprintln(w, line)
	case eventbridge.TypeTaskFailed:
		var failure chain.Failure
		_ = evt.Decode(&failure)
		fmt.Fprintf(w, "%s %s: %s\n", errorStyle.Render("failed   "), evt.TaskID, failure.Message)
	case eventbridge.TypeFeedbackReceived:
		var fb escalation.Feedback
		_ = evt.Decode(&fb)
		fmt.Fprintf(w, "%s %s: %s\n", dimStyle.Render("feedback "), evt.TaskID, fb.Kind)
	case eventbridge.TypeChainProgress:
		var snap chain.Snapshot
		if evt.Decode(&snap) != nil || snap.Progress == *lastProgress {
			return
		}
		*lastProgress = snap.Progress
		fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("progress %d%%", snap.Progress)))
	}
}

func printClarification(w io.Writer, req escalation.Request) {
	body := fmt.Sprintf("Task %s needs review after %d attempt(s)\n\n%s\n\n%s",
		req.TaskID, req.Attempts, req.Question,
		dimStyle.Render("answer: <text> | retry | skip [reason] | manual <file>"))
	fmt.Fprintln(w, boxStyle.Render(body))
}

func printSummary(w io.Writer, snap chain.Snapshot) {
	status := okStyle.Render(string(snap.Status))
	if snap.Status != chain.StatusCompleted {
		status = errorStyle.Render(string(snap.Status))
	}
	fmt.Fprintf(w, "chain %s %s (%d%%)\n", snap.ID, status, snap.Progress)
	if snap.Reason != "" {
		fmt.Fprintln(w, "  reason: "+snap.Reason)
	}
	if len(snap.Blocked) > 0 {
		fmt.Fprintln(w, "  blocked: "+strings.Join(snap.Blocked, ", "))
	}
}
