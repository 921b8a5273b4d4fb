package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/agentloop/internal/tracing"
	"github.com/harun/agentloop/pkg/agent"
	"github.com/harun/agentloop/pkg/session"
)

type runFlags struct {
	appOptions
	sessionID   string
	timeout     time.Duration
	toolContext map[string]string
	resume      string
	stream      bool
	jsonOutput  bool
	showTrace   bool
}

var runOpts runFlags

var runCmd = &cobra.Command{
	Use:   "run [query]",
	Short: "Run one request to completion",
	Long: `Run a single request in a fresh session and print the final answer.
The model may call the built-in tools (add, echo, current_time, read_file)
before it answers.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runOpts.sessionID, "session", "cli", "session id")
	f.StringVar(&runOpts.model, "model", "", "model or alias override")
	f.StringVar(&runOpts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	f.BoolVar(&runOpts.noBuiltin, "no-builtin-tools", false, "do not register the built-in tools")
	f.DurationVar(&runOpts.timeout, "timeout", 5*time.Minute, "cancel the request after this long")
	f.StringToStringVar(&runOpts.toolContext, "tool-context", nil, "extra tool context (key=value)")
	f.StringVar(&runOpts.resume, "resume", "", "checkpoint token to resume from")
	f.BoolVar(&runOpts.stream, "stream", false, "stream text deltas and tool results")
	f.BoolVar(&runOpts.jsonOutput, "json", false, "print the final snapshot as JSON")
	f.BoolVar(&runOpts.showTrace, "trace", false, "print the request trace as JSON")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	a, err := newApp(runOpts.appOptions)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	sess, err := a.openSession(ctx, runOpts.sessionID, runOpts.toolContext)
	if err != nil {
		return err
	}

	stopStream := func() {}
	if runOpts.stream {
		stopStream = streamSignals(a, sess.ID(), cmd.OutOrStdout(), cmd.ErrOrStderr())
	}

	snap, requestID, err := runRequest(ctx, sess, session.StartCommand{
		Query:           strings.Join(args, " "),
		CheckpointToken: runOpts.resume,
	}, runOpts.timeout)
	stopStream()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if runOpts.jsonOutput {
		if err := writeJSON(out, snap); err != nil {
			return err
		}
	} else {
		if runOpts.stream {
			fmt.Fprintln(out)
		} else {
			fmt.Fprintln(out, snap.Result)
		}
		printUsage(cmd.ErrOrStderr(), snap)
	}

	if runOpts.showTrace {
		trace, err := sess.Trace(context.Background(), requestID)
		if err != nil {
			return err
		}
		if err := writeJSON(out, trace); err != nil {
			return err
		}
	}

	return requestError(snap)
}

// runRequest starts cmd and waits for it to finish. On interrupt or timeout
// the request is cancelled and the session's final state is still reported.
func runRequest(ctx context.Context, sess *session.Session, cmd session.StartCommand, timeout time.Duration) (session.Snapshot, string, error) {
	requestID, err := sess.Start(ctx, cmd)
	if err != nil {
		return session.Snapshot{}, "", err
	}

	snap, err := session.Await(ctx, sess, session.AwaitOptions{Timeout: timeout})
	if err == nil {
		return snap, requestID, nil
	}
	if !errors.Is(err, session.ErrAwaitTimeout) && !errors.Is(err, context.Canceled) {
		return snap, requestID, err
	}

	reason := "timeout"
	if ctx.Err() != nil {
		reason = "interrupted"
	}
	ctx = tracing.Detach(ctx)
	cancelErr := sess.Cancel(ctx, session.CancelCommand{RequestID: requestID, Reason: reason})
	if cancelErr != nil && !errors.Is(cancelErr, session.ErrNoActiveRequest) {
		return snap, requestID, fmt.Errorf("request %s: %w", reason, cancelErr)
	}

	snap, err = session.Await(ctx, sess, session.AwaitOptions{Timeout: 10 * time.Second})
	if err != nil {
		return snap, requestID, fmt.Errorf("request %s and did not stop: %w", reason, err)
	}
	return snap, requestID, nil
}

// streamSignals prints session signals until the returned stop function is called
func streamSignals(a *app, sessionID string, out, errOut io.Writer) func() {
	signals, cancel := a.manager.Subscribe(sessionID, 256)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for sig := range signals {
			switch sig.Name {
			case session.SignalLLMDelta:
				if sig.Data["chunk_type"] == agent.ChunkText {
					fmt.Fprint(out, sig.Data["delta"])
				}
			case session.SignalToolResult:
				fmt.Fprintf(errOut, "[tool %v: %v]\n", sig.Data["tool_name"], sig.Data["status"])
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func printUsage(w io.Writer, snap session.Snapshot) {
	u := snap.Details.Usage
	fmt.Fprintf(w, "iterations: %d  tokens: in=%d out=%d total=%d  elapsed: %s\n",
		snap.Details.Iteration, u.InputTokens, u.OutputTokens, u.TotalTokens,
		formatDuration(time.Duration(snap.Details.Timing.ElapsedMS)*time.Millisecond))
	if token := snap.Details.CheckpointToken; token != "" {
		fmt.Fprintf(w, "checkpoint: %s\n", token)
	}
}

func requestError(snap session.Snapshot) error {
	if snap.Status != session.StatusError {
		return nil
	}
	if snap.Details.Failure != nil {
		return fmt.Errorf("request %s: %s", snap.Details.Termination, snap.Details.Failure)
	}
	return fmt.Errorf("request %s", snap.Details.Termination)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Millisecond)
	if d < time.Second {
		return d.String()
	}
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
