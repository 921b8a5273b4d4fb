package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/agentloop/pkg/session"
)

type chatFlags struct {
	appOptions
	sessionID   string
	timeout     time.Duration
	toolContext map[string]string
}

var chatOpts chatFlags

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Run requests interactively in one session",
	Long: `Read one query per line and run each as a request in the same session.
Commands: /usage prints the session's token totals, /checkpoint prints the
last checkpoint token, /quit exits.`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	f := chatCmd.Flags()
	f.StringVar(&chatOpts.sessionID, "session", "chat", "session id")
	f.StringVar(&chatOpts.model, "model", "", "model or alias override")
	f.StringVar(&chatOpts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	f.BoolVar(&chatOpts.noBuiltin, "no-builtin-tools", false, "do not register the built-in tools")
	f.DurationVar(&chatOpts.timeout, "timeout", 5*time.Minute, "cancel a request after this long")
	f.StringToStringVar(&chatOpts.toolContext, "tool-context", nil, "extra tool context (key=value)")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	a, err := newApp(chatOpts.appOptions)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	sess, err := a.openSession(ctx, chatOpts.sessionID, chatOpts.toolContext)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	scanner := bufio.NewScanner(cmd.InOrStdin())
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())

		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/usage", "/checkpoint":
			snap, err := sess.Snapshot(ctx)
			if err != nil {
				return err
			}
			if line == "/usage" {
				u := snap.Details.TotalUsage
				fmt.Fprintf(out, "tokens: in=%d out=%d total=%d\n", u.InputTokens, u.OutputTokens, u.TotalTokens)
			} else {
				fmt.Fprintln(out, snap.Details.CheckpointToken)
			}
			continue
		}

		if sess.Closed() {
			// reaped while the user was idle
			if sess, err = a.openSession(ctx, chatOpts.sessionID, chatOpts.toolContext); err != nil {
				return err
			}
		}

		snap, _, err := runRequest(ctx, sess, session.StartCommand{Query: line}, chatOpts.timeout)
		if err != nil {
			return err
		}
		if err := requestError(snap); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
		} else {
			fmt.Fprintln(out, snap.Result)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
