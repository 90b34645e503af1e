package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bdobrica/hearth/common/environment"
	"github.com/bdobrica/hearth/common/observability"
	"github.com/bdobrica/hearth/common/version"
	"github.com/bdobrica/hearth/internal/hearth/app"
	"github.com/bdobrica/hearth/internal/hearth/assistant"
	"github.com/bdobrica/hearth/internal/hearth/intent"
)

func main() {
	if err := newRootCmd(os.Stdin, os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// flags carries the command-line overrides shared by serve and chat.
type flags struct {
	dbPath    string
	httpAddr  string
	fixture   string
	policy    string
	logLevel  string
	logFormat string
	session   string
}

func newRootCmd(stdin io.Reader, stdout io.Writer) *cobra.Command {
	var f flags
	root := &cobra.Command{
		Use:           "hearth",
		Short:         "hearth - natural-language smart-home assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.PersistentFlags().StringVar(&f.dbPath, "db", "", "SQLite database path (overrides HEARTH_DB_PATH)")
	root.PersistentFlags().StringVar(&f.fixture, "fixture", "", "YAML device fixture to use instead of the backend API (overrides HEARTH_FIXTURE)")
	root.PersistentFlags().StringVar(&f.policy, "policy", "", "YAML risk policy (overrides HEARTH_POLICY)")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error (overrides HEARTH_LOG_LEVEL)")
	root.PersistentFlags().StringVar(&f.logFormat, "log-format", "", "text or json (overrides HEARTH_LOG_FORMAT)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the Matrix front-end",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env := environment.New(app.EnvPrefix)
			observability.Setup(
				pick(f.logLevel, env.StringOr("LOG_LEVEL", "info")),
				pick(f.logFormat, env.StringOr("LOG_FORMAT", "text")),
			)
			cfg := configFrom(env, &f)
			if cmd.Flags().Changed("http-addr") {
				cfg.HTTPAddr = f.httpAddr
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	serve.Flags().StringVar(&f.httpAddr, "http-addr", "", "HTTP listen address; empty disables the server (overrides HEARTH_HTTP_ADDR)")

	chat := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the assistant from the terminal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env := environment.New(app.EnvPrefix)
			// Logs go to stderr so they do not interleave with replies.
			level := pick(f.logLevel, env.StringOr("LOG_LEVEL", "warn"))
			slog.SetDefault(slog.New(observability.NewHandler(os.Stderr, level, "text")))

			cfg := configFrom(env, &f)
			cfg.HTTPAddr = ""
			cfg.Matrix.Homeserver = ""
			a, err := app.New(cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			a.Warm(cmd.Context())
			return runChat(cmd.Context(), a, stdin, cmd.OutOrStdout(), f.session)
		},
	}
	chat.Flags().StringVar(&f.session, "session", "cli", "session id")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Info())
		},
	}

	root.AddCommand(serve, chat, versionCmd)
	return root
}

// configFrom loads the environment configuration and applies flag
// overrides on top.
func configFrom(env *environment.Source, f *flags) *app.Config {
	cfg := app.LoadConfig(env)
	if f.dbPath != "" {
		cfg.DatabasePath = f.dbPath
	}
	if f.fixture != "" {
		cfg.FixturePath = f.fixture
	}
	if f.policy != "" {
		cfg.PolicyPath = f.policy
	}
	return cfg
}

func pick(flag, fallback string) string {
	if flag != "" {
		return flag
	}
	return fallback
}

func runServe(parent context.Context, cfg *app.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("starting Hearth", "version", version.Short())
	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.Run(ctx)
}

// TurnHandler runs one turn. *app.App implements it.
type TurnHandler interface {
	HandleTurn(ctx context.Context, sessionID, utterance string, opts ...assistant.TurnOption) (*intent.TurnResponse, error)
}

// runChat reads utterances line by line from in and writes each reply to
// out until EOF or "exit".
func runChat(ctx context.Context, h TurnHandler, in io.Reader, out io.Writer, sessionID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	scanner := bufio.NewScanner(in)
	fmt.Fprintf(out, "hearth %s. Type \"exit\" to quit.\n", version.Short())
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
		case "exit", "quit":
			return nil
		}
		resp, err := h.HandleTurn(ctx, sessionID, line)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		fmt.Fprintln(out, resp.Text())
	}
}
