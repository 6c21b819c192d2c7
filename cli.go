package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "0.1.0"

// shutdownTimeout bounds graceful shutdown of the HTTP server and workers.
const shutdownTimeout = 30 * time.Second

// NewRootCommand builds the llm-council command tree. Running the root
// command without a subcommand starts the HTTP API.
func NewRootCommand() *cobra.Command {
	var port string

	rootCmd := &cobra.Command{
		Use:   "llm-council",
		Short: "Multi-model council orchestrator",
		Long: `llm-council sends each question to a council of language models,
has them rank each other's anonymized answers, and asks a chairman model
to synthesize the final response.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), port)
		},
	}
	rootCmd.PersistentFlags().StringVar(&port, "port", "", "HTTP port (overrides PORT)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), port)
		},
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newAskCommand())
	rootCmd.AddCommand(newJobCommand())

	rootCmd.SetErr(os.Stderr)
	return rootCmd
}

// newAskCommand runs one council round on a fresh conversation.
func newAskCommand() *cobra.Command {
	var project string
	var showStages bool

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask the council a single question",
		Example: `  llm-council ask "What is the CAP theorem?"
  llm-council ask --project research --stages "Compare Raft and Paxos"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.TrimSpace(strings.Join(args, " "))
			if question == "" {
				return fmt.Errorf("question is required")
			}

			app, cleanup, err := bootstrap()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx := cmd.Context()
			app.Start(ctx)
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				app.Close(stopCtx)
			}()

			if !app.Store.ProjectExists(project) {
				return fmt.Errorf("project %q: %w", project, ErrProjectNotFound)
			}
			conversation, err := app.Store.CreateConversation(project, uuid.New().String())
			if err != nil {
				return err
			}

			var progress Observer
			if showStages {
				progress = progressPrinter(cmd.ErrOrStderr())
			}

			response, err := app.Service.ProcessMessage(ctx, project, conversation.ID, SendMessageRequest{Content: question}, progress)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, response.Stage3.Response)
			fmt.Fprintln(out)
			fmt.Fprintf(out, "Conversation: %s\n", conversation.ID)
			fmt.Fprintln(out, mustJSON(response.Usage))
			return nil
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", DefaultProjectID, "project id")
	cmd.Flags().BoolVar(&showStages, "stages", false, "print stage progress to stderr")
	return cmd
}

// newJobCommand prints a background job record.
func newJobCommand() *cobra.Command {
	var project string

	cmd := &cobra.Command{
		Use:   "job <job_id>",
		Short: "Show a background job record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig()
			if err != nil {
				return err
			}
			store, err := OpenJobStore(cfg)
			if err != nil {
				return err
			}
			tracker := NewJobTracker(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
			defer tracker.Close()

			job, err := tracker.Get(cmd.Context(), project, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), mustJSON(job))
			return nil
		},
	}

	cmd.Flags().StringVarP(&project, "project", "p", DefaultProjectID, "project id")
	return cmd
}

// progressPrinter writes one line per pipeline event.
func progressPrinter(w io.Writer) Observer {
	return ObserverFunc(func(ctx context.Context, ev Event) error {
		switch ev.Type {
		case EventError:
			_, err := fmt.Fprintf(w, "[%s] %s\n", ev.Type, ev.Message)
			return err
		case EventTitleComplete:
			_, err := fmt.Fprintf(w, "[%s] %v\n", ev.Type, ev.Data)
			return err
		default:
			_, err := fmt.Fprintf(w, "[%s]\n", ev.Type)
			return err
		}
	})
}

// bootstrap loads configuration, sets up logging and wires the app.
func bootstrap() (*App, func(), error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, nil, err
	}

	logger, closeLog := SetupLogger(cfg.LogFile, cfg.LogLevel)
	slog.SetDefault(logger)

	app, err := NewApp(cfg, logger)
	if err != nil {
		_ = closeLog()
		return nil, nil, err
	}
	return app, func() { _ = closeLog() }, nil
}

// runServe starts the HTTP API and blocks until SIGINT or SIGTERM.
func runServe(ctx context.Context, port string) error {
	app, cleanup, err := bootstrap()
	if err != nil {
		return err
	}
	defer cleanup()
	if port != "" {
		app.Config.Port = port
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	app.Start(ctx)

	srv := &http.Server{
		Addr:              ":" + app.Config.Port,
		Handler:           NewRouter(app),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		app.Logger.Info("starting LLM Council API", "port", app.Config.Port, "data_dir", app.Config.DataDir, "job_store", app.Config.JobStore)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	app.Logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		app.Logger.Warn("http shutdown failed", "error", err)
	}
	app.Close(shutdownCtx)
	return nil
}

// mustJSON renders v as indented JSON for terminal output.
func mustJSON(v any) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(data)
}
