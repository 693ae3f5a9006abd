package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Exit codes to provide meaningful status to the operating system or service manager (e.g., systemd).
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

// configError marks failures that happen before anything was started.
type configError struct{ err error }

func (e configError) Error() string { return e.err.Error() }
func (e configError) Unwrap() error { return e.err }

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "sendme terminated with error: %v\n", err)
	}
	os.Exit(code)
}

// run keeps every deferred cleanup of the commands ahead of os.Exit.
func run() (int, error) {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:           "sendme",
		Short:         "Resumable peer-to-peer content transfers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("log-level", "", "log level, overrides LOG_LEVEL")
	root.AddCommand(serveCmd(), loopbackCmd(), sessionsCmd())

	if err := root.ExecuteContext(ctx); err != nil {
		var cfgErr configError
		if errors.As(err, &cfgErr) {
			return exitConfig, err
		}
		return exitRuntime, err
	}
	return exitOK, nil
}

func logLevel(cmd *cobra.Command, fallback string) string {
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		return level
	}
	if fallback != "" {
		return fallback
	}
	return "INFO"
}
