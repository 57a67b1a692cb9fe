package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

// configError marks failures that should exit with exitInvalidConfig.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func main() {
	// A missing .env is fine; the process environment still applies.
	_ = godotenv.Load()
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	root := rootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return exitSuccess
	}

	var cerr *configError
	if errors.As(err, &cerr) {
		fmt.Fprintf(stderr, "configuration error: %v\n", cerr.err)
		return exitInvalidConfig
	}
	fmt.Fprintf(stderr, "error: %v\n", err)
	return exitRuntimeError
}

func rootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "reconflow",
		Short: "reconflow - multi-tenant document ingestion and reconciliation pipeline",
		Long: `reconflow runs the job pipeline: OCR ingestion, ledger reconciliation,
scheduled reports and notifications.

Configuration is read from the environment (and .env), optionally layered
over a YAML file named by CONFIG_FILE. Run "reconflow config" to see the
effective values.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.AddCommand(
		serveCmd(),
		tickCmd(),
		deadLettersCmd(),
		validateCmd(),
		configCmd(),
		versionCmd(),
	)
	return root
}
