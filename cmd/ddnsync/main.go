// Command ddnsync keeps Cloudflare address records equal to the public IP of this host.
//
// Usage:
//
//	ddnsync [daemon]            run until SIGINT or SIGTERM, reloading config.json as it changes
//	ddnsync once [--force]      run a single reconciliation cycle
//	ddnsync verify              compare every record with the current IP without changing anything
//	ddnsync init                write config.sample.json next to the configuration file
//	ddnsync records DOMAIN      list the records of a zone
//
// Pass --interface eth0 to read the address from a network interface instead of web services.
//
// Exit status is 0 on success, 1 when a cycle or verification failed, and 2 for usage or configuration errors.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/Travis-Britz/ddnsync"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	exitFailure = 1
	exitUsage   = 2
)

func main() {
	err := newRootCommand().ExecuteContext(context.Background())
	os.Exit(exitCode(err, os.Stderr))
}

// exitCode reports err on w and returns the status the process should exit with.
func exitCode(err error, w io.Writer) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(w, "ddnsync: %s\n", err)
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitFailure
}

// exitError carries the process exit status for err.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func usageError(err error) error   { return &exitError{code: exitUsage, err: err} }
func failureError(err error) error { return &exitError{code: exitFailure, err: err} }

type globalFlags struct {
	configPath  string
	logLevel    string
	logFile     string
	metricsAddr string
	interfaces  []string

	log      *logrus.Entry
	closeLog func() error
	options  []ddnsync.Option // appended when building a Reconciler
}

func newRootCommand(options ...ddnsync.Option) *cobra.Command {
	g := &globalFlags{options: options}

	root := &cobra.Command{
		Use:           "ddnsync",
		Short:         "Keep DNS records in sync with this host's public IP",
		Args:          usageArgs(cobra.NoArgs),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			log, closer, err := newLogger(g.logLevel, g.logFile, cmd.ErrOrStderr())
			if err != nil {
				return usageError(err)
			}
			g.log, g.closeLog = log, closer
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if g.closeLog != nil {
				return g.closeLog()
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, g)
		},
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return usageError(err)
	})

	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "config.json", "path to the configuration file")
	pf.StringVar(&g.logLevel, "log-level", "info", "log verbosity: debug, info, warning or error")
	pf.StringVar(&g.logFile, "log-file", "", "also write logs to this file, rotated at 10MB")
	pf.StringVar(&g.metricsAddr, "metrics-addr", "", "serve /metrics and /health on this address while running as a daemon")
	pf.StringSliceVar(&g.interfaces, "interface", nil, "read the public IP from these network interfaces instead of asking web services")

	root.AddCommand(
		newInitCommand(g),
		newDaemonCommand(g),
		newOnceCommand(g),
		newVerifyCommand(g),
		newRecordsCommand(g),
	)
	return root
}

// usageArgs marks argument validation failures as usage errors.
func usageArgs(fn cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := fn(cmd, args); err != nil {
			return usageError(err)
		}
		return nil
	}
}
