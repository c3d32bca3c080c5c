package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/Travis-Britz/ddnsync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// startupTestTimeout bounds the credential check made before the daemon starts.
const startupTestTimeout = 30 * time.Second

func newInitCommand(g *globalFlags) *cobra.Command {
	var interactive bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a sample configuration file next to --config and exit",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			var key string
			if interactive {
				if !term.IsTerminal(int(syscall.Stdin)) {
					return usageError(errors.New("--interactive needs a terminal on stdin"))
				}
				var err error
				key, err = promptToken(cmd.Context(), g.log, int(syscall.Stdin), cmd.OutOrStdout(), term.ReadPassword)
				if err != nil {
					return failureError(fmt.Errorf("setup: %w", err))
				}
			}
			path, err := ddnsync.WriteSampleConfig(filepath.Dir(g.configPath), key)
			if err != nil {
				return failureError(err)
			}
			g.log.Infof("sample configuration written to %q", path)
			fmt.Fprintf(cmd.OutOrStdout(), "Sample configuration written to %s\n", path)
			fmt.Fprintf(cmd.OutOrStdout(), "Edit it and save it as %s, then run: ddnsync daemon\n", g.configPath)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "prompt for the API token, verify it and put it in the sample")
	return cmd
}

func newDaemonCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Keep records in sync until interrupted (default)",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, g)
		},
	}
}

func runDaemon(cmd *cobra.Command, g *globalFlags) error {
	cfg, seed, err := loadConfig(g)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	metrics := ddnsync.NewMetrics(reg)
	r, err := newReconciler(g, cfg, ddnsync.WithMetrics(metrics))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g.log.Info("testing provider connection...")
	tctx, cancel := context.WithTimeout(ctx, startupTestTimeout)
	err = r.TestConnection(tctx)
	cancel()
	if err != nil {
		return failureError(fmt.Errorf("provider connection failed, check api_key: %w", err))
	}

	var wg sync.WaitGroup
	if g.metricsAddr != "" {
		srv := newStatusServer(g.metricsAddr, reg, r)
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveStatus(ctx, srv, g.log)
		}()
	}

	w := ddnsync.NewWatcher(g.configPath, r, seed)
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.Run(ctx)
	}()

	g.log.WithField("targets", len(cfg.Domains)).Infof("daemon started, checking every %ds", cfg.CheckInterval)
	err = r.Run(ctx)
	wg.Wait()
	g.log.Info("daemon stopped")
	return err
}

func newOnceCommand(g *globalFlags) *cobra.Command {
	var (
		force bool
		ip    string
	)
	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run a single reconciliation cycle and exit",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(g)
			if err != nil {
				return err
			}
			var opts []ddnsync.Option
			if ip != "" {
				opts = append(opts, ddnsync.UsingResolver(ddnsync.FromString(ip)))
			}
			r, err := newReconciler(g, cfg, opts...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out, err := r.RunOnce(ctx, force)
			printOutcome(cmd.OutOrStdout(), out)
			if err != nil {
				return failureError(err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "update records even if they already hold the current IP")
	cmd.Flags().StringVar(&ip, "ip", "", "apply this address instead of looking up the public IP")
	return cmd
}

func printOutcome(w io.Writer, out ddnsync.Outcome) {
	if out.IP.IsValid() {
		fmt.Fprintf(w, "Current IP: %s\n", out.IP)
	}
	for _, res := range out.Results {
		fmt.Fprintln(w, res)
	}
	switch out.State {
	case ddnsync.StateSuccess:
		fmt.Fprintln(w, "All records are up to date")
	case ddnsync.StatePartialFailure:
		fmt.Fprintf(w, "Update failed after %d attempt(s)\n", out.Attempts)
	}
}

func newVerifyCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Compare every record with the current public IP without changing anything",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(g)
			if err != nil {
				return err
			}
			r, err := newReconciler(g, cfg)
			if err != nil {
				return err
			}

			ip, checks, err := r.Verify(cmd.Context())
			if err != nil {
				return failureError(err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Current IP: %s\n", ip)
			stale := 0
			for _, v := range checks {
				switch {
				case v.Err != nil:
					fmt.Fprintf(out, "✗ %s: %s\n", v.Target, v.Err)
				case v.Record == nil:
					fmt.Fprintf(out, "✗ %s: no record found\n", v.Target)
				case v.Current(ip):
					fmt.Fprintf(out, "✓ %s: %s\n", v.Target, v.Record.Content)
				default:
					fmt.Fprintf(out, "✗ %s: %s (expected %s)\n", v.Target, v.Record.Content, ip)
				}
				if !v.Current(ip) {
					stale++
				}
			}
			if stale > 0 {
				return failureError(fmt.Errorf("%d of %d records do not match %s", stale, len(checks), ip))
			}
			return nil
		},
	}
}

func newRecordsCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "records DOMAIN",
		Short: "List every record of a zone as the provider reports it",
		Args:  usageArgs(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(g)
			if err != nil {
				return err
			}
			r, err := newReconciler(g, cfg)
			if err != nil {
				return err
			}
			records, err := r.Records(cmd.Context(), args[0])
			if err != nil {
				return failureError(err)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tNAME\tCONTENT\tTTL")
			for _, rec := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", rec.ID, rec.Type, rec.Name, rec.Content, rec.TTL)
			}
			return tw.Flush()
		},
	}
}

// loadConfig reads --config. When the file does not exist a sample is written
// next to it so the operator has something to start from.
func loadConfig(g *globalFlags) (*ddnsync.Config, []byte, error) {
	cfg, seed, err := ddnsync.LoadConfig(g.configPath)
	if errors.Is(err, fs.ErrNotExist) {
		g.log.Errorf("configuration file %q not found", g.configPath)
		if path, serr := ddnsync.WriteSampleConfig(filepath.Dir(g.configPath), ""); serr == nil {
			g.log.Infof("a sample configuration was written to %q; edit it and save it as %q", path, g.configPath)
		}
		return nil, nil, usageError(err)
	}
	if err != nil {
		return nil, nil, usageError(err)
	}
	if err := verifyPermissions(g.configPath); err != nil {
		g.log.Warn(err)
	}
	return cfg, seed, nil
}

func newReconciler(g *globalFlags, cfg *ddnsync.Config, options ...ddnsync.Option) (*ddnsync.Reconciler, error) {
	opts := []ddnsync.Option{ddnsync.WithLogger(g.log)}
	if len(g.interfaces) > 0 {
		opts = append(opts, ddnsync.UsingResolver(ddnsync.InterfaceResolver(g.interfaces...)))
	}
	opts = append(opts, options...)
	opts = append(opts, g.options...)
	r, err := ddnsync.New(cfg, opts...)
	if err != nil {
		return nil, usageError(err)
	}
	return r, nil
}

// verifyPermissions complains about configuration files readable by other users,
// since they hold the API token.
func verifyPermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("error checking config file permissions: %w", err)
	}
	// 0400 is fine too: the file might be provided by secrets managing software as readonly.
	if perms := info.Mode().Perm(); perms&0o077 != 0 {
		return fmt.Errorf("config file %q holds an API token but has permissions %q; consider \"-rw-------\"", path, fs.FileMode(perms))
	}
	return nil
}
