// Command sandman performs one sweep: it walks every configured vault base,
// advances each file through its lifecycle (gated by --weaponise), notifies
// stakeholders, and drains the staging queue to the downstream handler.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/wtsi-hgi/hgi-vault-sub000/internal/config"
	"github.com/wtsi-hgi/hgi-vault-sub000/internal/drain"
	"github.com/wtsi-hgi/hgi-vault-sub000/internal/identity"
	"github.com/wtsi-hgi/hgi-vault-sub000/internal/logging"
	"github.com/wtsi-hgi/hgi-vault-sub000/internal/mail"
	"github.com/wtsi-hgi/hgi-vault-sub000/internal/persist"
	"github.com/wtsi-hgi/hgi-vault-sub000/internal/sweep"
	"github.com/wtsi-hgi/hgi-vault-sub000/internal/walk"
)

var version = "dev"

func main() {
	os.Exit(run())
}

//nolint:gocyclo // main entry point orchestrates all phases
func run() int {
	var (
		configPath  string
		snapshot    string
		weaponise   bool
		noDrain     bool
		verbose     bool
		showVersion bool
	)

	rootCmd := &cobra.Command{
		Use:           "sandman [flags] <vault-base>...",
		Short:         "Sweep vaults: age files, stage archivals, notify, drain",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				return nil
			}
			return cobra.MinimumNArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Fprintf(os.Stdout, "sandman %s\n", version)
				return nil
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			runID := uuid.NewString()
			setupLogging(cfg.Sweep.LogFile, verbose, runID)

			if !weaponise {
				slog.Info("dry run: nothing will be mutated (use --weaponise to act)")
			}

			ctx, stop := signal.NotifyContext(context.Background(),
				syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return sweepRun(ctx, cfg, runID, args, snapshot, weaponise, noDrain)
		},
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "config file (default: XDG location)")
	rootCmd.Flags().StringVar(&snapshot, "snapshot", "", "replay a gzip stat dump instead of walking")
	rootCmd.Flags().BoolVar(&weaponise, "weaponise", false, "allow destructive operations")
	rootCmd.Flags().BoolVar(&noDrain, "no-drain", false, "skip handing staged files to the handler")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "print version and exit")

	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, drain.ErrHandlerBusy) {
			// A busy handler is a retry signal, not a failure.
			slog.Info("handler busy; staged queue kept for the next run")
			return 0
		}
		slog.Error("sandman failed", "error", err)
		return 1
	}
	return 0
}

func sweepRun(ctx context.Context, cfg config.Config, runID string,
	bases []string, snapshot string, weaponise, noDrain bool) error {

	owners, err := cfg.Identity.OwnerMap()
	if err != nil {
		return err
	}
	actor, err := identity.CurrentActor()
	if err != nil {
		return err
	}
	resolver := identity.NewPasswdResolver(cfg.Identity.EmailDomain, owners)

	walkCfg := walk.Config{
		Resolver:  resolver,
		Actor:     actor,
		RunID:     runID,
		MinOwners: cfg.Vault.MinOwners,
	}

	var walker walk.Walker
	if snapshot != "" {
		walker, err = walk.NewSnapshot(snapshot, bases, cfg.Sweep.SnapshotFreshness.Std(), walkCfg)
	} else {
		walker, err = walk.NewLive(bases, walkCfg)
	}
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Persist.Database), 0o700); err != nil {
		return err
	}
	store, err := persist.OpenSQLite(cfg.Persist.Database, runID)
	if err != nil {
		return err
	}
	defer store.Close()

	var limiter *rate.Limiter
	if cfg.Sweep.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Sweep.RateLimit), 1)
	}

	sweeper := sweep.New(walker, store, sweep.Config{
		DryRun:            !weaponise,
		DeletionThreshold: cfg.Sweep.DeletionThreshold.Std(),
		LimboThreshold:    cfg.Sweep.LimboThreshold.Std(),
		WarningLeads:      cfg.Sweep.Leads(),
		RestatWindow:      cfg.Sweep.RestatWindow.Std(),
		Limiter:           limiter,
	})

	if err := sweeper.Sweep(ctx); err != nil {
		return err
	}
	logStats(sweeper.Stats())

	if !weaponise {
		return nil
	}

	notifier := &sweep.Notifier{
		Store:          store,
		Sender:         &mail.SMTP{Addr: cfg.Mail.SMTP, From: cfg.Mail.From},
		Resolver:       resolver,
		Leads:          cfg.Sweep.Leads(),
		LimboThreshold: cfg.Sweep.LimboThreshold.Std(),
		MaxInline:      cfg.Mail.MaxInline,
	}
	if err := notifier.Notify(ctx); err != nil {
		return err
	}

	if noDrain || cfg.Drain.Handler == "" {
		return nil
	}

	queue, err := store.StagedQueue(ctx)
	if err != nil {
		return err
	}
	if queue.Size < cfg.Drain.MinBytes {
		slog.Info("staging queue below drain threshold, deferring",
			"bytes", queue.Size, "threshold", cfg.Drain.MinBytes)
		return nil
	}

	drainer := &drain.Drainer{Handler: cfg.Drain.Handler, Store: store}
	return drainer.Drain(ctx, queue)
}

// setupLogging installs a text handler on stderr, plus a rotated JSON copy
// when a log file is configured. Every line carries the run id.
func setupLogging(logFile string, verbose bool, runID string) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	var handler slog.Handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	if logFile != "" {
		rotated := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    100, // MB
			MaxBackups: 10,
			Compress:   true,
		}
		handler = logging.NewMultiHandler(
			handler,
			slog.NewJSONHandler(rotated, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	}
	slog.SetDefault(slog.New(handler).With("run", runID))
}

func logStats(s sweep.Snapshot) {
	slog.Info("sweep complete",
		"walked", s.Walked,
		"staged", s.Staged,
		"soft_deleted", s.SoftDeleted,
		"hard_deleted", s.HardDeleted,
		"warned", s.Warned,
		"repaired", s.Repaired,
		"corruptions", s.Corruptions,
		"skipped", s.Skipped,
		"elapsed", s.Elapsed.Round(time.Millisecond))
}
