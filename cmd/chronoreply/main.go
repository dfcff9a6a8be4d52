package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joshsymonds/chronoreply/internal/rate"
	"github.com/joshsymonds/chronoreply/internal/reply"
	"github.com/joshsymonds/chronoreply/internal/runtime"
	"github.com/joshsymonds/chronoreply/internal/schedule"
)

type replyConfig struct {
	envFile       string
	useKeyring    bool
	saveKeyring   bool
	keyringDir    string
	minInterval   time.Duration
	maxInterval   time.Duration
	pageSize      int
	rps           int
	dryRun        bool
	skipAutomated bool
	skipSelf      bool
	once          bool
	logLevel      string
}

func main() {
	cfg := parseReplyFlags()
	if err := run(cfg); err != nil {
		runtime.DefaultLogger().Error("chronoreply failed", "error", err)
		os.Exit(1)
	}
}

func parseReplyFlags() replyConfig {
	envFile := flag.String("env-file", ".env", "dotenv file holding GMAIL_* credentials (optional)")
	useKeyring := flag.Bool("keyring", false, "fall back to the OS keyring for missing credentials")
	saveKeyring := flag.Bool("save-keyring", false, "store the resolved credentials in the OS keyring and exit")
	keyringDir := flag.String("keyring-dir", os.ExpandEnv("$HOME/.config/chronoreply/keyring"), "file keyring directory")
	minInterval := flag.Duration("min-interval", schedule.DefaultMin, "shortest wait between cycles")
	maxInterval := flag.Duration("max-interval", schedule.DefaultMax, "longest wait between cycles")
	pageSize := flag.Int("page-size", 100, "Gmail list page size (<=500)")
	rps := flag.Int("rps", 4, "max requests per second (0 disables)")
	dryRun := flag.Bool("dry-run", false, "log only; skip send and label")
	skipAutomated := flag.Bool("skip-automated", true, "never answer auto-submitted or mailing-list mail")
	skipSelf := flag.Bool("skip-self", true, "never answer mail sent from the account's own address")
	once := flag.Bool("once", false, "run a single cycle and exit")
	logLevel := flag.String("log-level", "info", "debug, info, warn or error")
	flag.Parse()

	return replyConfig{
		envFile:       *envFile,
		useKeyring:    *useKeyring,
		saveKeyring:   *saveKeyring,
		keyringDir:    *keyringDir,
		minInterval:   *minInterval,
		maxInterval:   *maxInterval,
		pageSize:      *pageSize,
		rps:           *rps,
		dryRun:        *dryRun,
		skipAutomated: *skipAutomated,
		skipSelf:      *skipSelf,
		once:          *once,
		logLevel:      *logLevel,
	}
}

func run(cfg replyConfig) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := runtime.NewLogger(cfg.logLevel)

	src := runtime.CredentialSources{EnvFile: cfg.envFile}
	var store *runtime.KeyringStore
	if cfg.useKeyring || cfg.saveKeyring {
		ks, err := runtime.OpenKeyring(cfg.keyringDir)
		if err != nil {
			return err
		}
		store = ks
		if cfg.useKeyring {
			src.Store = ks
		}
	}
	creds, err := runtime.LoadCredentials(src)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}
	if cfg.saveKeyring {
		if saveErr := store.Save(creds); saveErr != nil {
			return fmt.Errorf("save credentials: %w", saveErr)
		}
		logger.Info("credentials stored in keyring")
		return nil
	}

	client, err := runtime.NewGmailClient(ctx, creds, logger)
	if err != nil {
		return fmt.Errorf("create gmail client: %w", err)
	}
	// Bad credentials surface here instead of on every cycle.
	profile, err := client.Profile(ctx)
	if err != nil {
		return fmt.Errorf("verify gmail credentials: %w", err)
	}
	logger.Info("authenticated", "account", profile.EmailAddress)

	var limiter rate.Limiter = rate.Unlimited{}
	if cfg.rps > 0 {
		limiter = rate.NewTokenBucket(cfg.rps)
	}

	svc := reply.NewService(client, limiter, logger, reply.Options{
		PageSize:      cfg.pageSize,
		DryRun:        cfg.dryRun,
		SkipAutomated: cfg.skipAutomated,
		SkipSelf:      cfg.skipSelf,
	})
	svc.Account = profile.EmailAddress

	cycle := func(ctx context.Context) error {
		_, cycleErr := svc.RunCycle(ctx)
		return cycleErr
	}

	if cfg.once {
		if cycleErr := cycle(ctx); cycleErr != nil {
			return fmt.Errorf("run cycle: %w", cycleErr)
		}
		return nil
	}

	loop, err := schedule.NewLoop(cfg.minInterval, cfg.maxInterval, logger)
	if err != nil {
		return fmt.Errorf("configure schedule: %w", err)
	}
	logger.Info("polling for unread mail",
		slog.Duration("min_interval", cfg.minInterval),
		slog.Duration("max_interval", cfg.maxInterval))
	if runErr := loop.Run(ctx, cycle); runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("run loop: %w", runErr)
	}
	logger.Info("shutting down", "handled_senders", svc.Handled.Len())
	return nil
}
