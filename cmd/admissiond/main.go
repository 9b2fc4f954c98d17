package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/developingchet/admission-engine/internal/alert"
	"github.com/developingchet/admission-engine/internal/bans"
	"github.com/developingchet/admission-engine/internal/challenge"
	"github.com/developingchet/admission-engine/internal/config"
	"github.com/developingchet/admission-engine/internal/costguard"
	"github.com/developingchet/admission-engine/internal/gate"
	"github.com/developingchet/admission-engine/internal/logger"
	"github.com/developingchet/admission-engine/internal/metrics"
	"github.com/developingchet/admission-engine/internal/ratelimit"
	"github.com/developingchet/admission-engine/internal/settings"
	"github.com/developingchet/admission-engine/internal/store"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("fatal")
		os.Exit(1)
	}
}

// newRootCmd builds and returns the root cobra command. Extracted from main so
// that tests can invoke it directly without spawning a subprocess.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "admissiond",
		Short: "Admission control for an AI-backed query service",
		Long: `A standalone admission daemon that rate-limits, challenges, cost-bounds
and progressively bans anonymous clients before their queries reach the
expensive backend.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runEngine,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Start the daemon (same as running without a subcommand)",
		RunE:  runEngine,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "healthcheck",
		Short: "Check store and challenge-provider connectivity (for Docker HEALTHCHECK)",
		RunE:  runHealthcheck,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "admissiond %s (commit: %s, built: %s)\n", version, commit, date)
		},
	})

	return rootCmd
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	initLogging(cfg.LogLevel, cfg.LogFormat)

	metrics.Register()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	client := store.NewClient(store.ClientConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: cfg.RedisPoolSize,
	})
	defer client.Close()

	outbox, err := alert.Open(cfg.AlertOutboxPath)
	if err != nil {
		return fmt.Errorf("alert outbox: %w", err)
	}
	defer outbox.Close()

	sc := settings.New(client, cfg.SettingsDefaults(), cfg.SettingsTTL)
	limiter := ratelimit.New(client, sc, ratelimit.Policy{
		PerMinute: cfg.RatePerMinute,
		PerHour:   cfg.RatePerHour,
		FailOpen:  cfg.RateFailOpen,
	})
	challenges := challenge.New(client, sc, limiter, buildVerifier(cfg), challenge.Config{
		Validity:    cfg.ChallengeTTL,
		GraceWindow: cfg.ChallengeGraceWindow,
	})
	costs := costguard.New(client, sc, outbox, costguard.Config{
		DailyLimitMicros:  cfg.CostDailyLimitMicros,
		HourlyLimitMicros: cfg.CostHourlyLimitMicros,
		ReservationTTL:    cfg.CostReservationTTL,
	})
	tracker := bans.New(client, sc, outbox, bans.Config{
		ObservationWindow: cfg.BanObservationWindow,
		ShortDuration:     cfg.BanShortDuration,
		LongDuration:      cfg.BanLongDuration,
	})

	g := gate.New(sc, limiter, challenges, costs, tracker)
	srv := gate.NewServer(g, challenges, client, gate.ServerConfig{ListenAddr: cfg.ListenAddr})

	go gate.RunJanitor(ctx, client, outbox, cfg.JanitorInterval)
	if cfg.AlertWebhookURL != "" {
		notifier := alert.NewNotifier(
			outbox,
			alert.NewWebhookPoster(cfg.AlertWebhookURL, nil),
			cfg.AlertDrainInterval,
			cfg.AlertPerMinute,
		)
		go notifier.Run(ctx)
	} else {
		log.Warn().Msg("no alert webhook configured, events accumulate in the outbox")
	}

	log.Info().Str("version", version).Str("redis", cfg.RedisAddr).Msg("admission engine starting")
	return srv.Run(ctx)
}

func runHealthcheck(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	initLogging("error", cfg.LogFormat)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := store.NewClient(store.ClientConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer client.Close()
	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("store unhealthy: %w", err)
	}

	if v := buildVerifier(cfg); v != nil {
		if err := v.Healthy(ctx); err != nil {
			return fmt.Errorf("challenge provider unhealthy: %w", err)
		}
	}
	return nil
}

// buildVerifier returns the upstream challenge verifier, or nil when no
// provider is configured.
func buildVerifier(cfg *config.Config) challenge.Verifier {
	if cfg.VerifierURL == "" {
		return nil
	}
	return challenge.NewHTTPVerifier(challenge.VerifierConfig{
		URL:    cfg.VerifierURL,
		Secret: cfg.VerifierSecret,
	})
}

func initLogging(level string, format string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	redacted := logger.NewRedactWriter(os.Stderr)
	if format == "text" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: redacted})
	} else {
		log.Logger = zerolog.New(redacted).With().Timestamp().Logger()
	}

	switch level {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
