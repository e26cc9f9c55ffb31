package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	tgbot "github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/sweepmonk/sweepmonk/internal/bot"
	"github.com/sweepmonk/sweepmonk/internal/config"
	"github.com/sweepmonk/sweepmonk/internal/engine"
	"github.com/sweepmonk/sweepmonk/internal/logger"
	"github.com/sweepmonk/sweepmonk/internal/rules"
)

// Version is set by the build system via -ldflags.
var Version = "dev"

func main() {
	if err := buildRoot().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func buildRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "sweepmonk",
		Short:         "Telegram group guardian: keyword moderation and new-member verification",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		runCmd(),
		sweepCmd(),
		rulesCmd(),
		healthcheckCmd(),
		versionCmd(),
	)
	return root
}

// runCmd is the main daemon command.
func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

func runDaemon() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var eng *engine.Engine
	b, err := tgbot.New(cfg.BotToken,
		tgbot.WithDefaultHandler(func(ctx context.Context, b *tgbot.Bot, u *models.Update) {
			eng.Handle(ctx, b, u)
		}),
		tgbot.WithAllowedUpdates(bot.AllowedUpdates),
	)
	if err != nil {
		return fmt.Errorf("init telegram bot: %w", err)
	}

	base := buildLogger(cfg)
	log, channel := withLogChannel(cfg, b, base)
	log.Info().Str("version", Version).Msg("sweepmonk starting")

	store, err := engine.OpenStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	rs, _, err := rules.Open(cfg.RulesFile, log)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	eng, err = engine.New(cfg, engine.Deps{
		API:        b,
		Poller:     b,
		Store:      store,
		Rules:      rs,
		LogChannel: channel,
	}, log)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	return eng.Run(ctx)
}

// sweepCmd resolves expired probations once and exits.
func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove members whose verification expired, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := buildLogger(cfg)
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			b, err := tgbot.New(cfg.BotToken)
			if err != nil {
				return fmt.Errorf("init telegram bot: %w", err)
			}
			store, err := engine.OpenStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			rs, _, err := rules.Open(cfg.RulesFile, log)
			if err != nil {
				return err
			}

			eng, err := engine.New(cfg, engine.Deps{API: b, Store: store, Rules: rs}, log)
			if err != nil {
				return err
			}
			n, err := eng.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("sweep complete: resolved=%d\n", n)
			return nil
		},
	}
}

// rulesCmd groups offline rules-file tooling.
func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect keyword rule files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check <file>",
		Short: "Parse a rules file and report invalid patterns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			_, report, err := rules.ParseFile(f)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "literals=%d patterns=%d invalid=%d\n", report.Literals, report.Patterns, len(report.Invalid))
			for _, ipe := range report.Invalid {
				fmt.Fprintf(out, "  %v\n", ipe)
			}
			if len(report.Invalid) > 0 {
				return fmt.Errorf("%d invalid pattern(s) in %s", len(report.Invalid), args[0])
			}
			return nil
		},
	})
	return cmd
}

// healthcheckCmd exits 0 if the health endpoint answers.
func healthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Check health endpoint and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			resp, err := http.Get("http://" + cfg.HealthAddr + "/healthz") //nolint:noctx
			if err != nil {
				return fmt.Errorf("healthcheck failed: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("healthcheck returned %d", resp.StatusCode)
			}
			fmt.Println("healthy")
			return nil
		},
	}
}

// versionCmd prints the version and exits.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sweepmonk %s\n", Version)
		},
	}
}

// buildLogger constructs a zerolog.Logger based on config. Extra writers
// receive every line in JSON form alongside the main output.
func buildLogger(cfg *config.Config, extra ...io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var out io.Writer = logger.NewRedactWriter(os.Stderr)
	if cfg.LogFormat == "text" {
		cw := zerolog.NewConsoleWriter()
		cw.Out = out
		out = cw
	}
	if len(extra) > 0 {
		out = zerolog.MultiLevelWriter(append([]io.Writer{out}, extra...)...)
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// withLogChannel mirrors warnings into LOG_CHANNEL_ID when it is set. base
// stays free of the channel so delivery failures cannot loop.
func withLogChannel(cfg *config.Config, b *tgbot.Bot, base zerolog.Logger) (zerolog.Logger, *logger.ChannelWriter) {
	if cfg.LogChannelID == 0 {
		return base, nil
	}
	send := func(ctx context.Context, chatID int64, text string) error {
		_, err := b.SendMessage(ctx, &tgbot.SendMessageParams{ChatID: chatID, Text: text})
		return err
	}
	channel := logger.NewChannelWriter(cfg.LogChannelID, send, zerolog.WarnLevel, base)
	base.Info().Int64("chat_id", cfg.LogChannelID).Msg("log channel enabled")
	return buildLogger(cfg, channel), channel
}
