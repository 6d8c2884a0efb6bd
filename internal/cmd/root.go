// Package cmd implements the guardrail command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dativo-io/guardrail/internal/config"
	guardotel "github.com/dativo-io/guardrail/internal/otel"
)

// Build metadata, set with -ldflags "-X".
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	configFile string
	envFile    string
	verbose    bool
	logLevel   string
	logFormat  string
	otel       bool
}

var (
	flags  globalFlags
	tracer = guardotel.Tracer("github.com/dativo-io/guardrail/internal/cmd")

	otelShutdown  guardotel.ShutdownFunc
	sentryEnabled bool
)

// resolvedVersion prefers the module version from build info when the
// binary was installed with go install and no ldflags were given.
func resolvedVersion() string {
	if Version != "dev" {
		return Version
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		if v := bi.Main.Version; v != "" && v != "(devel)" {
			return v
		}
	}
	return Version
}

var rootCmd = &cobra.Command{
	Use:   "guardrail",
	Short: "Guarded LLM sessions with scanning, PII vaulting and tool policy",
	Long: `guardrail wraps every model call in a pair of scan pipelines.

Input is checked for prompt injection, toxicity and size, and personal data
is swapped for placeholders before the model sees it. Model output is
checked for refusals and leaks, and placeholders are restored
for the user. Tool calls requested by the model pass a policy gate and a
schema check, and every turn can be written to a signed audit trail.`,
	SilenceUsage: true,
	PersistentPreRunE: func(*cobra.Command, []string) error {
		configureLogging(os.Stderr, flags)

		shutdown, err := guardotel.Setup("guardrail", resolvedVersion(), guardotel.Options{
			Enabled:      flags.otel || flags.verbose || os.Getenv("GUARDRAIL_OTEL_ENABLED") == "true",
			OTLPEndpoint: os.Getenv("GUARDRAIL_OTLP_ENDPOINT"),
			OTLPInsecure: os.Getenv("GUARDRAIL_OTLP_INSECURE") == "true",
			SampleRatio:  sampleRatio(os.Getenv("GUARDRAIL_OTEL_SAMPLE_RATIO")),
		})
		if err != nil {
			return fmt.Errorf("starting telemetry: %w", err)
		}
		otelShutdown = shutdown
		return setupSentry(viper.GetString(config.KeySentryDSN))
	},
}

// sampleRatio parses GUARDRAIL_OTEL_SAMPLE_RATIO; anything unparsable
// samples every trace.
func sampleRatio(raw string) float64 {
	r, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 1
	}
	return r
}

// configureLogging installs the global zerolog logger. Logs never go to
// stdout, which carries command output.
func configureLogging(w io.Writer, f globalFlags) {
	level, err := zerolog.ParseLevel(f.logLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if f.verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)

	out := w
	if f.logFormat != "json" {
		out = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
}

func setupSentry(dsn string) error {
	if dsn == "" {
		return nil
	}
	if err := sentry.Init(sentry.ClientOptions{
		Dsn:     dsn,
		Release: "guardrail@" + resolvedVersion(),
	}); err != nil {
		return fmt.Errorf("starting sentry: %w", err)
	}
	sentryEnabled = true
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configFile, "config", "", "config file (default ./guardrail.config.yaml, then ~/.guardrail/guardrail.config.yaml)")
	pf.StringVar(&flags.envFile, "env-file", ".env", "dotenv file read before the environment")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "debug logging and telemetry")
	pf.StringVar(&flags.logLevel, "log-level", "info", "debug, info, warn or error")
	pf.StringVar(&flags.logFormat, "log-format", "console", "console or json")
	pf.BoolVar(&flags.otel, "otel", false, "export traces and metrics (stdout, or OTLP when GUARDRAIL_OTLP_ENDPOINT is set)")

	for key, flag := range map[string]string{
		"verbose":    "verbose",
		"otel":       "otel",
		"log_level":  "log-level",
		"log_format": "log-format",
	} {
		_ = viper.BindPFlag(key, pf.Lookup(flag))
	}
}

// initConfig loads the dotenv file and the optional YAML config into the
// global viper instance.
func initConfig() {
	if err := godotenv.Load(flags.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Str("path", flags.envFile).Msg("env_file_unreadable")
	}

	if flags.configFile != "" {
		viper.SetConfigFile(flags.configFile)
	} else {
		viper.SetConfigName("guardrail.config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".guardrail"))
		}
	}

	err := viper.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	if err != nil && !errors.As(err, &notFound) && flags.configFile != "" {
		log.Warn().Err(err).Str("path", flags.configFile).Msg("config_file_unreadable")
	}
}

// Execute runs the command tree, then flushes sentry and telemetry.
func Execute() error {
	err := rootCmd.Execute()
	if sentryEnabled {
		sentry.Flush(2 * time.Second)
	}
	if otelShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := otelShutdown(ctx); serr != nil {
			log.Debug().Err(serr).Msg("telemetry_flush_failed")
		}
	}
	return err
}
