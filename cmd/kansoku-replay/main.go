// Command kansoku-replay feeds recorded events through the SDK against a
// collector. It reads one JSON event per line from a file or stdin, runs them
// through a session and prints the delivery counters.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/ashita-ai/kansoku"
	"github.com/ashita-ai/kansoku/internal/config"
	"github.com/ashita-ai/kansoku/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

type options struct {
	clientKey string
	siteID    string
	sessionID string
	userID    string
	input     string
	cfg       config.SDK
}

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	_ = godotenv.Load()

	cfg, err := config.LoadSDK()
	if err != nil {
		return err
	}
	opts := options{cfg: cfg, clientKey: cfg.ClientKey}

	flagSet := pflag.NewFlagSet("kansoku-replay", pflag.ContinueOnError)
	flagSet.StringVar(&opts.clientKey, "client-key", opts.clientKey, "client key (default $KANSOKU_CLIENT_KEY)")
	flagSet.StringVar(&opts.siteID, "site", "", "site ID to start the session for (required)")
	flagSet.StringVar(&opts.sessionID, "session-id", "", "explicit session ID; also used as the user ID")
	flagSet.StringVar(&opts.userID, "user-id", "", "user ID attached to the session")
	flagSet.StringVarP(&opts.input, "input", "i", "-", "JSON-lines event file, or - for stdin")
	flagSet.StringVar(&opts.cfg.CollectorURL, "collector-url", cfg.CollectorURL, "collection endpoint")
	flagSet.StringVar(&opts.cfg.ConfigURL, "config-url", cfg.ConfigURL, "remote config endpoint")
	flagSet.DurationVar(&opts.cfg.Cadence, "cadence", cfg.Cadence, "delivery cadence")
	flagSet.BoolVar(&opts.cfg.Compress, "compress", cfg.Compress, "gzip request bodies")
	flagSet.StringVar(&opts.cfg.DataDir, "data-dir", cfg.DataDir, "directory for durable SDK state")
	flagSet.StringVar(&opts.cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	flagSet.Bool("version", false, "print the version and exit")

	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if v, _ := flagSet.GetBool("version"); v {
		_, _ = fmt.Fprintf(stdout, "kansoku-replay %s (sdk %s)\n", version, kansoku.Version)
		return nil
	}
	if extra := flagSet.Args(); len(extra) > 0 {
		return fmt.Errorf("unexpected argument: %s", extra[0])
	}
	if opts.siteID == "" {
		return fmt.Errorf("--site is required")
	}
	if err := opts.cfg.Validate(); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLevel(opts.cfg.LogLevel),
	}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	in := stdin
	if opts.input != "-" {
		f, err := os.Open(opts.input)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer func() { _ = f.Close() }()
		in = f
	}

	res, err := replay(ctx, in, opts, logger)
	if err != nil {
		return err
	}
	printResult(stdout, res)
	return nil
}

func sdkOptions(cfg config.SDK, logger *slog.Logger) []kansoku.Option {
	opts := []kansoku.Option{
		kansoku.WithLogger(logger),
		kansoku.WithCollectorURL(cfg.CollectorURL),
		kansoku.WithConfigURL(cfg.ConfigURL),
		kansoku.WithCadence(cfg.Cadence),
		kansoku.WithCompression(cfg.Compress),
		kansoku.WithDebounce(cfg.PauseDelay, cfg.ResumeDelay),
		kansoku.WithRetryBackoff(cfg.RetryBackoff),
		kansoku.WithStoreCapacity(cfg.StoreCapacity),
	}
	if cfg.DataDir != "" {
		opts = append(opts, kansoku.WithDataDir(cfg.DataDir))
	}
	return opts
}

func printResult(w io.Writer, r result) {
	_, _ = fmt.Fprintf(w, "read:            %d\n", r.Read)
	_, _ = fmt.Fprintf(w, "malformed lines: %d\n", r.Malformed)
	_, _ = fmt.Fprintf(w, "accepted:        %d\n", r.Accepted)
	_, _ = fmt.Fprintf(w, "rejected:        %d\n", r.Rejected)
	_, _ = fmt.Fprintf(w, "batches sent:    %d (%d events)\n", r.Stats.BatchesSent, r.Stats.EventsSent)
	_, _ = fmt.Fprintf(w, "batches dropped: %d (%d events)\n", r.Stats.BatchesDropped, r.Stats.EventsDropped)
	_, _ = fmt.Fprintf(w, "elapsed:         %s\n", r.Elapsed.Round(time.Millisecond))
}
