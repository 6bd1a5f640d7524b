package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AlexKarpov98/webui/client"
	"github.com/AlexKarpov98/webui/config"
	"github.com/cenkalti/backoff"
	charmlog "github.com/charmbracelet/log"
	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	titleColor   = color.New(color.FgHiCyan, color.Bold)
	successColor = color.New(color.FgHiGreen)
	errorColor   = color.New(color.FgHiRed)
	infoColor    = color.New(color.FgHiYellow)
	dataColor    = color.New(color.FgHiWhite)
)

// cli holds the state shared by every subcommand.
type cli struct {
	configPath  string
	envFile     string
	logLevel    string
	dialTimeout time.Duration

	cfg    *config.Config
	logger *slog.Logger
}

func main() {
	c := &cli{}
	root := c.rootCmd()
	if err := root.Execute(); err != nil {
		errorColor.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "webuictl",
		Short:         "Talk to a storage appliance middleware over its websocket API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", "webui.yaml", "Path to the client configuration file")
	root.PersistentFlags().StringVar(&c.envFile, "env", ".env", "Optional dotenv file providing "+config.EnvAPIKey)
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "", "Overrides log.level from the configuration")
	root.PersistentFlags().DurationVar(&c.dialTimeout, "dial-timeout", 30*time.Second, "How long to keep retrying the initial connection")

	root.AddCommand(
		c.makeCallCmd(),
		c.makePingCmd(),
		c.makeJobCmd(),
		c.makeAbortCmd(),
		c.makeSubscribeCmd(),
		c.makeConfigCmd(),
	)
	return root
}

// setup loads the environment and configuration and builds the logger.
func (c *cli) setup() error {
	if err := godotenv.Load(c.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", c.envFile, err)
	}

	cfg, err := config.LoadConfig(c.configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", c.configPath, err)
	}
	c.cfg = cfg

	levelName := cfg.Log.Level
	if c.logLevel != "" {
		levelName = c.logLevel
	}
	level, err := config.ParseLevel(levelName)
	if err != nil {
		return err
	}
	c.logger = newLogger(level)
	return nil
}

func newLogger(level slog.Level) *slog.Logger {
	handler := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		Level:           charmlog.Level(level),
		ReportTimestamp: true,
		TimeFormat:      time.Kitchen,
	})
	return slog.New(handler)
}

// connect dials the middleware, retrying transport failures with
// exponential backoff. Refused handshakes and rejected keys are final.
func (c *cli) connect(ctx context.Context) (*client.Client, error) {
	if err := c.setup(); err != nil {
		return nil, err
	}

	clientCfg := c.cfg.ClientConfig(c.logger)
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = c.dialTimeout

	var conn *client.Client
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		var err error
		conn, err = client.Dial(ctx, clientCfg)
		if err == nil {
			return nil
		}
		if errors.Is(err, client.ErrAuthFailed) || errors.Is(err, client.ErrHandshakeFailed) ||
			errors.Is(err, client.ErrEndpointMissing) {
			return backoff.Permanent(err)
		}
		c.logger.Warn("Dial failed, retrying", "attempt", attempt, "error", err)
		return err
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// parseArgs decodes each argument as JSON, falling back to a plain string.
func parseArgs(raw []string) []any {
	args := make([]any, 0, len(raw))
	for _, r := range raw {
		var v any
		if err := json.Unmarshal([]byte(r), &v); err != nil {
			v = r
		}
		args = append(args, v)
	}
	return args
}

func printJSON(raw json.RawMessage) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		dataColor.Println(string(raw))
		return
	}
	pretty, _ := json.MarshalIndent(v, "", "  ")
	dataColor.Println(string(pretty))
}
