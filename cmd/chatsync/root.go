package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/opd-ai/chatsync"
	"github.com/opd-ai/chatsync/config"
	"github.com/opd-ai/chatsync/metrics"
)

const defaultConfigPath = "chatsync.yaml"

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Realtime one-to-one chat from the terminal",
	Long: `chatsync opens a conversation with a partner over the push channel or
REST polling, keeps a deduplicated history and sends text or attachments.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringP("config", "c", defaultConfigPath, "config file path (or $"+config.EnvConfigPath+")")
	rootCmd.PersistentFlags().String("mode", "", "override transport mode (push, poll, sim)")
	rootCmd.PersistentFlags().String("self", "", "override the local user id")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")
}

// loadConfig resolves, parses and validates the configuration, then applies
// flag overrides and the logging section.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()
	path, _ := flags.GetString("config")
	path = config.ResolveConfigPath(path, flags.Changed("config"))

	cfg, err := config.LoadConfigFile(path)
	if errors.Is(err, config.ErrConfigNotFound) && path == defaultConfigPath {
		logrus.WithFields(logrus.Fields{
			"function": "loadConfig",
			"path":     path,
		}).Debug("No config file, using defaults")
		cfg, err = config.Default(), nil
	}
	if err != nil {
		return nil, err
	}

	if mode, _ := flags.GetString("mode"); mode != "" {
		cfg.Transport.Mode = mode
	}
	if self, _ := flags.GetString("self"); self != "" {
		cfg.SelfID = self
	}
	if verbose, _ := flags.GetBool("verbose"); verbose {
		cfg.Logging.Level = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.ConfigureLogging(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newClient builds a client and, when configured, serves its metrics.
func newClient(ctx context.Context, cfg *config.Config) (*chatsync.Client, error) {
	var collector *metrics.Collector
	if cfg.Metrics.Listen != "" {
		collector = metrics.New(prometheus.DefaultRegisterer)
		serveMetrics(ctx, cfg.Metrics.Listen, cfg.Metrics.Path)
	}
	return chatsync.New(cfg.Options(collector))
}

func serveMetrics(ctx context.Context, addr, path string) {
	handler := fasthttpadaptor.NewFastHTTPHandler(promhttp.Handler())
	server := &fasthttp.Server{
		Handler: func(rc *fasthttp.RequestCtx) {
			if string(rc.Path()) != path {
				rc.SetStatusCode(fasthttp.StatusNotFound)
				return
			}
			handler(rc)
		},
		Name: "chatsync",
	}

	go func() {
		logrus.WithFields(logrus.Fields{
			"function": "serveMetrics",
			"addr":     addr,
			"path":     path,
		}).Info("Serving metrics")
		if err := server.ListenAndServe(addr); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "serveMetrics",
				"addr":     addr,
				"error":    err.Error(),
			}).Error("Metrics server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		_ = server.Shutdown()
	}()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
