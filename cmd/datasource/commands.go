package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/iTrooz/datasource-cache/internal/config"
	"github.com/iTrooz/datasource-cache/internal/datasource"
	"github.com/iTrooz/datasource-cache/internal/metrics"
	"github.com/iTrooz/datasource-cache/internal/proxy"
	"github.com/iTrooz/datasource-cache/internal/template"
	"github.com/iTrooz/datasource-cache/internal/transport"
)

type app struct {
	configPath string
	cfg        *config.Config
	registry   *prometheus.Registry
}

func newRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:           "datasource",
		Short:         "Query a datasource API with single-slot response caching",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.loadConfig()
		},
	}
	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "configs/config.yaml", "Path to the YAML configuration file")

	cmd.AddCommand(a.newTestCmd(), a.newGetCmd(), a.newServeCmd())
	return cmd
}

func (a *app) loadConfig() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, _ := cfg.GetLogLevel()
	logrus.SetLevel(level)

	a.cfg = cfg
	a.registry = prometheus.NewRegistry()
	return nil
}

func (a *app) newClient() (*datasource.Client[json.RawMessage], error) {
	timeout, _ := a.cfg.GetTimeout()
	executor, err := transport.NewHTTP[json.RawMessage](transport.HTTPOptions{
		Timeout:  timeout,
		ProxyURL: a.cfg.Transport.ProxyURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	return datasource.New[json.RawMessage](a.cfg.Datasource.BaseURL, a.cfg.Datasource.Params, executor,
		datasource.WithTemplateEngine(template.NewVariables(a.cfg.Variables)),
		datasource.WithMetrics(metrics.NewCollectorWithRegistry(a.registry)),
	), nil
}

func (a *app) newTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Check connectivity using the fixed datasource parameters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := a.newClient()
			if err != nil {
				return err
			}

			resp, err := client.Test(cmd.Context())
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "OK %d %s\n", resp.Status, resp.Request.URL)
			return err
		},
	}
}

func (a *app) newGetCmd() *cobra.Command {
	var (
		params        string
		cacheDuration time.Duration
		repeat        int
		output        string
	)

	cmd := &cobra.Command{
		Use:   "get",
		Short: "Fetch data, serving repeated calls from the cache",
		Example: `  # Fetch once with the configured query
  datasource get

  # Fetch three times, caching for ten seconds
  datasource get --params 'env=$env' --cache-duration 10s --repeat 3 --output yaml`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("params") {
				params = a.cfg.Query.Params
			}
			if !cmd.Flags().Changed("cache-duration") {
				cacheDuration, _ = a.cfg.GetCacheDuration()
			}
			if output != "json" && output != "yaml" {
				return fmt.Errorf("output must be 'json' or 'yaml', got: %s", output)
			}

			client, err := a.newClient()
			if err != nil {
				return err
			}

			for i := 0; i < repeat; i++ {
				data, hit, err := client.CachedGetWithStatus(cmd.Context(), cacheDuration, params)
				if err != nil {
					return fmt.Errorf("failed to fetch data: %w", err)
				}
				logrus.Infof("Fetch %d/%d (cache hit: %t)", i+1, repeat, hit)

				if err := render(cmd.OutOrStdout(), data, output); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&params, "params", "p", "", "Query parameters merged over the fixed ones (default from config)")
	cmd.Flags().DurationVarP(&cacheDuration, "cache-duration", "d", 0, "How long to cache the response, 0 disables caching (default from config)")
	cmd.Flags().IntVarP(&repeat, "repeat", "n", 1, "Number of times to fetch")
	cmd.Flags().StringVarP(&output, "output", "o", "json", "Output format: json or yaml")
	return cmd
}

func (a *app) newServeCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a local proxy answering datasource requests from the cache",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("port") {
				port = a.cfg.Server.Port
			}
			cacheDuration, _ := a.cfg.GetCacheDuration()

			client, err := a.newClient()
			if err != nil {
				return err
			}

			caCert, err := proxy.LoadCertificate(a.cfg.Server.HTTPS.CACertFile, a.cfg.Server.HTTPS.CAKeyFile)
			if err != nil {
				return err
			}

			server, err := proxy.New(client, cacheDuration, a.registry, proxy.WithCACertificate(caCert))
			if err != nil {
				return err
			}
			if err := server.Start(port); err != nil {
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "Port to listen on (default from config)")
	return cmd
}

func render(w io.Writer, data json.RawMessage, output string) error {
	if output == "json" {
		_, err := fmt.Fprintln(w, strings.TrimSpace(string(data)))
		return err
	}

	var v any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode response as YAML: %w", err)
	}
	return enc.Close()
}
