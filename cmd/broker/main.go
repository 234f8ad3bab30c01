package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/psantana5/bisect-farm/pkg/api"
	"github.com/psantana5/bisect-farm/pkg/auth"
	"github.com/psantana5/bisect-farm/pkg/config"
	"github.com/psantana5/bisect-farm/pkg/logging"
	"github.com/psantana5/bisect-farm/pkg/logstore"
	"github.com/psantana5/bisect-farm/pkg/metrics"
	"github.com/psantana5/bisect-farm/pkg/ratelimit"
	"github.com/psantana5/bisect-farm/pkg/shutdown"
	"github.com/psantana5/bisect-farm/pkg/store"
	tlsutil "github.com/psantana5/bisect-farm/pkg/tls"
	"github.com/psantana5/bisect-farm/pkg/tracing"
)

var version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "broker",
		Short:        "Bisection job broker",
		Long:         `broker owns the authoritative job state and serves the job API used by workers and operators.`,
		SilenceUsage: true,
		Version:      version,
	}
	root.AddCommand(newServeCmd(), newGenCertCmd(), newGenKeyCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the broker HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadBroker(config.New(), cmd.Flags(), configFile)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "YAML config file")
	config.RegisterBrokerFlags(cmd.Flags())
	return cmd
}

func serve(ctx context.Context, cfg *config.BrokerConfig) error {
	logger, err := cfg.Log.Logger("broker")
	if err != nil {
		return err
	}
	defer logger.Close()

	shutdownMgr := shutdown.New(cfg.ShutdownTimeout, logger)

	tracer, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    "bisect-broker",
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	shutdownMgr.Register("tracing", tracer.Shutdown)

	jobs := store.NewMemoryStore()
	logs := logstore.NewMemoryLogStore()
	brokerMetrics := metrics.NewBrokerMetrics(jobs.Count)

	handler := api.NewBrokerHandler(jobs, logs, logger)
	handler.SetMetricsRecorder(brokerMetrics)

	middleware := []mux.MiddlewareFunc{
		tracing.HTTPMiddleware(tracer),
		brokerMetrics.Middleware,
	}

	if cfg.RateLimit.RPS > 0 {
		limiter := ratelimit.NewLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
		middleware = append(middleware, limiter.Middleware(ratelimit.IPKeyFunc, api.RateLimited))
		go cleanupLimiters(ctx, shutdownMgr.Done(), limiter, logger)
		logger.Info("Rate limiting enabled", logging.Fields{"rps": cfg.RateLimit.RPS, "burst": cfg.RateLimit.Burst})
	}

	verifier := auth.NewKeyVerifier(cfg.APIKey)
	if verifier.Enabled() {
		middleware = append(middleware, verifier.Middleware([]string{"/health", "/metrics"}, api.Unauthorized))
		logger.Info("API authentication enabled")
	} else {
		logger.Warn("API authentication disabled, set --api-key to enable")
	}

	router := api.NewRouter(handler, api.RouterOptions{
		Middleware:     middleware,
		MetricsHandler: brokerMetrics.Handler(),
	})

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if cfg.TLS.Enabled {
		tlsConfig, err := tlsutil.LoadServerConfig(tlsutil.ServerOptions{
			CertFile: cfg.TLS.CertFile,
			KeyFile:  cfg.TLS.KeyFile,
			CAFile:   cfg.TLS.CAFile,
			MTLS:     cfg.TLS.MTLS,
		})
		if err != nil {
			return fmt.Errorf("failed to load TLS config: %w", err)
		}
		srv.TLSConfig = tlsConfig
	} else {
		logger.Warn("TLS disabled, serving plain HTTP")
	}
	shutdownMgr.Register("http-server", shutdown.StopHTTPServer(srv))

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Broker listening", logging.Fields{
			"addr":    cfg.Listen,
			"tls":     cfg.TLS.Enabled,
			"mtls":    cfg.TLS.MTLS,
			"version": version,
		})
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", logging.Fields{"error": err})
			serveErr <- err
			cancel()
		}
	}()

	shutdownMgr.Wait(waitCtx)
	shutdownErr := shutdownMgr.Shutdown()
	select {
	case err := <-serveErr:
		return err
	default:
		return shutdownErr
	}
}

func cleanupLimiters(ctx context.Context, done <-chan struct{}, limiter *ratelimit.Limiter, logger *logging.Logger) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if n := limiter.CleanupOldLimiters(10 * time.Minute); n > 0 {
				logger.Debug("Removed idle rate limiters", logging.Fields{"count": n, "remaining": limiter.Size()})
			}
		}
	}
}

func newGenCertCmd() *cobra.Command {
	var (
		certFile string
		keyFile  string
		hosts    []string
		cn       string
		validFor time.Duration
	)
	cmd := &cobra.Command{
		Use:   "gen-cert",
		Short: "Generate a self-signed certificate for the broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(hosts) == 0 {
				if hostname, err := os.Hostname(); err == nil {
					hosts = append(hosts, hostname)
				}
				hosts = append(hosts, "localhost", "127.0.0.1")
			}
			err := tlsutil.GenerateSelfSignedCert(certFile, keyFile, tlsutil.CertOptions{
				CommonName: cn,
				Hosts:      hosts,
				ValidFor:   validFor,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Certificate: %s\nKey:         %s\nHosts:       %s\n",
				certFile, keyFile, strings.Join(hosts, ", "))
			return nil
		},
	}
	cmd.Flags().StringVar(&certFile, "cert", "certs/broker.crt", "certificate output path")
	cmd.Flags().StringVar(&keyFile, "key", "certs/broker.key", "key output path")
	cmd.Flags().StringSliceVar(&hosts, "host", nil, "DNS name or IP to include (repeatable)")
	cmd.Flags().StringVar(&cn, "cn", "bisect-broker", "certificate common name")
	cmd.Flags().DurationVar(&validFor, "valid-for", 365*24*time.Hour, "certificate lifetime")
	return cmd
}

func newGenKeyCmd() *cobra.Command {
	var hash bool
	cmd := &cobra.Command{
		Use:   "gen-key",
		Short: "Generate an API key",
		Long: `Generate a random API key. With --hash the bcrypt hash is printed as well;
configure the broker with the hash and hand the plain key to workers.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := auth.GenerateAPIKey()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "API key: %s\n", key)
			if hash {
				hashed, err := auth.HashAPIKey(key)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Hash:    %s\n", hashed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&hash, "hash", false, "also print the bcrypt hash for the broker config")
	return cmd
}
