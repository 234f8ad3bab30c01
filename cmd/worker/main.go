package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/psantana5/bisect-farm/pkg/agent"
	"github.com/psantana5/bisect-farm/pkg/bisect"
	"github.com/psantana5/bisect-farm/pkg/config"
	"github.com/psantana5/bisect-farm/pkg/logging"
	"github.com/psantana5/bisect-farm/pkg/metrics"
	"github.com/psantana5/bisect-farm/pkg/models"
	"github.com/psantana5/bisect-farm/pkg/retry"
	"github.com/psantana5/bisect-farm/pkg/shutdown"
	tlsutil "github.com/psantana5/bisect-farm/pkg/tls"
	"github.com/psantana5/bisect-farm/pkg/tracing"
	"github.com/psantana5/bisect-farm/pkg/worker"
)

var version = "dev"

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:          "worker",
		Short:        "Bisection worker",
		Long:         `worker polls the broker, claims one job at a time, runs the bisection tool and reports the outcome.`,
		SilenceUsage: true,
		Version:      version,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadWorker(config.New(), cmd.Flags(), configFile)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "YAML config file")
	config.RegisterWorkerFlags(cmd.Flags())
	return cmd
}

func run(ctx context.Context, cfg *config.WorkerConfig) error {
	logger, err := cfg.Log.Logger("worker")
	if err != nil {
		return err
	}
	defer logger.Close()

	if cfg.RunnerID == "" {
		cfg.RunnerID = worker.DefaultRunnerID()
	}
	if cfg.Platform == "" {
		cfg.Platform = worker.DefaultPlatform()
	}

	shutdownMgr := shutdown.New(cfg.ShutdownTimeout, logger)

	tracer, err := tracing.InitTracer(ctx, tracing.Config{
		ServiceName:    "bisect-worker",
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	shutdownMgr.Register("tracing", tracer.Shutdown)

	client, err := newClient(cfg)
	if err != nil {
		return err
	}
	client.SetRetryConfig(retryConfig(logger))

	healthCtx, cancelHealth := context.WithTimeout(ctx, 10*time.Second)
	if err := client.Health(healthCtx); err != nil {
		logger.Warn("Broker not reachable yet, will keep polling", logging.Fields{"broker": cfg.BrokerURL, "error": err})
	}
	cancelHealth()

	executor := worker.NewBisectExecutor(bisect.Tool{
		Path:      cfg.Tool,
		ExtraArgs: cfg.ToolArgs,
		Timeout:   cfg.ChildTimeout,
		Grace:     cfg.KillGrace,
		Dir:       cfg.WorkDir,
	})
	w, err := worker.New(worker.Config{
		RunnerID:     cfg.RunnerID,
		Platform:     cfg.Platform,
		PollInterval: cfg.PollInterval,
		MinFreeDisk:  cfg.MinFreeDisk,
		WorkDir:      cfg.WorkDir,
	}, client, map[string]worker.Executor{models.JobTypeBisect: executor}, logger)
	if err != nil {
		return err
	}

	workerMetrics := metrics.NewWorkerMetrics()
	w.SetRecorder(workerMetrics)

	if cfg.MetricsListen != "" {
		router := mux.NewRouter()
		router.Handle("/metrics", workerMetrics.Handler()).Methods("GET")
		router.Handle("/health", metrics.HealthHandler(w.CurrentJob)).Methods("GET")
		metricsSrv := &http.Server{
			Addr:              cfg.MetricsListen,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("Metrics server listening", logging.Fields{"addr": cfg.MetricsListen})
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server error", logging.Fields{"error": err})
			}
		}()
		shutdownMgr.Register("metrics-server", shutdown.StopHTTPServer(metricsSrv))
	}

	logger.Info("Worker starting", logging.Fields{
		"runner":        cfg.RunnerID,
		"platform":      cfg.Platform,
		"broker":        cfg.BrokerURL,
		"tool":          cfg.Tool,
		"child_timeout": cfg.ChildTimeout.String(),
		"version":       version,
	})

	loopCtx, stopLoop := context.WithCancel(ctx)
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		w.Run(loopCtx)
	}()
	shutdownMgr.Register("poll-loop", func(ctx context.Context) error {
		stopLoop()
		select {
		case <-loopDone:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("in-flight job %q still running: %w", w.CurrentJob(), ctx.Err())
		}
	})

	shutdownMgr.Wait(ctx)
	return shutdownMgr.Shutdown()
}

func newClient(cfg *config.WorkerConfig) (*agent.Client, error) {
	var client *agent.Client
	if cfg.TLS.Enabled {
		tlsConfig, err := tlsutil.LoadClientConfig(tlsutil.ClientOptions{
			CertFile:           cfg.TLS.CertFile,
			KeyFile:            cfg.TLS.KeyFile,
			CAFile:             cfg.TLS.CAFile,
			InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS config: %w", err)
		}
		client = agent.NewClientWithTLS(cfg.BrokerURL, tlsConfig)
	} else {
		client = agent.NewClient(cfg.BrokerURL)
	}
	if cfg.APIKey != "" {
		client.SetAPIKey(cfg.APIKey)
	}
	return client, nil
}

func retryConfig(logger *logging.Logger) retry.Config {
	rc := retry.DefaultConfig()
	rc.OnRetry = func(err error, next time.Duration) {
		logger.Debug("Retrying broker request", logging.Fields{"error": err, "backoff": next.String()})
	}
	return rc
}
