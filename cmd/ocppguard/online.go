package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hed1ad/ocppguard/pkg/api"
	"github.com/hed1ad/ocppguard/pkg/cache"
	"github.com/hed1ad/ocppguard/pkg/metrics"
	"github.com/hed1ad/ocppguard/pkg/modelstore"
	"github.com/hed1ad/ocppguard/pkg/online"
	"github.com/hed1ad/ocppguard/pkg/scoring"
	"github.com/hed1ad/ocppguard/pkg/store"
	"github.com/hed1ad/ocppguard/pkg/training"
)

const shutdownTimeout = 10 * time.Second

// service wires the store, cache, model and loop for long-running commands.
type service struct {
	db      *store.Store
	cache   *cache.AnomalyCache
	eng     *engine
	scorer  *scoring.Scorer
	metrics *metrics.Collector
	loop    *online.Loop
}

func newService(ctx context.Context) (*service, error) {
	s := &service{}

	var err error
	s.db, err = openStore()
	if err != nil {
		return nil, err
	}

	if cfg.RedisAddr != "" {
		s.cache, err = cache.Dial(ctx, cfg.RedisAddr)
		if err != nil {
			s.Close()
			return nil, err
		}
	}

	s.eng, err = newEngine()
	if err != nil {
		s.Close()
		return nil, err
	}
	switch err := s.eng.load(ctx); {
	case errors.Is(err, modelstore.ErrModelNotFound):
		log.Warn("no trained model found; the first cycle will train one")
	case err != nil:
		s.Close()
		return nil, err
	}

	s.scorer, err = s.eng.scorer(scoring.WithHistory(cfg.SequenceLength - 1))
	if err != nil {
		s.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.metrics = metrics.New(reg)

	pipeline, err := training.New(s.eng.model, s.eng.norm, s.eng.extractor,
		training.WithSource(s.db),
		training.WithStore(s.eng.models),
		training.WithTrainConfig(cfg.OnlineTrainConfig()),
		training.WithKind(cfg.Kind),
		training.WithLogger(log.WithField("component", "training")),
	)
	if err != nil {
		s.Close()
		return nil, err
	}

	sinks := []online.Sink{online.SinkFunc(s.db.SaveAnomalies)}
	if s.cache != nil {
		sinks = append(sinks, s.cache)
	}

	s.loop, err = online.New(s.db, s.scorer, pipeline,
		online.WithConfig(cfg.LoopConfig()),
		online.WithSink(sinks...),
		online.WithMetrics(s.metrics),
		online.WithLogger(log.WithField("component", "online")),
	)
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *service) Close() {
	if s.cache != nil {
		s.cache.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
}

// listen serves h on addr until ctx is cancelled, then shuts down
// gracefully.
func listen(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// runLoop runs the online loop and treats cancellation as a clean exit.
func runLoop(ctx context.Context, l *online.Loop) error {
	if err := l.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func loopFlags(cmd *cobra.Command) {
	cmd.Flags().DurationVar(&cfg.PollInterval, "poll", cfg.PollInterval, "Poll interval")
	cmd.Flags().DurationVar(&cfg.RetrainInterval, "retrain", cfg.RetrainInterval, "Retrain interval")
	cmd.Flags().DurationVar(&cfg.InitialLookback, "lookback", cfg.InitialLookback, "Window of the first poll")
	cmd.Flags().IntVar(&cfg.OnlineEpochs, "online-epochs", cfg.OnlineEpochs, "Epochs per retrain")
}

// onlineCmd runs the poll, score and retrain loop
func onlineCmd() *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "online",
		Short: "Run continuous detection with periodic retraining",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			svc, err := newService(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			if metricsAddr != "" {
				go func() {
					if err := listen(ctx, metricsAddr, svc.metrics.Handler()); err != nil {
						log.WithError(err).Error("metrics listener stopped")
					}
				}()
				log.WithField("addr", metricsAddr).Info("serving metrics")
			}

			return runLoop(ctx, svc.loop)
		},
	}

	loopFlags(cmd)
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "Serve Prometheus metrics on this address (empty to disable)")
	return cmd
}

// serveCmd starts the REST API server
func serveCmd() *cobra.Command {
	var withLoop bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the REST API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			svc, err := newService(ctx)
			if err != nil {
				return err
			}
			defer svc.Close()

			opts := []api.Option{
				api.WithStore(svc.db),
				api.WithMetrics(svc.metrics),
				api.WithReadiness(svc.eng.model.Trained),
				api.WithLogger(log.WithField("component", "api")),
			}
			if svc.cache != nil {
				opts = append(opts, api.WithCache(svc.cache))
			}
			// Requests are scored independently of the loop's window history.
			detect, err := svc.eng.scorer()
			if err != nil {
				return err
			}
			server := api.NewServer(detect, opts...)

			loopDone := make(chan error, 1)
			if withLoop {
				go func() {
					loopDone <- runLoop(ctx, svc.loop)
				}()
			} else {
				loopDone <- nil
			}

			log.WithFields(logrus.Fields{
				"addr":   cfg.ListenAddr,
				"online": withLoop,
			}).Info("OCPPGuard API server listening")
			fmt.Println("Available endpoints:")
			fmt.Println("  GET  /health")
			fmt.Println("  POST /api/v1/detect")
			fmt.Println("  GET  /api/v1/anomalies")
			fmt.Println("  GET  /api/v1/anomalies/{charger_id}")
			fmt.Println("  GET  /api/v1/stats")
			fmt.Println("  GET  /metrics")
			fmt.Println()

			err = listen(ctx, cfg.ListenAddr, server.Router())
			cancel()
			if loopErr := <-loopDone; err == nil {
				err = loopErr
			}
			return err
		},
	}

	loopFlags(cmd)
	cmd.Flags().StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP listen address")
	cmd.Flags().BoolVar(&withLoop, "online", true, "Run the online loop alongside the API")
	return cmd
}
