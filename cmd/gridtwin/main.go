// Command gridtwin runs the urban grid coordinator: the tick loop, the
// control gRPC server, Prometheus metrics, snapshot persistence and, when a
// NATS URL is configured, the traffic and power-flow bridges.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/gridtwin/core"
	"github.com/signalsfoundry/gridtwin/internal/bridge"
	"github.com/signalsfoundry/gridtwin/internal/config"
	"github.com/signalsfoundry/gridtwin/internal/control"
	"github.com/signalsfoundry/gridtwin/internal/logging"
	"github.com/signalsfoundry/gridtwin/internal/observability"
	"github.com/signalsfoundry/gridtwin/internal/sim/state"
	"github.com/signalsfoundry/gridtwin/internal/snapshot"
	"github.com/signalsfoundry/gridtwin/kb"
	"github.com/signalsfoundry/gridtwin/timectrl"
)

func main() {
	log := logging.NewFromEnv(os.Getenv)
	if err := run(log); err != nil {
		log.Error(context.Background(), "gridtwin exited", logging.Err(err))
		os.Exit(1)
	}
}

func run(log logging.Logger) error {
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracingCfg, err := observability.TracingConfigFromEnv(os.Getenv)
	if err != nil {
		return err
	}
	shutdownTracing, err := observability.InitTracing(ctx, tracingCfg, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	start := cfg.Start
	if start.IsZero() {
		start = time.Now().UTC()
	}
	topo, err := loadTopology(cfg.TopologyPath, core.PeriodAt(start), log)
	if err != nil {
		return err
	}

	collector, err := observability.NewGridCollector(nil)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()
	writer := snapshot.NewWriter(store, log)

	var traffic bridge.TrafficSink = bridge.NoopTraffic{}
	var powerFlow bridge.PowerFlowSource = bridge.NoopPowerFlow{}
	var vehicles bridge.VehicleSource = bridge.NoopTraffic{}
	if cfg.NATSURL != "" {
		nc, err := bridge.DialNATS(cfg.NATS(), log)
		if err != nil {
			return err
		}
		defer nc.Close()
		traffic, powerFlow, vehicles = nc, nc, nc
		log.Info(ctx, "connected to nats", logging.String("url", cfg.NATSURL))
	}

	tc := timectrl.NewTimeController(start, cfg.Tick, cfg.ClockMode())
	tc.SetSpeed(cfg.Speed)
	engine, err := state.NewEngine(topo, tc, cfg.Engine(),
		state.WithTraffic(traffic),
		state.WithSnapshotSink(writer),
		state.WithMetricsRecorder(collector),
		state.WithLogger(log),
	)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	engine.Attach(ctx, tc)

	server, healthSrv := control.NewGRPCServer(control.NewService(engine, tc, log), log, collector.UnaryServerInterceptor())
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.GRPCAddr, err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info(gctx, "starting control gRPC server", logging.String("addr", cfg.GRPCAddr))
		if err := server.Serve(lis); err != nil && !errors.Is(err, net.ErrClosed) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info(context.Background(), "shutting down control server")
		healthSrv.Shutdown()
		server.GracefulStop()
		return nil
	})

	if cfg.MetricsAddr != "" {
		metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(collector), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			log.Info(gctx, "serving Prometheus metrics", logging.String("addr", cfg.MetricsAddr))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error { return writer.Run(gctx) })
	g.Go(func() error {
		reportDrops(gctx, writer, collector.Admission)
		return nil
	})

	g.Go(func() error {
		return powerFlow.SubscribePowerFlow(gctx, func(st bridge.SubstationStatus) {
			if err := engine.ApplyPowerFlow(gctx, st); err != nil {
				log.Warn(gctx, "power-flow report not applied", logging.String("substation_id", st.ID), logging.Err(err))
			}
		})
	})
	g.Go(func() error {
		return vehicles.SubscribeVehicles(gctx, func(b bridge.VehicleBatch) {
			if err := engine.ApplyVehicles(gctx, b); err != nil {
				log.Warn(gctx, "vehicle frame not applied", logging.Int("vehicles", len(b.Vehicles)), logging.Err(err))
			}
		})
	})

	g.Go(func() error {
		log.Info(gctx, "starting simulation clock",
			logging.SimTime(start),
			logging.Duration("tick", cfg.Tick),
			logging.String("mode", cfg.Mode),
			logging.Float("speed", tc.Speed()),
		)
		<-tc.Run(gctx, cfg.Duration)
		if gctx.Err() == nil {
			log.Info(gctx, "simulation duration reached", logging.Duration("duration", cfg.Duration))
			stop()
		}
		return nil
	})

	return g.Wait()
}

func loadTopology(path string, period core.Period, log logging.Logger) (*kb.Topology, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open topology: %w", err)
	}
	defer f.Close()

	topo, summary, err := core.LoadTopology(f, core.LoadOptions{Period: period})
	if err != nil {
		return nil, err
	}
	log.Info(context.Background(), "loaded topology",
		logging.String("path", path),
		logging.Int("substations", summary.Substations),
		logging.Int("transformers", summary.Transformers),
		logging.Int("signals", summary.Signals),
		logging.Int("stations", summary.Stations),
		logging.Int("ports", summary.Ports),
	)
	return topo, nil
}

func openStore(ctx context.Context, cfg config.Config, log logging.Logger) (snapshot.Store, func(), error) {
	if cfg.RedisAddr == "" {
		log.Info(ctx, "keeping snapshots in memory", logging.Int("history", cfg.SnapshotHistory))
		return snapshot.NewMemoryStore(cfg.SnapshotHistory), func() {}, nil
	}
	client := snapshot.NewRedisClient(cfg.Redis())
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect to redis %s: %w", cfg.RedisAddr, err)
	}
	log.Info(ctx, "persisting snapshots to redis", logging.String("addr", cfg.RedisAddr), logging.String("prefix", cfg.RedisPrefix))
	return snapshot.NewRedisStore(client, cfg.Redis()), func() { _ = client.Close() }, nil
}

func metricsMux(collector *observability.GridCollector) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// reportDrops feeds the writer's superseded-snapshot count into metrics.
func reportDrops(ctx context.Context, w *snapshot.Writer, adm *observability.AdmissionCollector) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := w.Dropped()
			adm.AddSnapshotDrops(now - last)
			last = now
		}
	}
}
