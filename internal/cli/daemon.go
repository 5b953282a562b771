package cli

// ============================================================================
// 職責說明：
// 1. 依設定組裝所有元件（store、event log、hub、controller、reaper、server）
// 2. 以 errgroup 同時服務 HTTP 與 gRPC
// 3. context 結束時依相反順序關閉
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/ChuLiYu/docflow/internal/broadcast"
	"github.com/ChuLiYu/docflow/internal/config"
	"github.com/ChuLiYu/docflow/internal/controller"
	"github.com/ChuLiYu/docflow/internal/engine"
	"github.com/ChuLiYu/docflow/internal/engine/ocrmypdf"
	"github.com/ChuLiYu/docflow/internal/eventlog"
	"github.com/ChuLiYu/docflow/internal/fallback"
	"github.com/ChuLiYu/docflow/internal/metrics"
	"github.com/ChuLiYu/docflow/internal/reaper"
	"github.com/ChuLiYu/docflow/internal/server"
	"github.com/ChuLiYu/docflow/internal/storage"
	"github.com/ChuLiYu/docflow/internal/storage/badger"
	"github.com/ChuLiYu/docflow/internal/storage/filestore"
	"github.com/ChuLiYu/docflow/internal/storage/memory"
	"github.com/ChuLiYu/docflow/internal/storage/postgres"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// daemon is one fully wired docflow process.
type daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	store  storage.Store
	hub    *broadcast.Hub
	reg    *controller.Registry
	reaper *reaper.Reaper
	srv    *server.Server

	httpSrv *http.Server
	httpLis net.Listener
	grpcSrv *grpc.Server
	grpcLis net.Listener
}

type daemonOption func(*daemonOptions)

type daemonOptions struct {
	engine engine.Engine
}

// withEngine replaces the OCRmyPDF adapter.
func withEngine(eng engine.Engine) daemonOption {
	return func(o *daemonOptions) { o.engine = eng }
}

// newDaemon wires every component and binds the listeners. Nothing runs until Run.
func newDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...daemonOption) (*daemon, error) {
	var o daemonOptions
	for _, opt := range opts {
		opt(&o)
	}

	for _, dir := range []string{cfg.Server.UploadDir, cfg.Engine.WorkDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	store, err := openStore(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	d := &daemon{cfg: cfg, logger: logger, store: store}
	ready := false
	defer func() {
		if !ready {
			d.closeListeners()
			store.Close()
		}
	}()

	// 1. 指標
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(promReg)

	// 2. Event Log 與 Hub
	events := eventlog.New(store,
		eventlog.WithStoreTimeout(cfg.Events.StoreTimeout.Std()),
		eventlog.WithLogger(logger.With("component", "eventlog")),
	)
	events.SetFailureRecorder(collector)
	d.hub = broadcast.NewHub(broadcast.Config{
		DeliveryTimeout:  cfg.Broadcast.DeliveryTimeout.Std(),
		ProgressInterval: cfg.Broadcast.ProgressInterval.Std(),
		QueueSize:        cfg.Broadcast.QueueSize,
		Logger:           logger.With("component", "broadcast"),
	})
	d.hub.SetFailureRecorder(collector)

	// 3. 引擎與 fallback controller
	eng := o.engine
	if eng == nil {
		eng = ocrmypdf.New(ocrmypdf.Config{
			Binary:  cfg.Engine.OCRmyPDF,
			WorkDir: cfg.Engine.WorkDir,
			Jobs:    cfg.Engine.Jobs,
			Logger:  logger.With("component", "engine"),
		})
	}
	runner := fallback.New(eng, fallback.Config{
		ImageDPI:    cfg.Engine.ImageDPI,
		SafeDPI:     cfg.Engine.SafeDPI,
		CallTimeout: cfg.Engine.CallTimeout.Std(),
		Grace:       cfg.Engine.Grace.Std(),
		Logger:      logger.With("component", "fallback"),
		Recorder:    collector,
	})

	// 4. Registry 與 Reaper
	d.reg = controller.NewRegistry(controller.Config{
		WorkerCount:     cfg.Worker.WorkerCount,
		DefaultDeadline: cfg.Worker.DefaultDeadline.Std(),
		StoreTimeout:    cfg.Events.StoreTimeout.Std(),
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Std(),
		Logger:          logger.With("component", "registry"),
		Metrics:         collector,
	}, store, events, d.hub, runner)
	collector.ObserveJobs(d.reg)
	collector.ObserveSubscribers(d.hub)
	collector.ObserveQueue(d.reg)

	d.reaper = reaper.New(d.reg, reaper.Config{
		Interval:        cfg.Reaper.Interval.Std(),
		GracePeriod:     cfg.Reaper.GracePeriod.Std(),
		Retention:       cfg.Reaper.Retention.Std(),
		MaxRetainedJobs: cfg.Reaper.MaxRetainedJobs,
		Remover:         reaper.DirRemover{WorkDir: cfg.Engine.WorkDir, UploadDir: cfg.Server.UploadDir},
		Logger:          logger.With("component", "reaper"),
	})

	// 5. 對外介面
	srvCfg := server.Config{
		AdminPrincipals: cfg.Server.AdminPrincipals,
		UploadDir:       cfg.Server.UploadDir,
		InputRoots:      cfg.Server.InputRoots,
		MaxUploadBytes:  cfg.Server.MaxUploadBytes,
		Logger:          logger.With("component", "server"),
	}
	if cfg.Metrics.Enabled {
		srvCfg.MetricsPath = cfg.Metrics.Path
		srvCfg.MetricsHandler = metrics.Handler(promReg)
	}
	d.srv = server.New(d.reg, d.hub, srvCfg)

	if d.httpLis, err = net.Listen("tcp", cfg.Server.HTTPAddr); err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Server.HTTPAddr, err)
	}
	d.httpSrv = &http.Server{
		Handler:           d.srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	if cfg.Server.GRPCAddr != "" {
		if d.grpcLis, err = net.Listen("tcp", cfg.Server.GRPCAddr); err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", cfg.Server.GRPCAddr, err)
		}
		d.grpcSrv = grpc.NewServer()
		d.srv.RegisterGRPC(d.grpcSrv)
	}
	ready = true
	return d, nil
}

// openStore opens the durable store selected by the config.
func openStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		return memory.New(), nil
	case config.DriverFile:
		s, err := filestore.Open(cfg.Dir, cfg.SyncOnAppend, filestore.WithCompactEvery(cfg.CompactEvery))
		if err != nil {
			return nil, fmt.Errorf("failed to open file store: %w", err)
		}
		return s, nil
	case config.DriverBadger:
		s, err := badger.Open(cfg.Dir, logger.With("component", "badger"))
		if err != nil {
			return nil, fmt.Errorf("failed to open badger store: %w", err)
		}
		return s, nil
	case config.DriverPostgres:
		s, err := postgres.Open(ctx, cfg.DSN, logger.With("component", "postgres"))
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// HTTPAddr returns the bound HTTP address.
func (d *daemon) HTTPAddr() string { return d.httpLis.Addr().String() }

// GRPCAddr returns the bound gRPC address, empty when gRPC is disabled.
func (d *daemon) GRPCAddr() string {
	if d.grpcLis == nil {
		return ""
	}
	return d.grpcLis.Addr().String()
}

// Run serves until ctx ends or a listener fails, then shuts down.
func (d *daemon) Run(ctx context.Context) error {
	if err := d.reg.Start(); err != nil {
		d.closeListeners()
		d.store.Close()
		return fmt.Errorf("failed to start registry: %w", err)
	}
	if err := d.reaper.Start(); err != nil {
		d.closeListeners()
		d.reg.Stop(context.Background())
		d.store.Close()
		return fmt.Errorf("failed to start reaper: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d.logger.Info("http server listening", "addr", d.HTTPAddr())
		if err := d.httpSrv.Serve(d.httpLis); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if d.grpcSrv != nil {
		g.Go(func() error {
			d.logger.Info("grpc server listening", "addr", d.GRPCAddr())
			if err := d.grpcSrv.Serve(d.grpcLis); err != nil {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return d.shutdown()
	})

	err := g.Wait()
	d.logger.Info("docflow stopped")
	return err
}

// shutdown 依相反順序關閉：
// 1. 停止接受請求 2. 停止 reaper 3. 停止 registry（等待執行中的任務）
// 4. 關閉 hub 5. 關閉 store
func (d *daemon) shutdown() error {
	d.logger.Info("shutting down")
	timeout := d.cfg.Server.ShutdownTimeout.Std()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := d.httpSrv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	d.srv.Close()
	if d.grpcSrv != nil {
		stopped := make(chan struct{})
		go func() {
			d.grpcSrv.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			d.grpcSrv.Stop()
		}
	}

	d.reaper.Stop()
	if err := d.reg.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("registry stop: %w", err))
	}
	d.hub.Close()
	if err := d.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}
	return errors.Join(errs...)
}

func (d *daemon) closeListeners() {
	if d.httpLis != nil {
		d.httpLis.Close()
	}
	if d.grpcLis != nil {
		d.grpcLis.Close()
	}
}
