package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/andrej220/vdctl/internal/lg"
	"github.com/andrej220/vdctl/internal/remote"
	"github.com/andrej220/vdctl/internal/retry"
	"github.com/andrej220/vdctl/internal/serverutil"
	"github.com/andrej220/vdctl/pkg/config"
	"github.com/andrej220/vdctl/pkg/kafkautil"
	"github.com/andrej220/vdctl/pkg/models"
	"github.com/andrej220/vdctl/pkg/report"
	"github.com/andrej220/vdctl/pkg/workerpool"
	"golang.org/x/sync/errgroup"
)

const (
	readErrorPause = time.Second
	saveTimeout    = 10 * time.Second
)

var errDropped = errors.New("request dropped at shutdown")

type requestSource interface {
	Read(ctx context.Context) (models.Request, error)
	Close() error
}

type worker struct {
	cfg      atomic.Pointer[config.Config]
	breakers atomic.Pointer[retry.Breakers]
	source   requestSource
	store    report.Store
	pool     *workerpool.Pool[models.Request]
	logger   lg.Logger

	// test hooks
	runner    remote.Executor
	console   io.Writer
	retryOpts []retry.Option
}

func newWorker(cfg *config.Config, source requestSource, store report.Store, logger lg.Logger) *worker {
	w := &worker{
		source: source,
		store:  store,
		pool:   workerpool.NewPool[models.Request](cfg.Worker.MaxWorkers, logger),
		logger: logger,
	}
	w.setConfig(cfg)
	return w
}

// setConfig stores cfg and resets the per-host breakers when their
// settings changed.
func (w *worker) setConfig(cfg *config.Config) {
	w.cfg.Store(cfg)
	if b := w.breakers.Load(); b == nil || b.Settings() != cfg.BreakerSettings() {
		w.breakers.Store(retry.NewBreakers(cfg.BreakerSettings()))
	}
}

// reload swaps the config used for sessions started from now on.
func (w *worker) reload(cfg *config.Config) {
	w.setConfig(cfg)
	w.logger.Info("Configuration reloaded",
		lg.Int("retry_attempts", cfg.Retry.MaxAttempts),
		lg.Duration("retry_sleep", cfg.Retry.BaseSleep))
}

// run consumes requests and serves the health endpoint until ctx is done
// or one of them fails, then waits for in-flight requests. Queued requests
// that never started are reported as dropped.
func (w *worker) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if w.source != nil {
		g.Go(func() error { return w.consume(gctx) })
	}
	if addr := w.cfg.Load().Worker.HealthAddr; addr != "" {
		g.Go(func() error {
			return serverutil.RunServer(gctx, w.routes(gctx), serverutil.DefaultServerConfig(addr), w.logger, nil)
		})
	}
	err := g.Wait()
	w.pool.Stop()
	return err
}

func (w *worker) consume(ctx context.Context) error {
	for {
		req, err := w.source.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, kafkautil.ErrDecode) {
				continue
			}
			w.logger.Error("Reading request failed", lg.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(readErrorPause):
			}
			continue
		}
		w.logger.Debug("Received request", lg.Any("request", req))
		if err := w.submit(ctx, req); errors.Is(err, workerpool.ErrPoolStopped) || ctx.Err() != nil {
			return nil
		}
	}
}

// submit validates req and queues it. Invalid requests are reported
// without touching the instance. A queued request outlives ctx: it runs to
// completion, or gets a failed report if the pool stops before it starts.
func (w *worker) submit(ctx context.Context, req models.Request) error {
	id := req.EnsureID()
	logger := w.logger.With(lg.String("request_id", id), lg.String("op", string(req.Op)))
	if err := req.Validate(); err != nil {
		logger.Warn("Rejecting request", lg.Err(err))
		w.reject(ctx, req, err)
		return err
	}

	var started atomic.Bool
	err := w.pool.Submit(ctx, workerpool.Job[models.Request]{
		Payload: req,
		Fn: func(ctx context.Context, req models.Request) error {
			started.Store(true)
			return w.handle(ctx, req)
		},
		Ctx: lg.Attach(context.WithoutCancel(ctx), logger),
		CleanupFunc: func() {
			if !started.Load() {
				logger.Warn("Request dropped at shutdown")
				w.reject(ctx, req, errDropped)
			}
		},
	})
	if err != nil {
		logger.Warn("Request not queued", lg.Err(err))
		w.reject(ctx, req, fmt.Errorf("%w: %v", errDropped, err))
	}
	return err
}

// reject stores a single failed entry for a request that never ran.
func (w *worker) reject(ctx context.Context, req models.Request, err error) {
	host := remote.Endpoint{External: req.ExternalIP, Internal: req.InternalIP}.Resolve(req.UseInternal)
	rec := report.NewRecorder(req.ID, host)
	rec.Record(report.Entry{Operation: string(req.Op), ExitCode: -1, Started: time.Now().UTC(), Error: err.Error()})
	w.save(ctx, rec.Report())
}

// handle executes one request on a session of its own and stores the report.
// It logs through the logger attached to ctx.
func (w *worker) handle(ctx context.Context, req models.Request) error {
	cfg := w.cfg.Load()
	logger := lg.FromContext(ctx)

	endpoint := remote.Endpoint{External: req.ExternalIP, Internal: req.InternalIP}
	rec := report.NewRecorder(req.ID, endpoint.Resolve(req.UseInternal))
	user := req.User
	if user == "" {
		user = cfg.SSH.User
	}

	err := func() error {
		s, err := remote.New(remote.Options{
			Endpoint:      endpoint,
			UseInternal:   req.UseInternal,
			User:          user,
			KeyPath:       cfg.SSH.PrivateKeyPath,
			ExtraArgs:     cfg.SSH.ExtraArgs,
			CheckIdentity: cfg.SSH.CheckIdentity,
			Builder:       cfg.Builder(),
			Classifier:    cfg.Classifier(),
			Policy:        cfg.RetryPolicy(),
			Breakers:      w.breakers.Load(),
			Runner:        w.runner,
			Logger:        logger,
			Console:       w.console,
			Recorder:      rec,
			RetryOptions:  w.retryOpts,
		})
		if err != nil {
			return err
		}
		return execute(ctx, s, req, cfg)
	}()
	if err != nil {
		if rec.Report().Entries == nil {
			rec.Record(report.Entry{Operation: string(req.Op), ExitCode: -1, Started: time.Now().UTC(), Error: err.Error()})
		}
		logger.Warn("Request failed", lg.Err(err))
	}
	w.save(ctx, rec.Report())
	return err
}

func execute(ctx context.Context, s *remote.Session, req models.Request, cfg *config.Config) error {
	switch req.Op {
	case models.OpRun:
		return s.RunCommand(ctx, req.Command, remote.WithTimeout(req.Timeout()), remote.WithShowOutput(req.ShowOutput))
	case models.OpPush:
		return s.PushFile(ctx, req.Local, req.Remote)
	case models.OpPull:
		return s.PullFile(ctx, req.Remote, req.Local)
	case models.OpWait:
		timeout := req.Timeout()
		if timeout == 0 {
			timeout = cfg.Wait.Timeout
		}
		attempts := req.Attempts
		if attempts == 0 {
			attempts = cfg.Wait.MaxAttempts
		}
		return s.WaitUntilReachable(ctx, timeout, attempts)
	default:
		return fmt.Errorf("unsupported operation %q", req.Op)
	}
}

func (w *worker) save(ctx context.Context, r report.Report) {
	if w.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	if err := w.store.Save(ctx, r); err != nil {
		w.logger.Error("Saving report failed", lg.String("request_id", r.ID), lg.Err(err))
	}
}

type submitResponse struct {
	ID string `json:"id"`
}

type healthResponse struct {
	Status        string `json:"status"`
	ActiveWorkers int32  `json:"activeWorkers"`
	MaxWorkers    int    `json:"maxWorkers"`
}

func (w *worker) routes(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		_ = serverutil.WriteJSON(rw, http.StatusOK, healthResponse{
			Status:        "ok",
			ActiveWorkers: w.pool.ActiveWorkers(),
			MaxWorkers:    w.pool.MaxWorkers(),
		})
	})
	mux.Handle("/requests", serverutil.NewValidationHandler[models.Request](http.HandlerFunc(
		func(rw http.ResponseWriter, r *http.Request) {
			req, _ := serverutil.RequestFrom[models.Request](r.Context())
			req.EnsureID()
			if err := w.submit(ctx, req); err != nil {
				http.Error(rw, err.Error(), http.StatusServiceUnavailable)
				return
			}
			_ = serverutil.WriteJSON(rw, http.StatusAccepted, submitResponse{ID: req.ID})
		})))
	return mux
}
