package turbogate

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// housekeepingInterval drives the periodic per-IP table sweep and backend
// gauge refresh.
const housekeepingInterval = 60 * time.Second

// Runtime composes every component into one process: the server pool, the
// health supervisor, the set of frontends, and the stats HTTP surface. It is
// split out of main() so --check mode can build everything but Run() without
// binding any socket.
type Runtime struct {
	Config *Config
	Pool   *Pool
	Health *HealthSupervisor
	Stats  *StatsServer

	frontends    []*Frontend
	activeGlobal int64
	log          *logrus.Entry

	statsServer *http.Server
}

// NewRuntime builds every in-memory component from cfg but does not listen
// on any socket.
func NewRuntime(cfg *Config, log *logrus.Logger) (*Runtime, error) {
	pool, err := NewPool(cfg.Backends)
	if err != nil {
		return nil, err
	}

	metrics := NewMetrics()
	entry := log.WithField("component", "runtime")

	rt := &Runtime{
		Config: cfg,
		Pool:   pool,
		Health: NewHealthSupervisor(pool, log.WithField("component", "health"), metrics),
		Stats:  &StatsServer{Addr: cfg.StatsBind, Metrics: metrics},
		log:    entry,
	}

	global := &GlobalLimits{MaxConn: int64(cfg.Global.MaxConn)}
	for _, fd := range cfg.Frontends {
		rt.frontends = append(rt.frontends, NewFrontend(fd, pool, global, &rt.activeGlobal, metrics, log.WithField("component", "frontend")))
	}
	return rt, nil
}

// Run binds every frontend listener and the stats HTTP server, then blocks
// until ctx is cancelled, at which point it drains: stops accepting new
// connections, flips /healthz to 503, and waits for in-flight frontend
// accept loops to exit before returning.
func (rt *Runtime) Run(ctx context.Context) error {
	for _, fe := range rt.frontends {
		if err := fe.Listen(); err != nil {
			return err
		}
	}

	healthCtx, healthCancel := context.WithCancel(ctx)
	go rt.Health.Run(healthCtx)

	if rt.Config.StatsBind != "" {
		rt.statsServer = &http.Server{Addr: rt.Config.StatsBind, Handler: rt.Stats.Handler()}
		go func() {
			if err := rt.statsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				rt.log.WithError(err).Error("stats server failed")
			}
		}()
	}

	go rt.housekeeping(ctx)

	var done []chan struct{}
	for _, fe := range rt.frontends {
		fe := fe
		ch := make(chan struct{})
		done = append(done, ch)
		go func() {
			fe.Serve(ctx)
			close(ch)
		}()
	}

	<-ctx.Done()
	rt.log.Info("shutdown signal received, draining")
	rt.Stats.SetDraining(true)

	for _, ch := range done {
		<-ch
	}
	healthCancel()
	rt.Health.Stop()

	if rt.statsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		rt.statsServer.Shutdown(shutdownCtx)
	}

	rt.log.Info("shutdown complete")
	return nil
}

func (rt *Runtime) housekeeping(ctx context.Context) {
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, b := range rt.Pool.All() {
				b.Limits.sweep()
			}
			rt.Stats.Metrics.refreshBackendGauges(rt.Pool)
		}
	}
}
