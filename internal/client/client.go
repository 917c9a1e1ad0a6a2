package client

import (
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pixelkiln/server/internal/domain"
	"github.com/pixelkiln/server/internal/infra"
	"github.com/pixelkiln/server/internal/offline"
	"github.com/pixelkiln/server/internal/poll"
	"github.com/pixelkiln/server/internal/storage"
)

// Runtime bundles the device-side pieces — connectivity monitor, durable
// offline queue, status poller — constructed once from config and run
// together. All state lives on the instance; nothing is package-global.
type Runtime struct {
	Monitor *offline.Monitor
	Queue   *offline.Queue
	Poller  *poll.Poller
}

// Options name the collaborators the runtime cannot build itself.
type Options struct {
	Probe     offline.Probe
	Registrar offline.Registrar
	Jobs      poll.JobSource
	Redis     *redis.Client
	OnChange  func(poll.Status)
}

// New wires the client runtime from config: the offline queue persists under
// cfg.StoragePath with the configured capacity and drain pacing, the monitor
// probes on cfg.ConnectivityProbe, the poller ticks on cfg.PollInterval.
// When a Registrar is given, drained generation submissions replay through
// it.
func New(cfg *infra.Config, logger zerolog.Logger, opts Options) (*Runtime, error) {
	store, err := storage.NewFileStore(cfg.StoragePath)
	if err != nil {
		return nil, err
	}
	q := offline.NewQueue(store, logger, offline.QueueOptions{
		Max:         cfg.OfflineQueueMax,
		ItemTimeout: cfg.DrainItemTimeout,
		ItemDelay:   cfg.DrainItemDelay,
	})
	if opts.Registrar != nil {
		q.Handle(domain.OpGenerationSubmit, offline.GenerationSubmitHandler(opts.Registrar))
	}

	rt := &Runtime{
		Monitor: offline.NewMonitor(opts.Probe, cfg.ConnectivityProbe, logger),
		Queue:   q,
	}
	if opts.Jobs != nil {
		rt.Poller = poll.NewPoller(opts.Jobs, opts.Redis, logger, cfg.PollInterval, opts.OnChange)
	}
	return rt, nil
}

// Run starts the monitor, the reconnect drain, and the poller when present,
// and blocks until ctx is cancelled.
func (r *Runtime) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.Monitor.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		offline.AutoDrain(ctx, r.Monitor, r.Queue)
	}()
	if r.Poller != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Poller.Run(ctx)
		}()
	}
	wg.Wait()
}

// HealthProbe decides reachability by pinging the API health endpoint. Link
// detail is invisible from userland HTTP, so online observations carry
// unknown metadata.
func HealthProbe(hc *http.Client, url string) offline.Probe {
	if hc == nil {
		hc = http.DefaultClient
	}
	return func(ctx context.Context) offline.Status {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return offline.Status{Online: false}
		}
		resp, err := hc.Do(req)
		if err != nil {
			return offline.Status{Online: false}
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		// a degraded backend still proves the network path works
		return offline.Status{Online: true, Link: offline.LinkUnknown, Signal: offline.SignalUnknown}
	}
}
