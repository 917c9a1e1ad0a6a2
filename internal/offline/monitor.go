package offline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// LinkType is the coarse transport an observation rode on. Probes that
// cannot tell report LinkUnknown.
type LinkType string

const (
	LinkWifi     LinkType = "wifi"
	LinkCellular LinkType = "cellular"
	LinkEthernet LinkType = "ethernet"
	LinkNone     LinkType = "none"
	LinkUnknown  LinkType = "unknown"
)

// Signal grades link quality coarsely; it is a UI hint, never a scheduling
// input.
type Signal string

const (
	SignalGood    Signal = "good"
	SignalPoor    Signal = "poor"
	SignalUnknown Signal = "unknown"
)

// Status is one connectivity observation: reachability plus whatever link
// metadata the probe could see.
type Status struct {
	Online bool
	Link   LinkType
	Signal Signal
}

// Probe samples connectivity right now. An HTTP health ping in production, a
// stub in tests.
type Probe func(ctx context.Context) Status

// ChangeKind distinguishes the two edges of a connectivity transition.
type ChangeKind string

const (
	WentOffline ChangeKind = "went_offline"
	BackOnline  ChangeKind = "back_online"
)

// Change is one connectivity transition delivered to subscribers, carrying
// the link metadata of the observation that caused it.
type Change struct {
	Kind   ChangeKind
	Link   LinkType
	Signal Signal
	At     time.Time
}

// Monitor tracks connectivity with a periodic probe and notifies subscribers
// only on transitions, never on steady state.
type Monitor struct {
	probe    Probe
	interval time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	current Status
	subs    map[string]chan Change
}

// NewMonitor assumes connectivity until the first probe says otherwise, so a
// fresh client does not queue operations it could have sent.
func NewMonitor(probe Probe, interval time.Duration, logger zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Monitor{
		probe:    probe,
		interval: interval,
		logger:   logger,
		current:  Status{Online: true, Link: LinkUnknown, Signal: SignalUnknown},
		subs:     make(map[string]chan Change),
	}
}

// Online reports the last observed connectivity state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.Online
}

// Current returns the last full observation, link metadata included.
func (m *Monitor) Current() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Subscribe registers for transition notifications. The returned cancel
// function must be called to release the subscription.
func (m *Monitor) Subscribe(buf int) (<-chan Change, func()) {
	if buf <= 0 {
		buf = 4
	}
	ch := make(chan Change, buf)
	id := uuid.NewString()

	m.mu.Lock()
	m.subs[id] = ch
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
		m.mu.Unlock()
	}
}

// Run probes on the interval until ctx is cancelled. An immediate probe runs
// first so startup state is fresh.
func (m *Monitor) Run(ctx context.Context) {
	m.observe(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.observe(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) observe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.interval)
	status := m.probe(probeCtx)
	cancel()
	if status.Link == "" {
		status.Link = LinkUnknown
		if !status.Online {
			status.Link = LinkNone
		}
	}
	if status.Signal == "" {
		status.Signal = SignalUnknown
	}

	m.mu.Lock()
	changed := status.Online != m.current.Online
	m.current = status
	var targets []chan Change
	if changed {
		for _, ch := range m.subs {
			targets = append(targets, ch)
		}
	}
	m.mu.Unlock()

	if !changed {
		return
	}
	kind := WentOffline
	if status.Online {
		kind = BackOnline
	}
	m.logger.Info().
		Str("transition", string(kind)).
		Str("link", string(status.Link)).
		Str("signal", string(status.Signal)).
		Msg("connectivity changed")
	change := Change{Kind: kind, Link: status.Link, Signal: status.Signal, At: time.Now().UTC()}
	for _, ch := range targets {
		select {
		case ch <- change:
		default:
			// slow subscriber misses an edge rather than stalling the probe
		}
	}
}

// AutoDrain couples a monitor to a queue: every return to connectivity
// replays the deferred operations. Blocks until ctx is cancelled.
func AutoDrain(ctx context.Context, m *Monitor, q *Queue) {
	changes, unsubscribe := m.Subscribe(4)
	defer unsubscribe()
	for {
		select {
		case change, ok := <-changes:
			if !ok {
				return
			}
			if change.Kind == BackOnline {
				q.Drain(ctx)
			}
		case <-ctx.Done():
			return
		}
	}
}
