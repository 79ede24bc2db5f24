// Package netmon observes device connectivity and emits edge-triggered
// online/offline transitions. The level comes from probing a configured
// HTTP endpoint on an interval; a change to the system resolver config
// additionally triggers an immediate re-probe, so interface switches are
// noticed before the next tick.
package netmon

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// probeTimeout bounds a single connectivity probe.
	probeTimeout = 5 * time.Second

	// probeBodyLimit caps how much of a probe response is drained before
	// closing, enough to allow connection reuse without trusting the body.
	probeBodyLimit = 4 * 1024
)

// Config holds the monitor settings.
type Config struct {
	// ProbeURL is the endpoint whose reachability defines "online". Any
	// HTTP response counts; only transport failures count as offline.
	ProbeURL string

	// Interval is the probe cadence.
	Interval time.Duration

	// ResolvFile is the resolver config whose changes trigger an
	// immediate re-probe. Empty disables the watch.
	ResolvFile string
}

type subscription struct {
	id int
	fn func(online bool)
}

// Monitor tracks connectivity and notifies subscribers on transitions.
// Until the first probe completes the device is assumed offline, so the
// first successful probe is itself an offline-to-online edge.
type Monitor struct {
	cfg    Config
	logger *slog.Logger
	probe  func(ctx context.Context) bool

	mu     sync.RWMutex
	online bool
	subs   []subscription
	nextID int
}

// New creates a monitor with the default HTTP probe.
func New(cfg Config, logger *slog.Logger) *Monitor {
	m := &Monitor{
		cfg:    cfg,
		logger: logger,
	}

	client := &http.Client{Timeout: probeTimeout}
	m.probe = func(ctx context.Context) bool {
		return httpProbe(ctx, client, cfg.ProbeURL)
	}

	return m
}

// httpProbe reports whether the probe endpoint is reachable. The response
// status is irrelevant: any response proves connectivity.
func httpProbe(ctx context.Context, client *http.Client, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}

	resp, err := client.Do(req)
	if err != nil {
		return false
	}

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, probeBodyLimit))
	resp.Body.Close()

	return true
}

// Online reports the current connectivity level.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	v := m.online
	m.mu.RUnlock()

	return v
}

// Subscribe registers fn for future transitions. Callbacks run
// sequentially on the monitor's goroutine, once per edge, in transition
// order. The returned cancel removes the registration.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.subs = append(m.subs, subscription{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		for i, sub := range m.subs {
			if sub.id == id {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				return
			}
		}
	}
}

// Refresh forces an immediate probe outside the regular cadence.
func (m *Monitor) Refresh(ctx context.Context) {
	m.setOnline(m.probe(ctx))
}

// Run probes on the configured interval until ctx is cancelled. When the
// resolver config is watchable, changes to it trigger an immediate
// re-probe; watch setup failure degrades to interval-only probing.
func (m *Monitor) Run(ctx context.Context) error {
	var events chan fsnotify.Event

	var watchErrs chan error

	if m.cfg.ResolvFile != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			m.logger.Warn("resolver watch unavailable, probing on interval only",
				slog.String("error", err.Error()),
			)
		} else {
			defer watcher.Close()

			// Watch the directory: resolv.conf is typically replaced by
			// rename, which kills a watch on the file itself.
			if err := watcher.Add(filepath.Dir(m.cfg.ResolvFile)); err != nil {
				m.logger.Warn("resolver watch unavailable, probing on interval only",
					slog.String("file", m.cfg.ResolvFile),
					slog.String("error", err.Error()),
				)
			} else {
				events = watcher.Events
				watchErrs = watcher.Errors
			}
		}
	}

	m.Refresh(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-ticker.C:
			m.Refresh(ctx)

		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}

			if event.Name != m.cfg.ResolvFile {
				continue
			}

			m.logger.Debug("resolver config changed, re-probing",
				slog.String("op", event.Op.String()),
			)
			m.Refresh(ctx)

		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}

			m.logger.Warn("resolver watch error", slog.String("error", err.Error()))
		}
	}
}

func (m *Monitor) setOnline(v bool) {
	m.mu.Lock()

	if v == m.online {
		m.mu.Unlock()
		return
	}

	m.online = v

	cbs := make([]func(bool), 0, len(m.subs))
	for _, sub := range m.subs {
		cbs = append(cbs, sub.fn)
	}

	m.mu.Unlock()

	m.logger.Info("connectivity changed", slog.Bool("online", v))

	for _, cb := range cbs {
		cb(v)
	}
}
