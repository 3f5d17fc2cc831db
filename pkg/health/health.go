// Package health serves liveness and readiness endpoints backed by named checks
// that run in the background.
//
// A check flips to unhealthy only after FailureThreshold consecutive
// failures and back to healthy after SuccessThreshold consecutive passes,
// so a single slow ping does not take the server out of rotation.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/jx"
	"go.uber.org/zap"
)

// CheckFunc returns nil when the checked dependency is usable.
type CheckFunc func(ctx context.Context) error

// Check describes one named dependency check.
type Check struct {
	Name    string
	Timeout time.Duration
	Func    CheckFunc
	// FailureThreshold defaults to 3.
	FailureThreshold int
	// SuccessThreshold defaults to 1.
	SuccessThreshold int
}

// monitor is the runtime state of a Check. run is called from one goroutine
// only; healthy and lastErr are read by HTTP handlers.
type monitor struct {
	Check
	lg *zap.Logger

	healthy atomic.Bool
	lastErr atomic.Pointer[error]

	fails int
	oks   int
}

func newMonitor(c Check, lg *zap.Logger) *monitor {
	if c.Timeout <= 0 {
		c.Timeout = time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
	p := &monitor{Check: c, lg: lg.With(zap.String("check", c.Name))}
	p.healthy.Store(true)
	return p
}

func (p *monitor) err() error {
	if e := p.lastErr.Load(); e != nil {
		return *e
	}
	return nil
}

func (p *monitor) run(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	err := p.Func(ctx)
	p.lastErr.Store(&err)

	if err != nil {
		p.oks = 0
		p.fails++
		if p.fails >= p.FailureThreshold && p.healthy.Swap(false) {
			p.lg.Warn("Check unhealthy", zap.Int("failures", p.fails), zap.Error(err))
		}
		return
	}
	p.fails = 0
	p.oks++
	if p.oks >= p.SuccessThreshold && !p.healthy.Swap(true) {
		p.lg.Info("Check recovered")
	}
}

// Health aggregates liveness and readiness checks.
type Health struct {
	lg    *zap.Logger
	ready atomic.Bool

	mu     sync.RWMutex
	live   []*monitor
	readyz []*monitor
	cancel context.CancelFunc
}

// New creates a Health that reports not ready until SetReady(true).
func New(lg *zap.Logger) *Health {
	return &Health{lg: lg}
}

// AddLiveness registers a check that decides whether the process should be
// restarted.
func (h *Health) AddLiveness(c Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.live = append(h.live, newMonitor(c, h.lg))
}

// AddReadiness registers a check that decides whether the server should
// receive traffic.
func (h *Health) AddReadiness(c Check) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readyz = append(h.readyz, newMonitor(c, h.lg))
}

// Start runs every registered check now and then every interval until ctx
// is done or Stop is called.
func (h *Health) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	h.cancel = cancel
	monitors := append(append([]*monitor(nil), h.live...), h.readyz...)
	h.mu.Unlock()

	for _, p := range monitors {
		go loop(ctx, p, interval)
	}
}

func loop(ctx context.Context, p *monitor, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.run(ctx)
		}
	}
}

// Stop cancels the background checks. It may be called more than once.
func (h *Health) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

// SetReady toggles the manual readiness flag.
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady reports the readiness flag combined with every readiness check.
func (h *Health) IsReady() bool {
	if !h.ready.Load() {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, p := range h.readyz {
		if !p.healthy.Load() {
			return false
		}
	}
	return true
}

// LiveEndpoint serves /livez.
func (h *Health) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	h.mu.RLock()
	failures := failing(h.live)
	h.mu.RUnlock()
	writeStatus(w, failures)
}

// ReadyEndpoint serves /readyz.
func (h *Health) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	h.mu.RLock()
	failures := failing(h.readyz)
	h.mu.RUnlock()
	if !h.ready.Load() {
		failures["_readiness"] = "service is not ready"
	}
	writeStatus(w, failures)
}

// failing uses the last stored result of each check rather than running it.
func failing(monitors []*monitor) map[string]string {
	out := map[string]string{}
	for _, p := range monitors {
		if p.healthy.Load() {
			continue
		}
		if err := p.err(); err != nil {
			out[p.Name] = err.Error()
		} else {
			out[p.Name] = "check is unhealthy"
		}
	}
	return out
}

func writeStatus(w http.ResponseWriter, failures map[string]string) {
	var e jx.Encoder
	status := http.StatusOK
	e.ObjStart()
	e.FieldStart("status")
	if len(failures) == 0 {
		e.Str("ok")
	} else {
		status = http.StatusServiceUnavailable
		e.Str("unhealthy")
		e.FieldStart("checks")
		e.ObjStart()
		names := make([]string, 0, len(failures))
		for name := range failures {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			e.FieldStart(name)
			e.Str(failures[name])
		}
		e.ObjEnd()
	}
	e.ObjEnd()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}
