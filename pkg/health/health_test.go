package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// --- Helpers ---

func passing() CheckFunc {
	return func(context.Context) error { return nil }
}

func failingWith(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

type body struct {
	Status string
	Checks map[string]string
}

func serve(t *testing.T, fn http.HandlerFunc) (int, body) {
	t.Helper()
	w := httptest.NewRecorder()
	fn(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	b := body{Checks: map[string]string{}}
	require.NoError(t, jx.DecodeBytes(w.Body.Bytes()).ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "status":
			var err error
			b.Status, err = d.Str()
			return err
		case "checks":
			return d.ObjBytes(func(d *jx.Decoder, name []byte) error {
				v, err := d.Str()
				b.Checks[string(name)] = v
				return err
			})
		default:
			return d.Skip()
		}
	}))
	return w.Code, b
}

func runN(ctx context.Context, p *monitor, n int) {
	for range n {
		p.run(ctx)
	}
}

// --- Tests ---

func TestLiveEndpoint(t *testing.T) {
	h := New(zap.NewNop())
	h.AddLiveness(Check{Name: "goroutines", Func: passing()})

	code, b := serve(t, h.LiveEndpoint)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", b.Status)
	assert.Empty(t, b.Checks)
}

func TestLiveEndpoint_FailureThreshold(t *testing.T) {
	h := New(zap.NewNop())
	h.AddLiveness(Check{Name: "postgres", Func: failingWith("connection refused")})
	ctx := context.Background()

	runN(ctx, h.live[0], 2)
	code, _ := serve(t, h.LiveEndpoint)
	assert.Equal(t, http.StatusOK, code, "below threshold")

	h.live[0].run(ctx)
	code, b := serve(t, h.LiveEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", b.Status)
	assert.Equal(t, "connection refused", b.Checks["postgres"])
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		ready    bool
		checks   []Check
		runs     int
		wantCode int
		wantKeys []string
	}{
		{
			name:     "not marked ready",
			checks:   []Check{{Name: "postgres", Func: passing()}},
			wantCode: http.StatusServiceUnavailable,
			wantKeys: []string{"_readiness"},
		},
		{
			name:     "ready and passing",
			ready:    true,
			checks:   []Check{{Name: "postgres", Func: passing()}},
			runs:     1,
			wantCode: http.StatusOK,
		},
		{
			name:     "ready without checks",
			ready:    true,
			wantCode: http.StatusOK,
		},
		{
			name:  "one failing check",
			ready: true,
			checks: []Check{
				{Name: "postgres", Func: passing()},
				{Name: "outbox", Func: failingWith("backlog 20000 exceeds 10000")},
			},
			runs:     3,
			wantCode: http.StatusServiceUnavailable,
			wantKeys: []string{"outbox"},
		},
		{
			name:  "custom failure threshold",
			ready: true,
			checks: []Check{
				{Name: "outbox", Func: failingWith("down"), FailureThreshold: 1},
			},
			runs:     1,
			wantCode: http.StatusServiceUnavailable,
			wantKeys: []string{"outbox"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(zap.NewNop())
			for _, c := range tt.checks {
				h.AddReadiness(c)
			}
			h.SetReady(tt.ready)
			for _, p := range h.readyz {
				runN(context.Background(), p, tt.runs)
			}

			code, b := serve(t, h.ReadyEndpoint)
			assert.Equal(t, tt.wantCode, code)
			assert.Len(t, b.Checks, len(tt.wantKeys))
			for _, k := range tt.wantKeys {
				assert.Contains(t, b.Checks, k)
			}
		})
	}
}

func TestIsReady(t *testing.T) {
	h := New(zap.NewNop())
	h.AddReadiness(Check{Name: "postgres", Func: failingWith("down")})
	assert.False(t, h.IsReady())

	h.SetReady(true)
	assert.True(t, h.IsReady(), "checks start healthy")

	runN(context.Background(), h.readyz[0], 3)
	assert.False(t, h.IsReady())
}

func TestCheckRecovery(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	var down atomic.Bool
	down.Store(true)

	h := New(zap.New(core))
	h.AddReadiness(Check{
		Name: "postgres",
		Func: func(context.Context) error {
			if down.Load() {
				return errors.New("down")
			}
			return nil
		},
		SuccessThreshold: 2,
	})
	p := h.readyz[0]
	ctx := context.Background()

	runN(ctx, p, 3)
	assert.False(t, p.healthy.Load())
	assert.EqualError(t, p.err(), "down")

	down.Store(false)
	p.run(ctx)
	assert.False(t, p.healthy.Load(), "one pass is below the success threshold")
	p.run(ctx)
	assert.True(t, p.healthy.Load())
	assert.NoError(t, p.err())

	assert.Equal(t, 1, logs.FilterMessage("Check unhealthy").Len())
	assert.Equal(t, 1, logs.FilterMessage("Check recovered").Len())
}

func TestCheckTimeout(t *testing.T) {
	h := New(zap.NewNop())
	h.AddReadiness(Check{
		Name:             "slow",
		Timeout:          10 * time.Millisecond,
		FailureThreshold: 1,
		Func: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	h.readyz[0].run(context.Background())
	assert.ErrorIs(t, h.readyz[0].err(), context.DeadlineExceeded)
}

func TestStartAndStop(t *testing.T) {
	var calls atomic.Int64
	h := New(zap.NewNop())
	h.AddReadiness(Check{Name: "postgres", Func: func(context.Context) error {
		calls.Add(1)
		return nil
	}})
	h.SetReady(true)

	h.Start(context.Background(), 5*time.Millisecond)
	assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				h.IsReady()
				h.ReadyEndpoint(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/readyz", nil))
			}
		}()
	}
	wg.Wait()

	h.Stop()
	h.Stop()
}

func TestCheckers(t *testing.T) {
	ctx := context.Background()

	backlog := func(n int64, err error) func(context.Context) (int64, error) {
		return func(context.Context) (int64, error) { return n, err }
	}
	assert.NoError(t, BacklogCheck(backlog(10, nil), 10)(ctx))
	assert.ErrorContains(t, BacklogCheck(backlog(11, nil), 10)(ctx), "backlog 11 exceeds 10")
	assert.ErrorContains(t, BacklogCheck(backlog(0, errors.New("db down")), 10)(ctx), "db down")

	assert.NoError(t, PingCheck(pingerFunc(func(context.Context) error { return nil }))(ctx))
	assert.ErrorContains(t, PingCheck(pingerFunc(func(context.Context) error { return errors.New("refused") }))(ctx), "refused")

	assert.NoError(t, GoroutineCountCheck(1_000_000)(ctx))
	assert.ErrorContains(t, GoroutineCountCheck(0)(ctx), "exceeds threshold")
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }
