package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/bothost/internal/logstore"
	"github.com/betbot/bothost/internal/registry"
	"github.com/betbot/bothost/internal/resolver"
	"github.com/betbot/bothost/internal/store"
	"github.com/betbot/bothost/internal/worker"
)

// ---- fakes ----

type fakeBots struct {
	mu      sync.Mutex
	bots    map[string]store.Bot
	premium map[string]bool
}

func newFakeBots() *fakeBots {
	return &fakeBots{bots: map[string]store.Bot{}, premium: map[string]bool{}}
}

func (f *fakeBots) add(id, owner, lang string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bots[id] = store.Bot{ID: id, OwnerID: owner, Language: lang}
}

func (f *fakeBots) GetBot(_ context.Context, id string) (*store.Bot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bots[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (f *fakeBots) ListPremiumBots(context.Context) ([]store.Bot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Bot
	for _, b := range f.bots {
		if f.premium[b.OwnerID] {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeBots) IsPremium(_ context.Context, owner string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.premium[owner], nil
}

type fakeResolver struct {
	mu   sync.Mutex
	code map[string]bool
	// when set, Resolve signals entered and waits for release
	entered chan struct{}
	release chan struct{}
}

func (f *fakeResolver) setCode(botID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.code == nil {
		f.code = map[string]bool{}
	}
	f.code[botID] = true
}

func (f *fakeResolver) Resolve(_ context.Context, b *store.Bot) (*resolver.Bundle, error) {
	if f.release != nil {
		close(f.entered)
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.code[b.ID] {
		return nil, fmt.Errorf("%w: %s", resolver.ErrCodeNotFound, b.ID)
	}
	return &resolver.Bundle{
		BotID:    b.ID,
		Language: b.Language,
		FileName: store.FileNameFor(b.Language),
		Program:  []byte("program"),
		Token:    "tok",
		Env:      map[string]string{"TOKEN": "tok", "BOT_ID": b.ID},
	}, nil
}

type fakeHandle struct {
	sink worker.Sink
	spec worker.Spec
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	killed []os.Signal
}

func (h *fakeHandle) Kill(sig os.Signal) error {
	h.mu.Lock()
	h.killed = append(h.killed, sig)
	h.mu.Unlock()
	go h.exit(worker.SignalCode(sig))
	return nil
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) exit(code int) {
	h.once.Do(func() {
		h.sink.OnExit(code)
		close(h.done)
	})
}

func (h *fakeHandle) signals() []os.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]os.Signal(nil), h.killed...)
}

type fakeLauncher struct {
	mu      sync.Mutex
	handles []*fakeHandle
	err     error
	// exitOnLaunch makes the worker exit before Launch returns
	exitOnLaunch bool
}

func (l *fakeLauncher) Launch(_ context.Context, spec worker.Spec, sink worker.Sink) (worker.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	h := &fakeHandle{sink: sink, spec: spec, done: make(chan struct{})}
	l.handles = append(l.handles, h)
	sink.OnOutput(logstore.Stdout, "hello from "+spec.BotID)
	if l.exitOnLaunch {
		h.exit(1)
	}
	return h, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handles)
}

func (l *fakeLauncher) last() *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handles[len(l.handles)-1]
}

type harness struct {
	sup      *Supervisor
	bots     *fakeBots
	res      *fakeResolver
	launcher *fakeLauncher
	logs     *logstore.Store
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		bots:     newFakeBots(),
		res:      &fakeResolver{},
		launcher: &fakeLauncher{},
		logs:     logstore.New(logstore.Options{}),
	}
	h.sup = New(h.bots, h.bots, h.res, worker.Strategies{Subprocess: h.launcher, Embedded: h.launcher}, h.logs, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.sup.Shutdown(ctx)
	})
	return h
}

func texts(lines []logstore.Line) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.Text
	}
	return out
}

func containsLine(lines []logstore.Line, sub string) bool {
	for _, l := range lines {
		if strings.Contains(l.Text, sub) {
			return true
		}
	}
	return false
}

// ---- tests ----

func TestLifecycleScenario(t *testing.T) {
	h := newHarness(t, Options{FreeQuota: time.Hour})
	ctx := context.Background()
	h.bots.add("b1", "u1", store.LanguagePython)

	_, err := h.sup.Start(ctx, "b1", "u1")
	require.ErrorIs(t, err, ErrCodeNotFound)
	_, running := h.sup.Status("b1")
	require.False(t, running)

	h.res.setCode("b1")
	res, err := h.sup.Start(ctx, "b1", "u1")
	require.NoError(t, err)
	require.False(t, res.AlreadyRunning)
	require.Equal(t, registry.StateRunning, res.Instance.State)
	require.Equal(t, registry.StrategySubprocess, res.Instance.Strategy)
	require.Equal(t, registry.TierFree, res.Instance.Tier)

	res2, err := h.sup.Start(ctx, "b1", "u1")
	require.NoError(t, err)
	require.True(t, res2.AlreadyRunning)
	require.Equal(t, res.Instance.InstanceID, res2.Instance.InstanceID)
	require.Equal(t, 1, h.launcher.count())

	require.ErrorIs(t, h.sup.Stop(ctx, "b1", "u2"), ErrForbidden)
	_, running = h.sup.Status("b1")
	require.True(t, running)

	backlog, sub := h.sup.Subscribe("b1")
	defer sub.Close()
	require.Contains(t, texts(backlog), "hello from b1")

	handle := h.launcher.last()
	require.NoError(t, h.sup.Stop(ctx, "b1", "u1"))
	_, running = h.sup.Status("b1")
	require.False(t, running)
	<-handle.Done()
	require.Equal(t, []os.Signal{syscall.SIGTERM}, handle.signals())

	// only the stop notice is delivered live; the late exit and output are dropped
	select {
	case l := <-sub.Lines():
		require.Equal(t, "[STOP] Bot stopped by owner.", l.Text)
	case <-time.After(time.Second):
		t.Fatal("expected stop line")
	}
	handle.sink.OnOutput(logstore.Stdout, "stale output")
	select {
	case l := <-sub.Lines():
		t.Fatalf("unexpected live line after stop: %q", l.Text)
	case <-time.After(100 * time.Millisecond):
	}
	require.False(t, containsLine(h.logs.Backlog("b1"), "[EXIT]"))

	require.NoError(t, h.sup.Stop(ctx, "b1", "u1"), "stopping a stopped bot succeeds")
}

func TestStart_NotFoundAndForbidden(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.bots.add("b1", "u1", store.LanguagePython)
	h.res.setCode("b1")

	_, err := h.sup.Start(ctx, "missing", "u1")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = h.sup.Start(ctx, "b1", "u2")
	require.ErrorIs(t, err, ErrForbidden)

	_, err = h.sup.Start(ctx, "b1", "u1")
	require.NoError(t, err)
	_, err = h.sup.Start(ctx, "b1", "u2")
	require.ErrorIs(t, err, ErrForbidden)
}

func TestConcurrentStartsLaunchOnce(t *testing.T) {
	h := newHarness(t, Options{})
	h.bots.add("b1", "u1", store.LanguageJavaScript)
	h.res.setCode("b1")

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.sup.Start(context.Background(), "b1", "u1")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, 1, h.launcher.count())
	require.Equal(t, 1, h.sup.Registry().Len())
}

func TestWorkerExitIsRecorded(t *testing.T) {
	h := newHarness(t, Options{})
	h.bots.add("b1", "u1", store.LanguagePython)
	h.res.setCode("b1")

	_, err := h.sup.Start(context.Background(), "b1", "u1")
	require.NoError(t, err)
	h.launcher.last().exit(3)

	_, running := h.sup.Status("b1")
	require.False(t, running)
	require.Contains(t, texts(h.logs.Backlog("b1")), "[EXIT] Process ended with code 3")
}

func TestLaunchFailureLeavesBotStopped(t *testing.T) {
	h := newHarness(t, Options{})
	h.bots.add("b1", "u1", store.LanguagePython)
	h.res.setCode("b1")
	h.launcher.err = errors.New("exec: python3 not found")

	_, err := h.sup.Start(context.Background(), "b1", "u1")
	require.ErrorIs(t, err, ErrLaunchFailed)
	require.Equal(t, 0, h.sup.Registry().Len())

	h.launcher.err = nil
	_, err = h.sup.Start(context.Background(), "b1", "u1")
	require.NoError(t, err)
}

func TestFreeQuotaAutoStop(t *testing.T) {
	h := newHarness(t, Options{FreeQuota: 50 * time.Millisecond})
	h.bots.add("free", "u1", store.LanguagePython)
	h.bots.add("paid", "u2", store.LanguagePython)
	h.bots.premium["u2"] = true
	h.res.setCode("free")
	h.res.setCode("paid")

	_, err := h.sup.Start(context.Background(), "free", "u1")
	require.NoError(t, err)
	freeHandle := h.launcher.last()
	res, err := h.sup.Start(context.Background(), "paid", "u2")
	require.NoError(t, err)
	require.Equal(t, registry.TierPremium, res.Instance.Tier)

	require.Eventually(t, func() bool {
		_, running := h.sup.Status("free")
		return !running
	}, 2*time.Second, 10*time.Millisecond)
	<-freeHandle.Done()
	require.Equal(t, []os.Signal{syscall.SIGTERM}, freeHandle.signals())
	require.Contains(t, texts(h.logs.Backlog("free")), "[AUTO] Free bot stopped after 50ms limit.")

	time.Sleep(150 * time.Millisecond)
	_, running := h.sup.Status("paid")
	require.True(t, running, "premium bots are never auto-stopped")
	require.Equal(t, 0, h.sup.quota.Pending())
}

func TestStaleQuotaDoesNotTouchNewInstance(t *testing.T) {
	h := newHarness(t, Options{FreeQuota: time.Hour})
	ctx := context.Background()
	h.bots.add("b1", "u1", store.LanguagePython)
	h.res.setCode("b1")

	_, err := h.sup.Start(ctx, "b1", "u1")
	require.NoError(t, err)
	old, _ := h.sup.Registry().Get("b1")
	require.NoError(t, h.sup.Stop(ctx, "b1", "u1"))
	require.Equal(t, 0, h.sup.quota.Pending())

	_, err = h.sup.Start(ctx, "b1", "u1")
	require.NoError(t, err)
	cur, _ := h.sup.Registry().Get("b1")
	require.NotEqual(t, old.ID, cur.ID)

	// a timer for the old launch firing now must be a no-op
	h.sup.expire(old)
	got, ok := h.sup.Registry().Get("b1")
	require.True(t, ok)
	require.Same(t, cur, got)
	require.Empty(t, h.launcher.last().signals())
}

func TestInstanceLimitAndRateLimit(t *testing.T) {
	h := newHarness(t, Options{FreeMaxInstances: 1, StartsPerMinute: 2})
	ctx := context.Background()
	for _, id := range []string{"b1", "b2"} {
		h.bots.add(id, "u1", store.LanguagePython)
		h.res.setCode(id)
	}

	_, err := h.sup.Start(ctx, "b1", "u1")
	require.NoError(t, err)
	_, err = h.sup.Start(ctx, "b2", "u1")
	require.ErrorIs(t, err, ErrInstanceLimit)

	require.NoError(t, h.sup.Stop(ctx, "b1", "u1"))
	_, err = h.sup.Start(ctx, "b2", "u1")
	require.ErrorIs(t, err, ErrRateLimited)
}

func TestRestartPremium(t *testing.T) {
	h := newHarness(t, Options{})
	h.bots.add("p1", "vip", store.LanguagePython)
	h.bots.add("p2", "vip", store.LanguageJavaScript)
	h.bots.add("f1", "free", store.LanguagePython)
	h.bots.premium["vip"] = true
	h.res.setCode("p1")
	h.res.setCode("f1")

	started, err := h.sup.RestartPremium(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, started, "p2 has no code and must not abort the sweep")
	_, ok := h.sup.Status("p1")
	assert.True(t, ok)
	_, ok = h.sup.Status("f1")
	assert.False(t, ok)
}

func TestShutdownKillsAndWaits(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	for _, id := range []string{"b1", "b2"} {
		h.bots.add(id, "u1", store.LanguagePython)
		h.res.setCode(id)
		_, err := h.sup.Start(ctx, id, "u1")
		require.NoError(t, err)
	}

	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, h.sup.Shutdown(sctx))
	require.Equal(t, 0, h.sup.Registry().Len())
	for _, fh := range h.launcher.handles {
		<-fh.Done()
	}

	_, err := h.sup.Start(ctx, "b1", "u1")
	require.ErrorIs(t, err, ErrLaunchFailed)
}

func TestWorkerExitingDuringLaunch(t *testing.T) {
	h := newHarness(t, Options{FreeQuota: time.Hour})
	ctx := context.Background()
	h.bots.add("b1", "u1", store.LanguagePython)
	h.res.setCode("b1")
	h.launcher.exitOnLaunch = true

	res, err := h.sup.Start(ctx, "b1", "u1")
	require.NoError(t, err)
	require.False(t, res.AlreadyRunning)
	require.Equal(t, registry.StateStopped, res.Instance.State)

	_, running := h.sup.Status("b1")
	require.False(t, running)
	require.Equal(t, 0, h.sup.quota.Pending())
	require.Empty(t, h.launcher.last().signals())

	backlog := texts(h.logs.Backlog("b1"))
	require.Contains(t, backlog, "hello from b1")
	require.Contains(t, backlog, "[EXIT] Process ended with code 1")

	// the bot can be started again
	h.launcher.exitOnLaunch = false
	res, err = h.sup.Start(ctx, "b1", "u1")
	require.NoError(t, err)
	require.Equal(t, registry.StateRunning, res.Instance.State)
	require.Equal(t, 1, h.sup.quota.Pending())
}

func TestStopWhileStarting(t *testing.T) {
	h := newHarness(t, Options{FreeQuota: time.Hour})
	ctx := context.Background()
	h.bots.add("b1", "u1", store.LanguagePython)
	h.res.setCode("b1")
	h.res.entered = make(chan struct{})
	h.res.release = make(chan struct{})

	type result struct {
		res StartResult
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := h.sup.Start(ctx, "b1", "u1")
		done <- result{res, err}
	}()

	select {
	case <-h.res.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("resolve never started")
	}
	snap, running := h.sup.Status("b1")
	require.True(t, running)
	require.Equal(t, registry.StateStarting, snap.State)

	require.NoError(t, h.sup.Stop(ctx, "b1", "u1"))
	_, running = h.sup.Status("b1")
	require.False(t, running)
	close(h.res.release)

	var r result
	select {
	case r = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("start did not return")
	}
	require.NoError(t, r.err)
	require.Equal(t, registry.StateStopped, r.res.Instance.State)

	handle := h.launcher.last()
	select {
	case <-handle.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker was not killed")
	}
	require.Equal(t, []os.Signal{syscall.SIGTERM}, handle.signals())
	_, running = h.sup.Status("b1")
	require.False(t, running)
	require.Equal(t, 0, h.sup.quota.Pending())
	require.Contains(t, texts(h.logs.Backlog("b1")), "[STOP] Bot stopped by owner.")
}
