// Package supervisor is the boundary the HTTP layer calls: start, stop,
// status and log access for tenant bots. It owns the lifecycle of every
// instance from admission to exit.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/bothost/internal/logstore"
	"github.com/betbot/bothost/internal/metrics"
	"github.com/betbot/bothost/internal/registry"
	"github.com/betbot/bothost/internal/resolver"
	"github.com/betbot/bothost/internal/store"
	"github.com/betbot/bothost/internal/worker"
	"github.com/betbot/bothost/pkg/ratelimit"
)

type BotStore interface {
	GetBot(ctx context.Context, botID string) (*store.Bot, error)
	ListPremiumBots(ctx context.Context) ([]store.Bot, error)
}

type UserStore interface {
	IsPremium(ctx context.Context, userID string) (bool, error)
}

type Resolver interface {
	Resolve(ctx context.Context, bot *store.Bot) (*resolver.Bundle, error)
}

type Options struct {
	// FreeQuota is the lifetime of a free-tier instance (0 disables).
	FreeQuota           time.Duration
	FreeMaxInstances    int
	PremiumMaxInstances int
	// StartsPerMinute limits start requests per owner (0 disables).
	StartsPerMinute int
}

type StartResult struct {
	Instance       registry.Snapshot `json:"instance"`
	AlreadyRunning bool              `json:"already_running"`
}

type Supervisor struct {
	bots      BotStore
	users     UserStore
	resolver  Resolver
	launchers worker.Strategies
	reg       *registry.Registry
	logs      *logstore.Store
	quota     *quotaTimers
	limiter   *ratelimit.Keyed
	opts      Options
	log       *logrus.Entry

	mu      sync.Mutex
	closing bool
	live    map[*registry.Instance]worker.Handle
}

func New(bots BotStore, users UserStore, res Resolver, launchers worker.Strategies, logs *logstore.Store, opts Options) *Supervisor {
	return &Supervisor{
		bots:      bots,
		users:     users,
		resolver:  res,
		launchers: launchers,
		reg:       registry.New(),
		logs:      logs,
		quota:     newQuotaTimers(),
		limiter:   ratelimit.NewKeyed(opts.StartsPerMinute, time.Minute),
		opts:      opts,
		log:       logrus.WithField("component", "supervisor"),
		live:      make(map[*registry.Instance]worker.Handle),
	}
}

func (s *Supervisor) Registry() *registry.Registry { return s.reg }
func (s *Supervisor) Logs() *logstore.Store         { return s.logs }

// Start launches botID for requesterID. Starting a bot that already runs is
// a successful no-op.
func (s *Supervisor) Start(ctx context.Context, botID, requesterID string) (StartResult, error) {
	return s.start(ctx, botID, requesterID, true)
}

func (s *Supervisor) start(ctx context.Context, botID, requesterID string, limited bool) (StartResult, error) {
	if inst, ok := s.reg.Get(botID); ok {
		if inst.OwnerID != requesterID {
			return StartResult{}, ErrForbidden
		}
		return StartResult{Instance: inst.Snapshot(), AlreadyRunning: true}, nil
	}

	bot, err := s.bots.GetBot(ctx, botID)
	if err != nil {
		return StartResult{}, fmt.Errorf("%w: load bot: %v", ErrLaunchFailed, err)
	}
	if bot == nil {
		return StartResult{}, ErrNotFound
	}
	if bot.OwnerID != requesterID {
		return StartResult{}, ErrForbidden
	}
	if limited && !s.limiter.Allow(requesterID) {
		return StartResult{}, ErrRateLimited
	}

	premium, err := s.users.IsPremium(ctx, bot.OwnerID)
	if err != nil {
		s.log.WithError(err).WithField("owner_id", bot.OwnerID).Warn("premium lookup failed, treating as free")
		premium = false
	}
	tier := registry.TierFree
	if premium {
		tier = registry.TierPremium
	}

	launcher, strategy := s.launchers.For(bot.Language)
	if launcher == nil {
		return StartResult{}, fmt.Errorf("%w: no worker for language %q", ErrLaunchFailed, bot.Language)
	}

	inst := registry.NewInstance(botID, bot.OwnerID, tier, strategy)
	inserted, err := s.reg.TryInsertBounded(inst, s.limitFor(tier))
	if errors.Is(err, registry.ErrOwnerLimit) {
		return StartResult{}, ErrInstanceLimit
	}
	if !inserted {
		// lost the admission race to a concurrent start
		cur, ok := s.reg.Get(botID)
		if !ok {
			return StartResult{}, fmt.Errorf("%w: concurrent stop", ErrLaunchFailed)
		}
		if cur.OwnerID != requesterID {
			return StartResult{}, ErrForbidden
		}
		return StartResult{Instance: cur.Snapshot(), AlreadyRunning: true}, nil
	}
	metrics.InstancesRunning.Add(1)

	log := s.log.WithFields(logrus.Fields{"bot_id": botID, "instance_id": inst.ID, "owner_id": inst.OwnerID})

	bundle, err := s.resolver.Resolve(ctx, bot)
	if err != nil {
		s.release(inst)
		metrics.LaunchFailures.Add(1)
		log.WithError(err).Warn("resolve failed")
		if errors.Is(err, resolver.ErrCodeNotFound) {
			return StartResult{}, ErrCodeNotFound
		}
		return StartResult{}, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}

	s.logs.Append(botID, logstore.System, fmt.Sprintf("[INFO] Launching bot %s (%s)", botID, bot.Language), inst.ID)

	sink := &instanceSink{s: s, inst: inst}
	h, err := launcher.Launch(ctx, worker.SpecFromBundle(inst.ID, bundle), sink)
	if err != nil {
		s.release(inst)
		metrics.LaunchFailures.Add(1)
		log.WithError(err).Warn("launch failed")
		return StartResult{}, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = h.Kill(syscall.SIGTERM)
		s.release(inst)
		return StartResult{}, fmt.Errorf("%w: supervisor shutting down", ErrLaunchFailed)
	}
	exited := sink.exited
	if !exited {
		s.live[inst] = h
	}
	s.mu.Unlock()

	if !inst.Attach(h) {
		// stopped while starting, or the worker already exited
		if !exited {
			_ = h.Kill(syscall.SIGTERM)
		}
		return StartResult{Instance: inst.Snapshot()}, nil
	}

	if tier == registry.TierFree && s.opts.FreeQuota > 0 {
		s.quota.Schedule(inst.ID, s.opts.FreeQuota, func() { s.expire(inst) })
		// the worker exited before the timer was armed
		if !s.reg.IsCurrent(inst) {
			s.quota.Cancel(inst.ID)
			return StartResult{Instance: inst.Snapshot()}, nil
		}
	}
	metrics.InstancesStarted.Add(1)
	if tier == registry.TierFree && s.opts.FreeQuota > 0 {
		log.Infof("started free bot (auto stop after %s)", s.opts.FreeQuota)
	} else {
		log.Infof("started %s bot", tier)
	}
	return StartResult{Instance: inst.Snapshot()}, nil
}

func (s *Supervisor) limitFor(tier registry.Tier) int {
	if tier == registry.TierPremium {
		return s.opts.PremiumMaxInstances
	}
	return s.opts.FreeMaxInstances
}

// Stop terminates the bot's instance without waiting for it to exit.
// Stopping a bot that is not running succeeds.
func (s *Supervisor) Stop(ctx context.Context, botID, requesterID string) error {
	inst, ok := s.reg.Get(botID)
	if !ok {
		return nil
	}
	if inst.OwnerID != requesterID {
		return ErrForbidden
	}
	if !s.release(inst) {
		return nil
	}
	s.logs.Append(botID, logstore.System, "[STOP] Bot stopped by owner.", inst.ID)
	if h := inst.Cancel(); h != nil {
		if err := h.Kill(syscall.SIGTERM); err != nil {
			s.log.WithError(err).WithField("bot_id", botID).Warn("kill failed")
		}
	}
	s.log.WithFields(logrus.Fields{"bot_id": botID, "instance_id": inst.ID}).Info("stopped by owner")
	return nil
}

func (s *Supervisor) Status(botID string) (registry.Snapshot, bool) {
	inst, ok := s.reg.Get(botID)
	if !ok {
		return registry.Snapshot{}, false
	}
	return inst.Snapshot(), true
}

func (s *Supervisor) List() []registry.Snapshot {
	insts := s.reg.List()
	out := make([]registry.Snapshot, 0, len(insts))
	for _, inst := range insts {
		out = append(out, inst.Snapshot())
	}
	return out
}

func (s *Supervisor) Backlog(botID string) []logstore.Line {
	return s.logs.Backlog(botID)
}

// Subscribe returns the backlog and a live subscription for botID.
func (s *Supervisor) Subscribe(botID string) ([]logstore.Line, *logstore.Subscription) {
	return s.logs.Subscribe(botID)
}

// RestartPremium starts every bot whose owner has premium. Failures are
// logged per bot and do not abort the sweep.
func (s *Supervisor) RestartPremium(ctx context.Context) (int, error) {
	bots, err := s.bots.ListPremiumBots(ctx)
	if err != nil {
		return 0, fmt.Errorf("list premium bots: %w", err)
	}
	started := 0
	for _, b := range bots {
		res, err := s.start(ctx, b.ID, b.OwnerID, false)
		if err != nil {
			s.log.WithError(err).WithField("bot_id", b.ID).Warn("premium restart failed")
			continue
		}
		if !res.AlreadyRunning {
			started++
		}
	}
	s.log.Infof("premium restart: %d/%d bots started", started, len(bots))
	return started, nil
}

// Shutdown kills every instance and waits for the workers to exit.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.quota.Stop()
	for _, inst := range s.reg.List() {
		if !s.release(inst) {
			continue
		}
		if h := inst.Cancel(); h != nil {
			_ = h.Kill(syscall.SIGTERM)
		}
	}

	s.mu.Lock()
	handles := make([]worker.Handle, 0, len(s.live))
	for _, h := range s.live {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	defer s.limiter.Close()
	for _, h := range handles {
		select {
		case <-h.Done():
		case <-ctx.Done():
			for _, h := range handles {
				_ = h.Kill(syscall.SIGKILL)
			}
			return ctx.Err()
		}
	}
	s.log.Infof("all %d workers exited", len(handles))
	return nil
}

// release removes inst if it is still the registered instance; only the
// caller that gets true may act on the removal.
func (s *Supervisor) release(inst *registry.Instance) bool {
	if !s.reg.RemoveInstance(inst) {
		return false
	}
	s.quota.Cancel(inst.ID)
	metrics.InstancesRunning.Add(-1)
	return true
}

func (s *Supervisor) expire(inst *registry.Instance) {
	if !s.release(inst) {
		return
	}
	if h := inst.Cancel(); h != nil {
		_ = h.Kill(syscall.SIGTERM)
	}
	metrics.QuotaStops.Add(1)
	s.logs.Append(inst.BotID, logstore.System,
		fmt.Sprintf("[AUTO] Free bot stopped after %s limit.", quotaText(s.opts.FreeQuota)), inst.ID)
	s.log.WithFields(logrus.Fields{"bot_id": inst.BotID, "instance_id": inst.ID}).Info("free quota reached")
}

func (s *Supervisor) onExit(sink *instanceSink, code int) {
	inst := sink.inst
	s.mu.Lock()
	sink.exited = true
	delete(s.live, inst)
	s.mu.Unlock()
	inst.Cancel()

	if s.release(inst) {
		s.logs.Append(inst.BotID, logstore.System, fmt.Sprintf("[EXIT] Process ended with code %d", code), inst.ID)
	}
	s.log.WithFields(logrus.Fields{"bot_id": inst.BotID, "instance_id": inst.ID, "code": code}).Info("worker exited")
}

func quotaText(d time.Duration) string {
	if d >= time.Minute && d%time.Minute == 0 {
		return fmt.Sprintf("%d minutes", int(d/time.Minute))
	}
	return d.String()
}

// instanceSink tags worker output with its instance and drops it once that
// instance is no longer the registered one.
type instanceSink struct {
	s    *Supervisor
	inst *registry.Instance
	// guarded by s.mu
	exited bool
}

func (k *instanceSink) OnOutput(ch logstore.Channel, text string) {
	if !k.s.reg.IsCurrent(k.inst) {
		k.s.log.WithFields(logrus.Fields{"bot_id": k.inst.BotID, "instance_id": k.inst.ID}).
			Debugf("dropping output from stale instance: %s", text)
		return
	}
	k.s.logs.Append(k.inst.BotID, ch, text, k.inst.ID)
}

func (k *instanceSink) OnExit(code int) { k.s.onExit(k, code) }
