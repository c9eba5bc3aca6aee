// Package registry is the authoritative map from bot id to its live instance.
// At most one instance per bot is ever registered.
package registry

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

type Strategy string

const (
	StrategySubprocess Strategy = "subprocess"
	StrategyEmbedded   Strategy = "embedded"
)

type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopped  State = "stopped"
)

var ErrOwnerLimit = errors.New("registry: owner instance limit reached")

// Handle is the running worker as seen by the registry.
type Handle interface {
	Kill(sig os.Signal) error
}

// Instance is one running execution of a bot. Identity is the pointer (and
// ID); two launches of the same bot are never equal.
type Instance struct {
	ID        string
	BotID     string
	OwnerID   string
	Tier      Tier
	Strategy  Strategy
	StartedAt time.Time

	mu        sync.Mutex
	state     State
	handle    Handle
	cancelled bool
}

func NewInstance(botID, ownerID string, tier Tier, strategy Strategy) *Instance {
	return &Instance{
		ID:        uuid.NewString(),
		BotID:     botID,
		OwnerID:   ownerID,
		Tier:      tier,
		Strategy:  strategy,
		StartedAt: time.Now(),
		state:     StateStarting,
	}
}

func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Attach stores the launched worker and moves to Running. It returns false
// when the instance was cancelled while starting; the caller owns killing h.
func (i *Instance) Attach(h Handle) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.cancelled {
		return false
	}
	i.handle = h
	i.state = StateRunning
	return true
}

// Cancel marks the instance stopped and returns its handle, if attached.
func (i *Instance) Cancel() Handle {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.cancelled = true
	i.state = StateStopped
	return i.handle
}

// Snapshot is a read-only copy for status endpoints.
type Snapshot struct {
	InstanceID string    `json:"instance_id"`
	BotID      string    `json:"bot_id"`
	OwnerID    string    `json:"owner_id"`
	Tier       Tier      `json:"tier"`
	Strategy   Strategy  `json:"strategy"`
	State      State     `json:"state"`
	StartedAt  time.Time `json:"started_at"`
}

func (i *Instance) Snapshot() Snapshot {
	return Snapshot{
		InstanceID: i.ID,
		BotID:      i.BotID,
		OwnerID:    i.OwnerID,
		Tier:       i.Tier,
		Strategy:   i.Strategy,
		State:      i.State(),
		StartedAt:  i.StartedAt,
	}
}

type Registry struct {
	mu        sync.RWMutex
	instances map[string]*Instance
}

func New() *Registry {
	return &Registry{instances: make(map[string]*Instance)}
}

// TryInsert is the admission gate: false if the bot already has an instance.
func (r *Registry) TryInsert(inst *Instance) bool {
	ok, _ := r.TryInsertBounded(inst, 0)
	return ok
}

// TryInsertBounded is TryInsert plus a per-owner cap (0 = no cap). The cap
// is checked only when the bot is not already registered.
func (r *Registry) TryInsertBounded(inst *Instance, ownerLimit int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.instances[inst.BotID]; exists {
		return false, nil
	}
	if ownerLimit > 0 && r.countByOwnerLocked(inst.OwnerID) >= ownerLimit {
		return false, ErrOwnerLimit
	}
	r.instances[inst.BotID] = inst
	return true, nil
}

// Remove drops whatever instance is registered for botID. Idempotent.
func (r *Registry) Remove(botID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, botID)
}

// RemoveInstance removes inst only if it is still the registered instance
// for its bot. Returns true for the single caller that actually removed it.
func (r *Registry) RemoveInstance(inst *Instance) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.instances[inst.BotID]; ok && cur == inst {
		delete(r.instances, inst.BotID)
		return true
	}
	return false
}

func (r *Registry) Get(botID string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[botID]
	return inst, ok
}

func (r *Registry) OwnerOf(botID string) (string, bool) {
	inst, ok := r.Get(botID)
	if !ok {
		return "", false
	}
	return inst.OwnerID, true
}

// IsCurrent reports whether inst is the registered instance for its bot.
func (r *Registry) IsCurrent(inst *Instance) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.instances[inst.BotID] == inst
}

func (r *Registry) List() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.instances)
}

func (r *Registry) CountByOwner(ownerID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.countByOwnerLocked(ownerID)
}

func (r *Registry) countByOwnerLocked(ownerID string) int {
	n := 0
	for _, inst := range r.instances {
		if inst.OwnerID == ownerID {
			n++
		}
	}
	return n
}
