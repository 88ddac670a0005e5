// ABOUTME: Tracks agents registered with the relay, their capabilities and last-seen times.
// ABOUTME: Registration is idempotent; re-registering refreshes the record and instance id.

package relay

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrAgentNotFound indicates the named agent has never registered.
var ErrAgentNotFound = errors.New("agent not found")

// Registration is the relay's record of one registered agent.
type Registration struct {
	Name         string    `json:"name"`
	InstanceID   string    `json:"instance_id"`
	Capabilities []string  `json:"capabilities,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// Registry tracks all agents known to the relay.
type Registry struct {
	agents map[string]*Registration
	mu     sync.RWMutex
	logger *slog.Logger
}

// NewRegistry creates a new Registry instance.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*Registration),
		logger: logger,
	}
}

// Register records an agent. Registering a name that already exists is
// tolerated: the record is refreshed and a new instance id issued, so a
// restarted agent simply re-registers.
func (r *Registry) Register(name string, capabilities []string) *Registration {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	reg := &Registration{
		Name:         name,
		InstanceID:   uuid.New().String(),
		Capabilities: capabilities,
		RegisteredAt: now,
		LastSeen:     now,
	}
	if prev, ok := r.agents[name]; ok {
		reg.RegisteredAt = prev.RegisteredAt
		r.logger.Info("agent re-registered",
			"agent", name,
			"instance_id", reg.InstanceID,
		)
	} else {
		r.logger.Info("agent registered",
			"agent", name,
			"capabilities", capabilities,
			"total_agents", len(r.agents)+1,
		)
	}
	r.agents[name] = reg
	return reg
}

// Get retrieves a registration by agent name.
func (r *Registry) Get(name string) (*Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.agents[name]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return reg, nil
}

// Touch updates the agent's last-seen timestamp. Called while the agent's
// event stream is open, so /agents reflects liveness.
func (r *Registry) Touch(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if reg, ok := r.agents[name]; ok {
		reg.LastSeen = time.Now().UTC()
	}
}

// List returns a snapshot of all registrations.
func (r *Registry) List() []*Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Registration, 0, len(r.agents))
	for _, reg := range r.agents {
		copied := *reg
		out = append(out, &copied)
	}
	return out
}

// IsRegistered reports whether the named agent has registered.
func (r *Registry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[name]
	return ok
}
