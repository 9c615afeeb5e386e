package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-council/internal/bus"
	"github.com/basket/go-council/internal/persistence"
)

// Status is an agent's process-wide state.
type Status string

const (
	StatusIdle  Status = "idle"
	StatusBusy  Status = "busy"
	StatusError Status = "error"
)

// StateStore persists agent states.
type StateStore interface {
	SaveAgentState(ctx context.Context, st persistence.AgentStateRow) error
	TouchAgent(ctx context.Context, agent string, at time.Time) error
	ListAgentStates(ctx context.Context) ([]persistence.AgentStateRow, error)
}

// State is one agent's current status.
type State struct {
	Agent         Name      `json:"agent"`
	Status        Status    `json:"status"`
	CurrentTaskID string    `json:"current_task_id,omitempty"`
	LastError     string    `json:"last_error,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Registry tracks the state of every roster agent, one entry per name.
type Registry struct {
	mu     sync.RWMutex
	states map[Name]*State
	store  StateStore
	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time
}

func NewRegistry(store StateStore, b *bus.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		states: make(map[Name]*State),
		store:  store,
		bus:    b,
		logger: logger,
		now:    time.Now,
	}
}

// Register marks each agent idle. Existing entries are reset.
func (r *Registry) Register(ctx context.Context, names []Name) error {
	for _, n := range names {
		if err := r.set(ctx, n, StatusIdle, "", ""); err != nil {
			return err
		}
	}
	return nil
}

// SetBusy marks an agent as working on taskID.
func (r *Registry) SetBusy(ctx context.Context, name Name, taskID string) error {
	return r.set(ctx, name, StatusBusy, taskID, "")
}

// SetIdle clears an agent's current task.
func (r *Registry) SetIdle(ctx context.Context, name Name) error {
	return r.set(ctx, name, StatusIdle, "", "")
}

// SetError records an agent failure.
func (r *Registry) SetError(ctx context.Context, name Name, taskID, msg string) error {
	return r.set(ctx, name, StatusError, taskID, msg)
}

func (r *Registry) set(ctx context.Context, name Name, status Status, taskID, lastErr string) error {
	now := r.now().UTC()
	st := State{Agent: name, Status: status, CurrentTaskID: taskID, LastError: lastErr, LastHeartbeat: now}

	r.mu.Lock()
	r.states[name] = &st
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SaveAgentState(ctx, persistence.AgentStateRow{
			Agent:         string(name),
			Status:        string(status),
			CurrentTaskID: taskID,
			LastError:     lastErr,
			LastHeartbeat: now,
		}); err != nil {
			return fmt.Errorf("save state for %s: %w", name, err)
		}
	}
	r.bus.Publish(bus.TopicAgentState, bus.AgentStateEvent{Agent: string(name), Status: string(status), TaskID: taskID})
	return nil
}

// Heartbeat refreshes an agent's last_heartbeat.
func (r *Registry) Heartbeat(ctx context.Context, name Name) error {
	now := r.now().UTC()
	r.mu.Lock()
	st, ok := r.states[name]
	if ok {
		st.LastHeartbeat = now
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("heartbeat for unregistered agent %q", name)
	}
	if r.store != nil {
		return r.store.TouchAgent(ctx, string(name), now)
	}
	return nil
}

// Get returns a copy of an agent's state.
func (r *Registry) Get(name Name) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.states[name]
	if !ok {
		return State{}, false
	}
	return *st, true
}

// List returns every known state ordered by name.
func (r *Registry) List(ctx context.Context) ([]State, error) {
	if r.store == nil {
		r.mu.RLock()
		defer r.mu.RUnlock()
		out := make([]State, 0, len(r.states))
		for _, n := range DefaultRoster {
			if st, ok := r.states[n]; ok {
				out = append(out, *st)
			}
		}
		return out, nil
	}
	rows, err := r.store.ListAgentStates(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]State, 0, len(rows))
	for _, row := range rows {
		out = append(out, State{
			Agent:         Name(row.Agent),
			Status:        Status(row.Status),
			CurrentTaskID: row.CurrentTaskID,
			LastError:     row.LastError,
			LastHeartbeat: row.LastHeartbeat,
		})
	}
	return out, nil
}
