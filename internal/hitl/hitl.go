// Package hitl files human-intervention requests. Delivering answers back
// into a run is handled elsewhere; a request here only records that a human
// must look.
package hitl

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-council/internal/bus"
	"github.com/basket/go-council/internal/persistence"
	"github.com/basket/go-council/internal/shared"
)

// Store persists pending requests.
type Store interface {
	InsertHumanRequest(ctx context.Context, r persistence.HumanRequestRow) error
	ListHumanRequests(ctx context.Context, status string) ([]persistence.HumanRequestRow, error)
}

// Context describes what the human is asked to look at.
type Context struct {
	TaskID    string
	SubTaskID string
	Agent     string
	Reason    string
	Detail    string
}

func (c Context) String() string {
	s := c.Reason
	if c.Agent != "" {
		s = c.Agent + ": " + s
	}
	if c.Detail != "" {
		s += " (" + c.Detail + ")"
	}
	return s
}

// Channel files requests and announces them on the bus.
type Channel struct {
	store  Store
	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time
}

func NewChannel(store Store, b *bus.Bus, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	return &Channel{store: store, bus: b, logger: logger, now: time.Now}
}

// Request files a pending intervention request and returns its id.
func (c *Channel) Request(ctx context.Context, hc Context, priority string) (string, error) {
	id := "hitl_" + uuid.NewString()
	text := shared.Redact(hc.String())
	row := persistence.HumanRequestRow{
		ID:        id,
		TaskID:    hc.TaskID,
		SubTaskID: hc.SubTaskID,
		Context:   text,
		Priority:  priority,
		Status:    "pending",
		CreatedAt: c.now().UTC(),
	}
	if err := c.store.InsertHumanRequest(ctx, row); err != nil {
		return "", fmt.Errorf("file intervention request: %w", err)
	}
	c.bus.Publish(bus.TopicHITLRequested, bus.HITLRequest{
		RequestID: id,
		TaskID:    hc.TaskID,
		SubTaskID: hc.SubTaskID,
		Priority:  priority,
		Context:   text,
	})
	c.logger.WarnContext(ctx, "human intervention requested", "request_id", id, "task_id", hc.TaskID,
		"subtask_id", hc.SubTaskID, "priority", priority, "reason", hc.Reason)
	return id, nil
}

// Pending lists requests still waiting for a human.
func (c *Channel) Pending(ctx context.Context) ([]persistence.HumanRequestRow, error) {
	return c.store.ListHumanRequests(ctx, "pending")
}
