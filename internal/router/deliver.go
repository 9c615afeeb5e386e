package router

import (
	"context"
	"fmt"
	"sync"

	"github.com/basket/go-council/internal/persistence"
)

// Mailbox is the persistent per-agent inbox.
type Mailbox interface {
	DeliverToMailbox(ctx context.Context, m persistence.MessageRow, recipients []string) error
}

// MailboxDeliverer delivers by appending to agent mailboxes. Broadcast
// messages fan out to every agent on the roster except the sender.
type MailboxDeliverer struct {
	mailbox Mailbox

	mu     sync.RWMutex
	roster []string
}

func NewMailboxDeliverer(mailbox Mailbox, roster []string) *MailboxDeliverer {
	return &MailboxDeliverer{mailbox: mailbox, roster: append([]string(nil), roster...)}
}

// SetRoster replaces the broadcast recipient list.
func (d *MailboxDeliverer) SetRoster(roster []string) {
	d.mu.Lock()
	d.roster = append([]string(nil), roster...)
	d.mu.Unlock()
}

func (d *MailboxDeliverer) Deliver(ctx context.Context, m Message) error {
	recipients := []string{m.To}
	if m.RouteType == RouteBroadcast {
		d.mu.RLock()
		recipients = recipients[:0]
		for _, name := range d.roster {
			if name != m.From {
				recipients = append(recipients, name)
			}
		}
		d.mu.RUnlock()
	}
	if len(recipients) == 0 {
		return fmt.Errorf("message %s: no recipients", m.ID)
	}
	return d.mailbox.DeliverToMailbox(ctx, persistence.MessageRow{
		ID:       m.ID,
		From:     m.From,
		To:       m.To,
		Content:  m.Content,
		Priority: m.Priority.String(),
	}, recipients)
}
