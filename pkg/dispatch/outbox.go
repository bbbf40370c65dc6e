package dispatch

import (
	"context"

	"github.com/dotsetgreg/relaybot/pkg/bus"
	"github.com/dotsetgreg/relaybot/pkg/logger"
	"github.com/dotsetgreg/relaybot/pkg/store"
)

// Outbox drains the bus outbound queue through the session. Commands such
// as broadcast publish there instead of sending inline.
type Outbox struct {
	sender Sender
	log    MessageLog
}

func NewOutbox(sender Sender, log MessageLog) *Outbox {
	return &Outbox{sender: sender, log: log}
}

// Run sends queued messages until ctx is done or the bus closes.
func (o *Outbox) Run(ctx context.Context, mb *bus.MessageBus) {
	for {
		msg, ok := mb.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		o.deliver(ctx, msg)
	}
}

func (o *Outbox) deliver(ctx context.Context, msg bus.OutboundMessage) {
	id, err := o.sender.Send(ctx, msg.RecipientID, msg.Content)
	if err != nil {
		logger.WarnCF("dispatch", "Outbound message not delivered", map[string]interface{}{
			"recipient_id": msg.RecipientID,
			"source":       msg.Source,
			"error":        err.Error(),
		})
		return
	}
	if o.log == nil {
		return
	}
	if err := o.log.RecordOutbound(ctx, store.MessageRecord{
		MessageID: id,
		UserID:    msg.RecipientID,
		ChatID:    msg.RecipientID,
		Content:   msg.Content,
		Source:    msg.Source,
	}); err != nil {
		logger.WarnCF("dispatch", "Failed to record outbound message", map[string]interface{}{
			"message_id": id,
			"error":      err.Error(),
		})
	}
}
