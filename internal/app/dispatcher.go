package app

import (
	"context"
	"encoding/json"

	"github.com/rferraz/syncline/internal/backend"
	"github.com/rferraz/syncline/internal/queue"
)

// NewDispatcher routes queued operations to their backend calls. Send
// results are returned as model.Message so the lifecycle engine can
// reconcile the canonical message against its optimistic entry.
func NewDispatcher(client backend.Client) queue.Dispatcher {
	return queue.DispatcherFunc(func(ctx context.Context, op queue.Op) (any, error) {
		switch op.Kind {
		case queue.KindSendMessage:
			var req backend.SendRequest
			if err := json.Unmarshal(op.Payload, &req); err != nil {
				return nil, backend.Errf(backend.ValidationError, "decode send op: %v", err)
			}
			return client.SendMessage(ctx, req)
		case queue.KindMarkRead:
			return nil, client.MarkConversationRead(ctx, op.ConversationID)
		default:
			return nil, backend.Errf(backend.ValidationError, "unknown op kind %q", op.Kind)
		}
	})
}
