package push

import (
	"encoding/json"
	"fmt"

	"github.com/rferraz/syncline/internal/backend"
)

// ParseEvent decodes a push frame into a tagged event and validates the
// envelope fields the merge rules rely on.
func ParseEvent(data []byte) (backend.PushEvent, error) {
	var evt backend.PushEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return backend.PushEvent{}, fmt.Errorf("decode push event: %w", err)
	}

	switch evt.Entity {
	case backend.EntityConversation, backend.EntityMessage, backend.EntityGroup:
	default:
		return backend.PushEvent{}, fmt.Errorf("unknown push entity %q", evt.Entity)
	}
	switch evt.Op {
	case backend.OpInsert, backend.OpUpdate, backend.OpDelete:
	default:
		return backend.PushEvent{}, fmt.Errorf("unknown push op %q", evt.Op)
	}
	if len(evt.Payload) == 0 {
		return backend.PushEvent{}, fmt.Errorf("push event without payload")
	}
	return evt, nil
}
