package offlinecache

import (
	"context"
	"encoding/json"
)

// MessageType is the "type" field of a client message.
type MessageType string

const (
	MessageSkipWaiting    MessageType = "SKIP_WAITING"
	MessageQueueOperation MessageType = "QUEUE_OPERATION"
	MessageClearCache     MessageType = "CLEAR_CACHE"
	MessageSyncComplete   MessageType = "SYNC_COMPLETE"
)

// Message is exchanged with clients in both directions.
type Message struct {
	Type      MessageType `json:"type"`
	Operation *Operation  `json:"operation,omitempty"`
	Count     int         `json:"count,omitempty"`
}

// Reply is sent back on the reply channel of a handled message.
type Reply struct {
	Success bool `json:"success"`
}

// HandleMessage decodes and dispatches a JSON client message. Malformed and
// unknown messages are ignored and return a nil reply.
func (m *Manager) HandleMessage(ctx context.Context, data []byte) *Reply {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		m.logger.DebugContext(ctx, "ignoring malformed message", "error", err)
		return nil
	}
	return m.Dispatch(ctx, msg)
}

// Dispatch handles a decoded client message. SKIP_WAITING never replies;
// QUEUE_OPERATION and CLEAR_CACHE reply once their work has finished. Failures
// are logged and produce no reply.
func (m *Manager) Dispatch(ctx context.Context, msg Message) *Reply {
	m.logger.DebugContext(ctx, "message received", "type", msg.Type)

	switch msg.Type {
	case MessageSkipWaiting:
		if err := m.SkipWaiting(ctx); err != nil {
			m.logger.WarnContext(ctx, "skip waiting failed", "error", err)
		}
		return nil
	case MessageQueueOperation:
		if msg.Operation == nil {
			// Nothing to store, but the sync is still requested and acknowledged.
			m.logger.DebugContext(ctx, "operation message without operation")
			m.RegisterSync(SyncTagData)
			return &Reply{Success: true}
		}
		if _, err := m.QueueOperation(ctx, *msg.Operation); err != nil {
			m.logger.WarnContext(ctx, "error queueing operation", "error", err)
			return nil
		}
		return &Reply{Success: true}
	case MessageClearCache:
		if err := m.ClearAll(ctx); err != nil {
			m.logger.WarnContext(ctx, "error clearing caches", "error", err)
			return nil
		}
		return &Reply{Success: true}
	default:
		return nil
	}
}
