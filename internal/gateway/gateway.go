package gateway

import (
	"github.com/rahul/matseg/internal/observability"
	"github.com/rahul/matseg/internal/store"
	"go.uber.org/zap"
)

const expiryNotice = "Your session expired. Send a new image to start again."

// Gateway is an inbound surface that runs until stopped.
type Gateway interface {
	// Start blocks serving requests until Stop is called or it fails
	Start() error
	// Stop gracefully shuts down the gateway
	Stop() error
}

// Messenger is a chat gateway that can also push messages (Telegram, etc.)
type Messenger interface {
	Gateway
	// Send sends a message to a specific chat
	Send(chatID string, text string) error
	// ChatID maps a session back to the chat that owns it
	ChatID(sessionID string) (string, bool)
}

// NotifyEvicted returns a session teardown hook that tells the owning chat
// its session is gone. Sessions that belong to no chat of m are skipped.
func NotifyEvicted(m Messenger, logger *observability.Logger) store.EvictFunc {
	return func(mem *store.SessionMemory) {
		chatID, ok := m.ChatID(mem.ID)
		if !ok {
			return
		}
		if err := m.Send(chatID, expiryNotice); err != nil {
			logger.Zap().Warn("expiry notice failed", zap.String("session_id", mem.ID), zap.Error(err))
		}
	}
}
