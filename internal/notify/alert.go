// Package notify implements the notification channel contract:
// send(message, level, title?) with delivery failures logged and swallowed.
package notify

import (
	"context"
	"sync"
	"time"

	"sanad/internal/core"
)

// Level is the notification urgency, L1 (informational) through L4 (operator page).
type Level string

const (
	L1 Level = "L1"
	L2 Level = "L2"
	L3 Level = "L3"
	L4 Level = "L4"
)

type Payload struct {
	Level     Level
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// Channel is a narrow external collaborator (Slack, Telegram, ...).
type Channel interface {
	Send(ctx context.Context, payload Payload) error
	Name() string
}

// Manager fans a notification out to every registered channel, fire-and-forget.
type Manager struct {
	channels []Channel
	logger   core.ILogger
	mu       sync.RWMutex
}

func NewManager(logger core.ILogger) *Manager {
	return &Manager{
		channels: make([]Channel, 0),
		logger:   logger.WithField("component", "notify_manager"),
	}
}

func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("added notification channel", "name", ch.Name())
}

// Send delivers a notification to every channel. Delivery failures are logged
// and swallowed: a failed notification must never abort the caller's primary
// transaction.
func (m *Manager) Send(ctx context.Context, title, message string, level Level, fields map[string]string) {
	payload := Payload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	m.logger.Info("sending notification", "title", title, "level", level)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ch := range m.channels {
		go func(c Channel) {
			timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			if err := c.Send(timeoutCtx, payload); err != nil {
				m.logger.Error("failed to send notification", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}
