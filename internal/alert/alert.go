// Package alert fans operational notifications out to Telegram and
// Slack. Delivery is asynchronous so alerting never blocks the
// trading path.
package alert

import (
	"context"
	"sync"
	"time"

	"github.com/greatjins/si-trading-system-sub000/internal/core"
)

type Level string

const (
	Info     Level = "INFO"
	Warning  Level = "WARNING"
	Error    Level = "ERROR"
	Critical Level = "CRITICAL"
)

type Payload struct {
	Level     Level
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

type Channel interface {
	Send(ctx context.Context, alert Payload) error
	Name() string
}

// Manager holds the configured channels. A nil *Manager is valid and
// drops every alert, so callers never need to guard.
type Manager struct {
	channels []Channel
	logger   core.ILogger
	mu       sync.RWMutex
}

func NewManager(logger core.ILogger) *Manager {
	return &Manager{
		channels: make([]Channel, 0),
		logger:   logger.WithField("component", "alert"),
	}
}

func (am *Manager) AddChannel(ch Channel) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.channels = append(am.channels, ch)
	am.logger.Info("Added alert channel", "name", ch.Name())
}

// Alert sends the payload to every channel concurrently and returns
// immediately. Each channel gets its own delivery timeout.
func (am *Manager) Alert(ctx context.Context, title, message string, level Level, fields map[string]string) {
	if am == nil {
		return
	}

	payload := Payload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	am.logger.Info("Triggering alert", "title", title, "level", level)

	am.mu.RLock()
	defer am.mu.RUnlock()

	for _, ch := range am.channels {
		go func(c Channel) {
			timeoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()

			if err := c.Send(timeoutCtx, payload); err != nil {
				am.logger.Error("Failed to send alert", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}
