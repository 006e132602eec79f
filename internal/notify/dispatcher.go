// Package notify publishes slot freed events and fans them out to devices.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SubjectSlotFreed is the NATS subject carrying SlotFreedEvent payloads.
const SubjectSlotFreed = "class.slot_freed"

// ErrInvalidEvent is returned when classID or classTitle is missing.
var ErrInvalidEvent = errors.New("notify: classId and classTitle are required")

// SlotFreedEvent announces that a full class has a free seat again.
type SlotFreedEvent struct {
	EventID    uuid.UUID `json:"event_id"`
	EventType  string    `json:"event_type"`
	ClassID    string    `json:"class_id"`
	ClassTitle string    `json:"class_title"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Validate checks the required event fields.
func (e SlotFreedEvent) Validate() error {
	if strings.TrimSpace(e.ClassID) == "" || strings.TrimSpace(e.ClassTitle) == "" {
		return ErrInvalidEvent
	}
	return nil
}

// Publisher is the subset of *nats.Conn used to emit events.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSDispatcher emits slot freed events on NATS.
type NATSDispatcher struct {
	conn   Publisher
	now    func() time.Time
	logger *slog.Logger
}

// NewNATSDispatcher constructs a dispatcher publishing through conn.
func NewNATSDispatcher(conn Publisher, now func() time.Time, logger *slog.Logger) *NATSDispatcher {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSDispatcher{conn: conn, now: now, logger: logger.With("component", "NATSDispatcher")}
}

// NotifySlotAvailable publishes the event. Delivery is fire-and-forget; NATS
// buffers the message and the call returns without waiting for consumers.
func (d *NATSDispatcher) NotifySlotAvailable(ctx context.Context, classID, classTitle string) error {
	event := SlotFreedEvent{
		EventID:    uuid.New(),
		EventType:  SubjectSlotFreed,
		ClassID:    classID,
		ClassTitle: classTitle,
		OccurredAt: d.now().UTC(),
	}
	if err := event.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("notify: marshal slot freed event: %w", err)
	}
	if err := d.conn.Publish(SubjectSlotFreed, payload); err != nil {
		return fmt.Errorf("notify: publish %s: %w", SubjectSlotFreed, err)
	}

	d.logger.InfoContext(ctx, "published slot freed event",
		"subject", SubjectSlotFreed,
		"event_id", event.EventID.String(),
		"class_id", classID,
	)
	return nil
}

// LogDispatcher only logs events. It runs when no broker is configured.
type LogDispatcher struct {
	logger *slog.Logger
}

// NewLogDispatcher constructs a logging dispatcher.
func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDispatcher{logger: logger.With("component", "LogDispatcher")}
}

// NotifySlotAvailable validates and logs the event.
func (d *LogDispatcher) NotifySlotAvailable(ctx context.Context, classID, classTitle string) error {
	event := SlotFreedEvent{ClassID: classID, ClassTitle: classTitle}
	if err := event.Validate(); err != nil {
		return err
	}
	d.logger.InfoContext(ctx, "[MOCK] slot freed", "class_id", classID, "class_title", classTitle)
	return nil
}
