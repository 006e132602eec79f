package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

const (
	pushBody   = "Abri Vitbox para reservar tu cupo."
	maxPerSend = 500
)

// Message is one multicast push notification.
type Message struct {
	Title  string
	Body   string
	Data   map[string]string
	Tokens []string
}

// Sender delivers push messages to devices.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// TokenLister returns every registered device token.
type TokenLister interface {
	ListPushTokens(ctx context.Context) ([]string, error)
}

// LogSender logs messages instead of delivering them.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender constructs a logging sender.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger.With("component", "LogSender")}
}

// Send logs the message.
func (s *LogSender) Send(ctx context.Context, msg Message) error {
	s.logger.InfoContext(ctx, "[MOCK] push notification", "title", msg.Title, "tokens", len(msg.Tokens))
	return nil
}

// Fanout turns slot freed events into push messages for every device.
type Fanout struct {
	tokens TokenLister
	sender Sender
	logger *slog.Logger
}

// NewFanout constructs a fan-out worker.
func NewFanout(tokens TokenLister, sender Sender, logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{tokens: tokens, sender: sender, logger: logger.With("component", "Fanout")}
}

// Result summarises the handling of one event.
type Result struct {
	Tokens  int
	Batches int
}

// Handle decodes one event payload and sends the push messages. Events with
// no registered devices are acknowledged without sending.
func (f *Fanout) Handle(ctx context.Context, payload []byte) (Result, error) {
	var event SlotFreedEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return Result{}, fmt.Errorf("notify: decode slot freed event: %w", err)
	}
	if err := event.Validate(); err != nil {
		return Result{}, err
	}

	tokens, err := f.tokens.ListPushTokens(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("notify: list push tokens: %w", err)
	}
	if len(tokens) == 0 {
		f.logger.InfoContext(ctx, "no push tokens registered", "class_id", event.ClassID)
		return Result{}, nil
	}

	result := Result{Tokens: len(tokens)}
	for start := 0; start < len(tokens); start += maxPerSend {
		end := min(start+maxPerSend, len(tokens))
		msg := Message{
			Title:  "Se libero un lugar en " + event.ClassTitle,
			Body:   pushBody,
			Data:   map[string]string{"classId": event.ClassID},
			Tokens: tokens[start:end],
		}
		if err := f.sender.Send(ctx, msg); err != nil {
			return result, fmt.Errorf("notify: send batch %d: %w", result.Batches+1, err)
		}
		result.Batches++
	}
	return result, nil
}

// Subscribe consumes slot freed events from NATS until the subscription is
// drained. Handler failures are logged; NATS core delivery does not redeliver.
func (f *Fanout) Subscribe(ctx context.Context, conn *nats.Conn) (*nats.Subscription, error) {
	return conn.Subscribe(SubjectSlotFreed, func(msg *nats.Msg) {
		result, err := f.Handle(ctx, msg.Data)
		if err != nil {
			f.logger.ErrorContext(ctx, "failed to fan out slot freed event", "error", err)
			return
		}
		f.logger.InfoContext(ctx, "slot freed event fanned out", "tokens", result.Tokens, "batches", result.Batches)
	})
}
