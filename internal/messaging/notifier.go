package messaging

import (
	"context"
	"fmt"
	"strings"

	"subscription-service/internal/models"
	"subscription-service/internal/util"

	"go.uber.org/zap"
)

// MessageSender sends one payload to one recipient
type MessageSender interface {
	Send(ctx context.Context, recipientID int64, payload models.MessagePayload) (*int64, error)
}

// Notifier reports errors and business events to the operator.
// Without a configured recipient it only logs.
type Notifier struct {
	sender    MessageSender
	recipient *int64
	logger    *zap.Logger
}

// NewNotifier creates a notifier; recipient may be nil
func NewNotifier(sender MessageSender, recipient *int64) *Notifier {
	return &Notifier{
		sender:    sender,
		recipient: recipient,
		logger:    util.GetLogger(),
	}
}

// Notification is an operator-facing message
type Notification struct {
	Title  string
	Fields [][2]string
}

func (n Notification) text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>%s</b>", escapeHTML(n.Title))
	for _, f := range n.Fields {
		fmt.Fprintf(&b, "\n%s: <code>%s</code>", escapeHTML(f[0]), escapeHTML(f[1]))
	}
	return b.String()
}

// NotifyOperator delivers n; failures are logged and swallowed
func (n *Notifier) NotifyOperator(ctx context.Context, note Notification) {
	fields := make([]zap.Field, 0, len(note.Fields)+1)
	fields = append(fields, zap.String("title", note.Title))
	for _, f := range note.Fields {
		fields = append(fields, zap.String(f[0], f[1]))
	}

	if n.recipient == nil || n.sender == nil {
		n.logger.Info("Operator notification", fields...)
		return
	}

	if _, err := n.sender.Send(ctx, *n.recipient, models.MessagePayload{Text: note.text()}); err != nil {
		n.logger.Error("Failed to notify operator", append(fields, zap.Error(err))...)
	}
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escapeHTML(s string) string {
	return htmlEscaper.Replace(s)
}
