// Package notify tells the user about the outcome of sync passes.
package notify

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/kimhsiao/clinicsync/backend/internal/logging"
	"github.com/kimhsiao/clinicsync/backend/internal/models"
)

// Level is the severity of a notification.
type Level string

const (
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
)

// Notification is one user-facing message.
type Notification struct {
	Level       Level              `json:"level"`
	Title       string             `json:"title"`
	Description string             `json:"description,omitempty"`
	Summary     models.PassSummary `json:"summary"`
}

// Notifier delivers pass outcomes. It is only called for passes where something succeeded
// or permanently failed.
type Notifier interface {
	Notify(ctx context.Context, summary models.PassSummary) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, summary models.PassSummary) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, summary models.PassSummary) error {
	return f(ctx, summary)
}

// Build turns a summary into user messages: one for successes, one for permanent failures.
func Build(summary models.PassSummary) []Notification {
	var out []Notification
	if summary.Succeeded > 0 {
		out = append(out, Notification{
			Level:   LevelSuccess,
			Title:   fmt.Sprintf("%d %s synced", summary.Succeeded, plural(summary.Succeeded, "change", "changes")),
			Summary: summary,
		})
	}
	if summary.Failed > 0 {
		out = append(out, Notification{
			Level:       LevelWarning,
			Title:       fmt.Sprintf("%d %s failed to sync", summary.Failed, plural(summary.Failed, "change", "changes")),
			Description: "They can be retried from the sync queue.",
			Summary:     summary,
		})
	}
	return out
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

// LogNotifier writes notifications to the logger.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a notifier that logs.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logging.OrNop(logger)}
}

// Notify logs one line per notification.
func (n *LogNotifier) Notify(_ context.Context, summary models.PassSummary) error {
	for _, msg := range Build(summary) {
		fields := []zap.Field{
			zap.String("level", string(msg.Level)),
			zap.Int("succeeded", summary.Succeeded),
			zap.Int("failed", summary.Failed),
			zap.Int("retried", summary.Retried),
		}
		if msg.Level == LevelWarning {
			n.logger.Warn(msg.Title, fields...)
		} else {
			n.logger.Info(msg.Title, fields...)
		}
	}
	return nil
}

// Multi fans out to several notifiers. Every notifier is called; errors are joined.
type Multi []Notifier

// Notify calls each notifier in order.
func (m Multi) Notify(ctx context.Context, summary models.PassSummary) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, summary); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
