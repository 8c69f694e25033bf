// Package notify defines the notifier consumed by the engine. Delivery is
// external; failures are logged and never fatal to a committed settlement.
package notify

import (
	"context"
	"log/slog"
)

// Notifier sends a message to a user.
type Notifier interface {
	Send(ctx context.Context, userID, subject, htmlBody string) error
}

// LogNotifier writes notifications to the log. The in-process default when
// no mail collaborator is wired.
type LogNotifier struct{}

func (LogNotifier) Send(_ context.Context, userID, subject, _ string) error {
	slog.Info("notification", "user", userID, "subject", subject)
	return nil
}

// Func adapts a function to the Notifier interface; handy in tests.
type Func func(ctx context.Context, userID, subject, htmlBody string) error

func (f Func) Send(ctx context.Context, userID, subject, htmlBody string) error {
	return f(ctx, userID, subject, htmlBody)
}
