package events

import (
	"context"
	"fmt"
	"log/slog"

	"enrolld/pkg/email"
)

// Sender delivers a rendered message. Template rendering and SMTP transport
// live outside this service; the default sender only logs.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// LogSender is the development Sender.
type LogSender struct {
	Logger *slog.Logger
}

func (l LogSender) Send(ctx context.Context, to, subject, _ string) error {
	l.Logger.InfoContext(ctx, "outbound email", "to", to, "subject", subject)
	return nil
}

// EmailNotifier sends member-facing mail on the transitions that matter to
// applicants. All other events are ignored.
type EmailNotifier struct {
	sender Sender
}

// NewEmailNotifier creates the notifier.
func NewEmailNotifier(sender Sender) *EmailNotifier {
	return &EmailNotifier{sender: sender}
}

func (n *EmailNotifier) Name() string { return "email" }

func (n *EmailNotifier) Handle(ctx context.Context, event LifecycleEvent) error {
	to := event.Snapshot.Email
	if to == "" {
		return nil
	}
	name := email.RecipientName(event.Snapshot.FirstName, event.Snapshot.LastName, to)

	switch event.Name {
	case EventInitiated:
		return n.sender.Send(ctx, to,
			"Confirm your membership application",
			fmt.Sprintf("Hello %s, please confirm your email address to continue your application.", name))
	case EventApproved:
		return n.sender.Send(ctx, to,
			"Your membership application was approved",
			fmt.Sprintf("Hello %s, your application has been approved and is being processed.", name))
	case EventRejected:
		return n.sender.Send(ctx, to,
			"Your membership application was not approved",
			fmt.Sprintf("Hello %s, unfortunately your application was not approved.", name))
	case EventCompleted:
		return n.sender.Send(ctx, to,
			"Welcome!",
			fmt.Sprintf("Hello %s, your membership registration is complete.", name))
	case EventFailed:
		return n.sender.Send(ctx, to,
			"There was a problem with your registration",
			fmt.Sprintf("Hello %s, registration processing failed; our staff will be in touch.", name))
	}
	return nil
}
