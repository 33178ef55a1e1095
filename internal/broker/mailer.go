package broker

import (
	"context"

	slogctx "github.com/veqryn/slog-context"
)

// Message is one confirmation mail handed to the dispatch collaborator. The
// collaborator owns rendering and transport; the broker only provides the
// artifacts the user needs to finish the flow.
type Message struct {
	To         string
	ClientID   string
	Code       string
	ConfirmURL string
}

// Mailer dispatches confirmation mail. A failure is reported to the user as
// a generic dispatch error; the broker never retries on its own.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// LogMailer writes the confirmation artifacts to the log instead of sending
// mail. Useful for local runs and as the default until SMTP is wired up. The
// sender identity comes from the mail configuration so switching to a real
// transport later does not change the config surface.
type LogMailer struct {
	FromName    string
	FromAddress string
}

var _ = Mailer(LogMailer{})

func (m LogMailer) Send(ctx context.Context, msg Message) error {
	slogctx.Info(ctx, "Confirmation mail",
		"from_name", m.FromName,
		"from_address", m.FromAddress,
		"to", msg.To,
		"client_id", msg.ClientID,
		"code", msg.Code,
		"confirm_url", msg.ConfirmURL,
	)

	return nil
}
