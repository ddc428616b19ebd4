package alert

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wneessen/go-mail"

	"github.com/knoguchi/tendersense/internal/tender"
)

// Notifier delivers a digest of new items. It is only called with at least one item.
type Notifier interface {
	Notify(ctx context.Context, profile tender.AlertProfile, items []tender.Hit) error
}

// SMTPConfig holds mail delivery settings.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// StartTLS requires STARTTLS; otherwise it is used opportunistically.
	StartTLS bool
}

// Mailer sends digests over SMTP.
type Mailer struct {
	cfg    SMTPConfig
	logger *slog.Logger
}

// NewMailer creates a Mailer.
func NewMailer(cfg SMTPConfig, logger *slog.Logger) *Mailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailer{cfg: cfg, logger: logger.With("component", "mailer")}
}

// Notify renders the digest and sends it to the profile's recipients.
// Profiles without recipients are logged and skipped.
func (m *Mailer) Notify(ctx context.Context, profile tender.AlertProfile, items []tender.Hit) error {
	if len(profile.Recipients) == 0 {
		m.logger.Info("profile has no recipients, skipping email", "profile", profile.Name, "items", len(items))
		return nil
	}

	msg, err := m.buildMessage(profile, items)
	if err != nil {
		return err
	}

	opts := []mail.Option{mail.WithPort(m.cfg.Port)}
	if m.cfg.StartTLS {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSMandatory))
	} else {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSOpportunistic))
	}
	if m.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.cfg.Username),
			mail.WithPassword(m.cfg.Password),
		)
	}

	client, err := mail.NewClient(m.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("creating smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("sending digest: %w", err)
	}

	m.logger.Info("digest sent", "profile", profile.Name, "recipients", len(profile.Recipients), "items", len(items))
	return nil
}

func (m *Mailer) buildMessage(profile tender.AlertProfile, items []tender.Hit) (*mail.Msg, error) {
	body, err := RenderDigest(profile, items)
	if err != nil {
		return nil, err
	}

	msg := mail.NewMsg()
	if err := msg.From(m.cfg.From); err != nil {
		return nil, fmt.Errorf("invalid sender %q: %w", m.cfg.From, err)
	}
	if err := msg.To(profile.Recipients...); err != nil {
		return nil, fmt.Errorf("invalid recipients: %w", err)
	}
	msg.Subject(Subject(profile, len(items)))
	msg.SetBodyString(mail.TypeTextHTML, body)
	return msg, nil
}

// LogNotifier only logs digests; used when SMTP is not configured.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify logs the item ids.
func (n LogNotifier) Notify(_ context.Context, profile tender.AlertProfile, items []tender.Hit) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ids := make([]string, len(items))
	for i, h := range items {
		ids[i] = h.ID
	}
	logger.Info("alert digest (delivery disabled)", "profile", profile.Name, "subject", Subject(profile, len(items)), "ids", ids)
	return nil
}

var (
	_ Notifier = (*Mailer)(nil)
	_ Notifier = LogNotifier{}
)
