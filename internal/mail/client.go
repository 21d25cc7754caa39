// Package mail sends invitation e-mail through a preset SMTP relay. The
// mailer runs in disabled mode when no relay is configured; invitation
// creation never depends on mail delivery.
package mail

import (
	"fmt"
	"net/url"

	"github.com/dajohi/goemail"
	"go.uber.org/zap"
)

// Mailer delivers invitation messages.
type Mailer interface {
	IsEnabled() bool
	SendInvitation(recipient, memberName, inviterName, circleName, joinURL string) error
}

// ClientConfig describes the SMTP relay and sender identity.
type ClientConfig struct {
	Host     string
	Username string
	Password string
	Name     string
	Address  string
	Logger   *zap.Logger
}

type client struct {
	smtp        *goemail.SMTP
	mailName    string
	mailAddress string
	disabled    bool
	logger      *zap.Logger
}

// NewClient constructs an SMTP mailer. An empty host yields a disabled
// client whose sends are logged no-ops.
func NewClient(cfg ClientConfig) (Mailer, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if cfg.Host == "" {
		logger.Info("smtp host not configured, invitation mail disabled")
		return &client{disabled: true, logger: logger}, nil
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("mail: sender address is required when smtp host is set")
	}

	server := url.URL{
		Scheme: "smtps",
		Host:   cfg.Host,
	}
	if cfg.Username != "" {
		server.User = url.UserPassword(cfg.Username, cfg.Password)
	}

	smtp, err := goemail.NewSMTP(server.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("mail: smtp setup failed: %w", err)
	}

	return &client{
		smtp:        smtp,
		mailName:    cfg.Name,
		mailAddress: cfg.Address,
		logger:      logger,
	}, nil
}

// IsEnabled reports whether a relay is configured.
func (c *client) IsEnabled() bool {
	return !c.disabled
}

// SendInvitation mails the join link to the invited address.
func (c *client) SendInvitation(recipient, memberName, inviterName, circleName, joinURL string) error {
	if c.disabled {
		c.logger.Info("invitation mail skipped, mailer disabled",
			zap.String("recipient", recipient))
		return nil
	}

	subject, body := invitationMessage(memberName, inviterName, circleName, joinURL)
	msg := goemail.NewMessage(c.mailAddress, subject, body)
	if c.mailName != "" {
		msg.SetName(c.mailName)
	}
	msg.AddTo(recipient)

	return c.smtp.Send(msg)
}

func invitationMessage(memberName, inviterName, circleName, joinURL string) (string, string) {
	subject := fmt.Sprintf("You have been invited to join %s on CareCircle", circleName)
	greeting := "You have been invited"
	if inviterName != "" {
		greeting = fmt.Sprintf("%s has invited you", inviterName)
	}
	body := fmt.Sprintf(`Hi %s,

%s to join the caregiving circle %q on CareCircle.

Open the link below to connect your wallet and accept:

%s

This invitation expires in 7 days. If you were not expecting it, you can
ignore this message.
`, memberName, greeting, circleName, joinURL)
	return subject, body
}
