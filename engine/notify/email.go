// Package notify sends build completion email.
package notify

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/wneessen/go-mail"

	"github.com/buildsmith/buildsmith/engine/task/model"
	"github.com/buildsmith/buildsmith/pkg/config"
	"github.com/buildsmith/buildsmith/pkg/logger"
)

// Mailer sends a completion message for finished builds. Delivery failures
// are logged and never fail the build.
type Mailer struct {
	cfg config.EmailConfig
}

func NewMailer(cfg config.EmailConfig) *Mailer {
	return &Mailer{cfg: cfg}
}

// BuildFinished emails the recipients about a finished task. Extra addresses
// from the request are added to the configured list.
func (m *Mailer) BuildFinished(ctx context.Context, t *model.Task, emails []string) {
	if m.cfg.SMTP == "" || m.cfg.From == "" {
		return
	}
	recipients := append(append([]string{}, m.cfg.To...), emails...)
	if len(recipients) == 0 {
		return
	}
	if err := m.send(ctx, t, recipients); err != nil {
		logger.FromContext(ctx).Warn("completion email failed", "task_id", t.ID, "error", err)
		return
	}
	logger.FromContext(ctx).Info("completion email sent", "task_id", t.ID, "recipients", len(recipients))
}

func (m *Mailer) send(ctx context.Context, t *model.Task, recipients []string) error {
	msg := mail.NewMsg()
	if err := msg.From(m.cfg.From); err != nil {
		return fmt.Errorf("notify: from address: %w", err)
	}
	if err := msg.To(recipients...); err != nil {
		return fmt.Errorf("notify: recipients: %w", err)
	}
	msg.Subject(Subject(t))
	msg.SetBodyString(mail.TypeTextPlain, Body(t))

	host, port := splitSMTPAddr(m.cfg.SMTP)
	opts := []mail.Option{
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(m.cfg.From),
		mail.WithPassword(m.cfg.Password),
	}
	if port != 0 {
		opts = append(opts, mail.WithPort(port))
	}
	client, err := mail.NewClient(host, opts...)
	if err != nil {
		return fmt.Errorf("notify: smtp client: %w", err)
	}
	return client.DialAndSendWithContext(ctx, msg)
}

// Subject builds the mail subject line for a finished task.
func Subject(t *model.Task) string {
	return fmt.Sprintf("build #%d %s: %s on %s", t.ID, t.State, t.BranchName, t.Server)
}

// Body renders a short plain-text summary.
func Body(t *model.Task) string {
	end := ""
	if t.EndTime != nil {
		end = *t.EndTime
	}
	return fmt.Sprintf(
		"task:      #%d\nbranch:    %s\nserver:    %s\nstate:     %s\ncommit:    %s\ninstaller: %s\nstorage:   %s\nstarted:   %s\nfinished:  %s\n",
		t.ID, t.BranchName, t.Server, t.State, t.CommitID, t.Installer, t.StoragePath, t.StartTime, end,
	)
}

func splitSMTPAddr(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return addr, 0
	}
	return host, port
}
