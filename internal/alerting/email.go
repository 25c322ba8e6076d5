package alerting

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"crypto-market-etl/internal/records"
)

// EmailOptions configure the SMTP channel.
type EmailOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
	// Timeout bounds the whole SMTP exchange when ctx has no deadline.
	Timeout time.Duration
}

type sendMailFunc func(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailChannel sends alerts over SMTP with PLAIN auth when credentials are
// set.
type EmailChannel struct {
	opts     EmailOptions
	sendMail sendMailFunc
}

func NewEmailChannel(opts EmailOptions) *EmailChannel {
	if opts.Port == 0 {
		opts.Port = 587
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	c := &EmailChannel{opts: opts}
	c.sendMail = c.deliver
	return c
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Send(ctx context.Context, alert records.AlertPayload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(c.opts.To) == 0 {
		return fmt.Errorf("email channel has no recipients")
	}

	var auth smtp.Auth
	if c.opts.Username != "" {
		auth = smtp.PlainAuth("", c.opts.Username, c.opts.Password, c.opts.Host)
	}
	addr := net.JoinHostPort(c.opts.Host, fmt.Sprint(c.opts.Port))
	if err := c.sendMail(ctx, addr, auth, c.opts.From, c.opts.To, buildMessage(c.opts.From, c.opts.To, alert)); err != nil {
		return fmt.Errorf("send alert email: %w", err)
	}
	return nil
}

// deliver is smtp.SendMail with the connection deadline taken from ctx, so
// a relay that stalls mid-conversation cannot hold the notifier.
func (c *EmailChannel) deliver(ctx context.Context, addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.opts.Timeout)
	}

	dialer := net.Dialer{Deadline: deadline}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	client, err := smtp.NewClient(conn, c.opts.Host)
	if err != nil {
		conn.Close()
		return err
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: c.opts.Host}); err != nil {
			return err
		}
	}
	if auth != nil {
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(auth); err != nil {
				return err
			}
		}
	}
	if err := client.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}

func buildMessage(from string, to []string, alert records.AlertPayload) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", headerValue(from))
	fmt.Fprintf(&b, "To: %s\r\n", headerValue(strings.Join(to, ", ")))
	fmt.Fprintf(&b, "Subject: [%s] %s run %s failed at %s\r\n",
		headerValue(alert.Severity), headerValue(alert.DagID), headerValue(alert.RunID), headerValue(alert.TaskID))
	fmt.Fprintf(&b, "Date: %s\r\n", alert.OccurredAt.UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	body := strings.ReplaceAll(renderMessage(alert), "\r\n", "\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}

// headerValue folds CR and LF into spaces so caller-supplied ids cannot
// inject headers.
func headerValue(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}

var _ Channel = (*EmailChannel)(nil)
