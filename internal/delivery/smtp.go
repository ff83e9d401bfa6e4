package delivery

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"gopkg.in/gomail.v2"
)

// SMTPDialer sends gomail messages over a connection it owns, so every read
// and write carries a deadline and ending ctx closes the connection.
// gomail.Dialer sets neither.
type SMTPDialer struct {
	Host     string
	Port     int
	Username string
	Password string
	Timeout  time.Duration
	// SSL selects implicit TLS. NewSMTPDialer enables it for port 465.
	SSL       bool
	TLSConfig *tls.Config
}

func NewSMTPDialer(cfg EmailConfig) *SMTPDialer {
	return &SMTPDialer{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		Timeout:  cfg.Timeout,
		SSL:      cfg.Port == 465,
	}
}

func (d *SMTPDialer) DialAndSend(ctx context.Context, m *gomail.Message) error {
	if d.Timeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d.Timeout)
			defer cancel()
		}
	}

	var nd net.Dialer
	raw, err := nd.DialContext(ctx, "tcp", net.JoinHostPort(d.Host, strconv.Itoa(d.Port)))
	if err != nil {
		return err
	}
	defer raw.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := raw.SetDeadline(deadline); err != nil {
			return err
		}
	}
	stop := context.AfterFunc(ctx, func() { raw.Close() })
	defer stop()

	conn := raw
	if d.SSL {
		conn = tls.Client(raw, d.tlsConfig())
	}
	c, err := smtp.NewClient(conn, d.Host)
	if err != nil {
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok && !d.SSL {
		if err := c.StartTLS(d.tlsConfig()); err != nil {
			return err
		}
	}
	if d.Username != "" {
		if ok, _ := c.Extension("AUTH"); ok {
			if err := c.Auth(smtp.PlainAuth("", d.Username, d.Password, d.Host)); err != nil {
				return err
			}
		}
	}

	// gomail.Send flattens the sender's error into a string, which hides
	// the SMTP reply code, so keep the original.
	var sendErr error
	err = gomail.Send(gomail.SendFunc(func(from string, to []string, msg io.WriterTo) error {
		sendErr = transmit(c, from, to, msg)
		return sendErr
	}), m)
	if sendErr != nil {
		return sendErr
	}
	if err != nil {
		return err
	}
	return c.Quit()
}

func (d *SMTPDialer) tlsConfig() *tls.Config {
	if d.TLSConfig != nil {
		return d.TLSConfig
	}
	return &tls.Config{ServerName: d.Host, MinVersion: tls.VersionTLS12}
}

func transmit(c *smtp.Client, from string, to []string, msg io.WriterTo) error {
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, addr := range to {
		if err := c.Rcpt(addr); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := msg.WriteTo(w); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}
