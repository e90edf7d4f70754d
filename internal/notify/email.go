package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/Martian-dev/inbox-relay/internal/sync"
)

// SMTPConfig holds the mail relay settings
type SMTPConfig struct {
	Host string
	Port int
	// ImplicitTLS dials TLS directly (port 465); otherwise STARTTLS is used when offered
	ImplicitTLS bool
	Username    string
	Password    string
	From        string
	To          []string
	Timeout     time.Duration
}

type sendFunc func(ctx context.Context, from string, to []string, msg io.Reader) error

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// EmailSink delivers notifications as plain text mail over SMTP
type EmailSink struct {
	cfg  SMTPConfig
	send sendFunc
	dial dialFunc
}

func NewEmailSink(cfg SMTPConfig) (*EmailSink, error) {
	if cfg.Host == "" || cfg.From == "" || len(cfg.To) == 0 {
		return nil, fmt.Errorf("smtp host, from and to are required")
	}
	if cfg.Port == 0 {
		cfg.Port = 465
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	s := &EmailSink{cfg: cfg}
	s.send = s.sendSMTP
	s.dial = (&net.Dialer{Timeout: cfg.Timeout}).DialContext
	return s, nil
}

func (s *EmailSink) Name() string      { return "email" }
func (s *EmailSink) Transport() string { return "smtp" }

func (s *EmailSink) Send(ctx context.Context, n sync.Notification) (*sync.SinkResult, error) {
	if err := s.SendDirect(ctx, n.Subject, n.Body); err != nil {
		return nil, err
	}
	return &sync.SinkResult{Response: fmt.Sprintf("delivered to %d recipient(s)", len(s.cfg.To))}, nil
}

// SendDirect mails an ad-hoc subject and body to the configured recipients
func (s *EmailSink) SendDirect(ctx context.Context, subject, body string) error {
	msg, err := composeMessage(s.cfg.From, s.cfg.To, subject, body, time.Now())
	if err != nil {
		return fmt.Errorf("compose message: %w", err)
	}
	return s.send(ctx, s.cfg.From, s.cfg.To, bytes.NewReader(msg))
}

func composeMessage(from string, to []string, subject, body string, date time.Time) ([]byte, error) {
	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	rcpts := make([]*mail.Address, 0, len(to))
	for _, addr := range to {
		rcpts = append(rcpts, &mail.Address{Address: addr})
	}
	h.SetAddressList("To", rcpts)
	h.SetSubject(subject)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if err := h.GenerateMessageID(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *EmailSink) sendSMTP(ctx context.Context, from string, to []string, msg io.Reader) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	tlsConfig := &tls.Config{ServerName: s.cfg.Host}

	timeout := s.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := s.dial(dialCtx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	if s.cfg.ImplicitTLS {
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(dialCtx); err != nil {
			conn.Close()
			return fmt.Errorf("tls handshake %s: %w", addr, err)
		}
		conn = tlsConn
	}
	c := smtp.NewClient(conn)
	defer c.Close()

	c.CommandTimeout = timeout
	c.SubmissionTimeout = timeout

	if !s.cfg.ImplicitTLS {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}
	if s.cfg.Username != "" {
		if err := c.Auth(sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.SendMail(from, to, msg); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return c.Quit()
}
