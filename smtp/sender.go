package smtp

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/example/mailglot/config"
)

var ErrNotConnected = errors.New("smtp: not connected, call Connect first")

// conn is the subset of the go-smtp client used by the Sender. Tests
// substitute a fake through the dial hook.
type conn interface {
	Auth(a sasl.Client) error
	Mail(from string, opts *smtp.MailOptions) error
	Rcpt(to string, opts *smtp.RcptOptions) error
	Data() (io.WriteCloser, error)
	Quit() error
	Close() error
}

// Sender delivers composed messages through the destination relay.
// Transient transport failures during connect and send are retried up to
// RetryCount additional times with a fixed delay; relay rejections
// propagate immediately.
type Sender struct {
	cfg    config.TargetEmail
	logger *slog.Logger
	client conn

	dial  func() (conn, error)
	sleep func(time.Duration)
}

func NewSender(cfg config.TargetEmail, logger *slog.Logger) *Sender {
	s := &Sender{
		cfg:    cfg,
		logger: logger,
		sleep:  time.Sleep,
	}
	s.dial = s.dialStartTLS
	return s
}

func (s *Sender) dialStartTLS() (conn, error) {
	address := net.JoinHostPort(s.cfg.SMTPServer, strconv.Itoa(s.cfg.SMTPPort))
	client, err := smtp.DialStartTLS(address, &tls.Config{ServerName: s.cfg.SMTPServer})
	if err != nil {
		return nil, fmt.Errorf("dial smtp %s: %w", address, err)
	}
	return client, nil
}

// Connect opens a session, upgrades it to TLS and authenticates.
func (s *Sender) Connect() error {
	s.logger.Info("connecting to smtp server", "server", s.cfg.SMTPServer)

	err := s.withRetry("connect", func() error {
		client, err := s.dial()
		if err != nil {
			return err
		}
		auth := sasl.NewPlainClient("", s.cfg.SMTPUser, s.cfg.SMTPPassword)
		if err := client.Auth(auth); err != nil {
			_ = client.Close()
			return fmt.Errorf("smtp auth failed for %s: %w", s.cfg.SMTPUser, err)
		}
		s.client = client
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("smtp connection established", "user", s.cfg.SMTPUser)
	return nil
}

// Disconnect closes the session gracefully. Failures during close are
// logged, never raised.
func (s *Sender) Disconnect() {
	if s.client == nil {
		return
	}
	if err := s.client.Quit(); err != nil {
		s.logger.Warn("smtp quit failed", "err", err)
	}
	s.client = nil
}

// Send composes and delivers a message over the open session. When html is
// non-empty the message is multipart/alternative with the plain part first.
// Each attempt reuses the session; a failed attempt does not reconnect.
func (s *Sender) Send(to, subject, bodyText, bodyHTML string) error {
	if s.client == nil {
		return ErrNotConnected
	}

	payload, err := compose(s.cfg, to, subject, bodyText, bodyHTML)
	if err != nil {
		return fmt.Errorf("compose message: %w", err)
	}

	err = s.withRetry("send", func() error {
		return s.transmit(to, payload)
	})
	if err != nil {
		return err
	}

	s.logger.Info("email sent", "to", to, "subject", subject)
	return nil
}

func (s *Sender) transmit(to string, payload []byte) error {
	if err := s.client.Mail(s.cfg.SMTPUser, nil); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	if err := s.client.Rcpt(to, nil); err != nil {
		return fmt.Errorf("smtp rcpt to: %w", err)
	}
	w, err := s.client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		_ = w.Close()
		return fmt.Errorf("smtp data write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}
	return nil
}

// withRetry runs op up to RetryCount+1 times, pausing RetryDelay between
// attempts. Only transient transport errors are retried; exhausting the
// budget returns the last transient error.
func (s *Sender) withRetry(op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= s.cfg.RetryCount; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !transient(err) {
			return err
		}
		lastErr = err
		if attempt < s.cfg.RetryCount {
			s.logger.Warn("transient smtp failure, retrying",
				"op", op, "attempt", attempt+1, "delay", s.cfg.RetryDelay(), "err", err)
			s.sleep(s.cfg.RetryDelay())
		}
	}
	return lastErr
}

// transient reports whether err looks like a recoverable transport failure.
// Relay protocol responses (including authentication rejections) are final.
func transient(err error) bool {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// compose renders the outgoing message. The plain-text part always comes
// first so clients without HTML support keep a readable fallback.
func compose(cfg config.TargetEmail, to, subject, bodyText, bodyHTML string) ([]byte, error) {
	var buf bytes.Buffer

	var h mail.Header
	h.SetDate(time.Now())
	h.SetSubject(subject)
	h.SetAddressList("From", []*mail.Address{{Name: cfg.SenderName, Address: cfg.SMTPUser}})
	h.SetAddressList("To", []*mail.Address{{Address: to}})

	if bodyHTML == "" {
		h.Set("Content-Type", "text/plain; charset=utf-8")
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return nil, err
		}
		if _, err := io.WriteString(w, bodyText); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	iw, err := mw.CreateInline()
	if err != nil {
		return nil, err
	}

	var textHeader mail.InlineHeader
	textHeader.Set("Content-Type", "text/plain; charset=utf-8")
	tw, err := iw.CreatePart(textHeader)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(tw, bodyText); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}

	var htmlHeader mail.InlineHeader
	htmlHeader.Set("Content-Type", "text/html; charset=utf-8")
	hw, err := iw.CreatePart(htmlHeader)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(hw, bodyHTML); err != nil {
		return nil, err
	}
	if err := hw.Close(); err != nil {
		return nil, err
	}

	if err := iw.Close(); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
