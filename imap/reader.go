package imap

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	netmail "net/mail"
	"strconv"
	"strings"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"

	"github.com/example/mailglot/config"
	"github.com/example/mailglot/model"
)

var ErrNotConnected = errors.New("imap: not connected, call Connect first")

// Reader fetches messages from the source mailbox. A Reader holds at most
// one session; every session-scoped method fails with ErrNotConnected until
// Connect succeeds.
type Reader struct {
	cfg    config.SourceEmail
	logger *slog.Logger
	client *imapclient.Client

	now func() time.Time
}

func NewReader(cfg config.SourceEmail, logger *slog.Logger) *Reader {
	return &Reader{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Connect opens a TLS session to the IMAP server and authenticates.
// The caller decides whether to retry; this method does not.
func (r *Reader) Connect() error {
	address := net.JoinHostPort(r.cfg.IMAPServer, strconv.Itoa(r.cfg.IMAPPort))
	r.logger.Info("connecting to imap server", "address", address)

	client, err := imapclient.DialTLS(address, &imapclient.Options{
		TLSConfig: &tls.Config{ServerName: r.cfg.IMAPServer},
	})
	if err != nil {
		return fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(r.cfg.Address, r.cfg.AppPassword).Wait(); err != nil {
		_ = client.Close()
		return fmt.Errorf("imap login failed for %s: %w", r.cfg.Address, err)
	}

	r.client = client
	r.logger.Info("imap connection established", "user", r.cfg.Address)
	return nil
}

// Disconnect logs out and closes the session. Safe to call when no session
// is open.
func (r *Reader) Disconnect() {
	if r.client == nil {
		return
	}
	if err := r.client.Logout().Wait(); err != nil {
		r.logger.Warn("imap logout failed", "err", err)
	}
	if err := r.client.Close(); err != nil {
		r.logger.Debug("imap connection closed", "err", err)
	}
	r.client = nil
}

// FetchMessages selects folder and returns every message matching the
// selection query. A message that fails to download or parse is skipped
// with a diagnostic; it never aborts the batch.
func (r *Reader) FetchMessages(folder string, unreadOnly bool) ([]model.Message, error) {
	if r.client == nil {
		return nil, ErrNotConnected
	}

	if _, err := r.client.Select(folder, nil).Wait(); err != nil {
		return nil, fmt.Errorf("select folder %s: %w", folder, err)
	}

	criteria, query := searchCriteria(unreadOnly, r.cfg.FetchDays, r.now())
	r.logger.Debug("searching mailbox", "folder", folder, "query", query)

	searchData, err := r.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", query, err)
	}

	uids := searchData.AllUIDs()
	r.logger.Info("found messages matching criteria", "count", len(uids), "query", query)
	if len(uids) == 0 {
		return nil, nil
	}

	bodySection := &imapv2.FetchItemBodySection{Peek: true}
	fetchCmd := r.client.Fetch(imapv2.UIDSetNum(uids...), &imapv2.FetchOptions{
		UID:         true,
		BodySection: []*imapv2.FetchItemBodySection{bodySection},
	})

	var messages []model.Message
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}

		buf, err := msg.Collect()
		if err != nil {
			r.logger.Error("fetching message failed, skipping", "err", err)
			continue
		}

		raw := buf.FindBodySection(bodySection)
		if raw == nil {
			r.logger.Error("message body missing, skipping", "uid", buf.UID)
			continue
		}

		parsed, err := parseMessage(strconv.FormatUint(uint64(buf.UID), 10), raw)
		if err != nil {
			r.logger.Error("parsing message failed, skipping", "uid", buf.UID, "err", err)
			continue
		}
		messages = append(messages, parsed)
	}

	if err := fetchCmd.Close(); err != nil {
		return messages, fmt.Errorf("fetch close: %w", err)
	}
	return messages, nil
}

// MarkAsRead sets the \Seen flag on each id, best-effort per id.
func (r *Reader) MarkAsRead(ids []string, folder string) error {
	if r.client == nil {
		return ErrNotConnected
	}
	if _, err := r.client.Select(folder, nil).Wait(); err != nil {
		return fmt.Errorf("select folder %s: %w", folder, err)
	}

	for _, id := range ids {
		uid, err := parseUID(id)
		if err != nil {
			r.logger.Warn("skipping invalid message id", "id", id, "err", err)
			continue
		}
		cmd := r.client.Store(imapv2.UIDSetNum(uid), &imapv2.StoreFlags{
			Op:     imapv2.StoreFlagsAdd,
			Silent: true,
			Flags:  []imapv2.Flag{imapv2.FlagSeen},
		}, nil)
		if err := cmd.Close(); err != nil {
			r.logger.Warn("could not mark message as read", "id", id, "err", err)
			continue
		}
		r.logger.Debug("marked message as read", "id", id)
	}
	return nil
}

// AddLabel applies a provider label to each id, best-effort per id. Copying
// a message into a mailbox of the label's name is how Gmail applies labels
// over plain IMAP.
func (r *Reader) AddLabel(ids []string, label, folder string) error {
	if r.client == nil {
		return ErrNotConnected
	}
	if _, err := r.client.Select(folder, nil).Wait(); err != nil {
		return fmt.Errorf("select folder %s: %w", folder, err)
	}

	for _, id := range ids {
		uid, err := parseUID(id)
		if err != nil {
			r.logger.Warn("skipping invalid message id", "id", id, "err", err)
			continue
		}
		if _, err := r.client.Copy(imapv2.UIDSetNum(uid), label).Wait(); err != nil {
			r.logger.Warn("could not add label", "id", id, "label", label, "err", err)
			continue
		}
		r.logger.Debug("added label", "id", id, "label", label)
	}
	return nil
}

// searchCriteria builds the selection query. Predicates are conjunctive:
// UNSEEN when unreadOnly, SINCE when fetchDays > 0, ALL when neither
// applies. The textual form mirrors the IMAP search program and is used
// for logging.
func searchCriteria(unreadOnly bool, fetchDays int, now time.Time) (*imapv2.SearchCriteria, string) {
	criteria := &imapv2.SearchCriteria{}
	var parts []string

	if unreadOnly {
		criteria.NotFlag = []imapv2.Flag{imapv2.FlagSeen}
		parts = append(parts, "UNSEEN")
	}
	if fetchDays > 0 {
		since := now.UTC().AddDate(0, 0, -fetchDays)
		criteria.Since = since
		parts = append(parts, fmt.Sprintf("SINCE %s", since.Format("02-Jan-2006")))
	}

	if len(parts) == 0 {
		return criteria, "ALL"
	}
	return criteria, "(" + strings.Join(parts, " ") + ")"
}

func parseUID(id string) (imapv2.UID, error) {
	uid, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid message id %q: %w", id, err)
	}
	return imapv2.UID(uid), nil
}

// parseMessage turns a raw RFC 5322 payload into a Message. Header and body
// decoding degrade to safe defaults instead of failing the message.
func parseMessage(id string, raw []byte) (model.Message, error) {
	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return model.Message{}, fmt.Errorf("read message: %w", err)
	}

	text, html := collectBodies(entity)

	return model.Message{
		ID:       id,
		Subject:  decodeHeader(entity.Header.Get("Subject")),
		Sender:   decodeHeader(entity.Header.Get("From")),
		Date:     parseDate(entity.Header.Get("Date")),
		BodyText: text,
		BodyHTML: html,
	}, nil
}

// decodeHeader decodes encoded-word header values, falling back to the raw
// value when decoding fails. A missing header decodes to "".
func decodeHeader(raw string) string {
	if raw == "" {
		return ""
	}
	dec := &mime.WordDecoder{CharsetReader: charset.Reader}
	decoded, err := dec.DecodeHeader(raw)
	if err != nil {
		return strings.ToValidUTF8(raw, "�")
	}
	return decoded
}

// parseDate parses an RFC 5322 date header, falling back to the current
// time in UTC when the header is missing or malformed.
func parseDate(raw string) time.Time {
	if raw == "" {
		return time.Now().UTC()
	}
	parsed, err := netmail.ParseDate(raw)
	if err != nil {
		return time.Now().UTC()
	}
	return parsed
}

// collectBodies walks the MIME structure and returns the first text/plain
// and first text/html parts. Single-part messages match directly; a missing
// part yields "".
func collectBodies(entity *message.Entity) (text, html string) {
	walk(entity, &text, &html)
	return strings.ToValidUTF8(text, "�"), strings.ToValidUTF8(html, "�")
}

func walk(entity *message.Entity, text, html *string) {
	if mr := entity.MultipartReader(); mr != nil {
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil && !message.IsUnknownCharset(err) {
				break
			}
			walk(part, text, html)
		}
		return
	}

	mediaType, _, err := entity.Header.ContentType()
	if err != nil {
		mediaType = "text/plain"
	}

	switch mediaType {
	case "text/plain":
		if *text == "" {
			*text = readBody(entity)
		}
	case "text/html":
		if *html == "" {
			*html = readBody(entity)
		}
	}
}

func readBody(entity *message.Entity) string {
	// A partial read is still useful; decode errors surface as a shorter body.
	body, _ := io.ReadAll(entity.Body)
	return string(body)
}
