package ingest

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/robfig/cron/v3"

	"inboxpilot/internal/mailbox"
)

// Inbound is one parsed email message together with the thread it belongs to.
// ThreadID is the root Message-Id of the conversation.
type Inbound struct {
	ThreadID string
	Message  mailbox.ThreadMessage
}

// Poller watches an IMAP INBOX and delivers new messages. UNSEEN messages are
// picked up on a short interval; a cron schedule additionally sweeps the
// recent window so messages read elsewhere still reach the engine.
type Poller struct {
	cfg  Config
	logf func(format string, args ...any)

	resyncAsked atomic.Bool
	lastResync  atomic.Int64
}

type PollerOptions struct {
	Config Config
	Logf   func(format string, args ...any)
}

func init() {
	// Decode RFC2047 headers for common charsets, including the IMAP
	// ENVELOPE decode path.
	if message.CharsetReader != nil {
		imap.CharsetReader = message.CharsetReader
	}
}

func NewPoller(opts PollerOptions) *Poller {
	cfg := opts.Config
	cfg.applyDefaults()
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Poller{cfg: cfg, logf: logf}
}

// RequestResync marks the next poll cycle as a full recent-window sweep.
// Coalesces with an already pending request.
func (p *Poller) RequestResync() {
	if p == nil {
		return
	}
	last := time.Unix(p.lastResync.Load(), 0)
	if time.Since(last) < 30*time.Second {
		return
	}
	p.resyncAsked.Store(true)
}

// StartResyncSchedule runs the configured cron schedule until ctx is done.
func (p *Poller) StartResyncSchedule(ctx context.Context) error {
	if p == nil {
		return errors.New("poller is nil")
	}
	c := cron.New()
	if _, err := c.AddFunc(p.cfg.ResyncSchedule, p.RequestResync); err != nil {
		return fmt.Errorf("invalid resync schedule %q: %w", p.cfg.ResyncSchedule, err)
	}
	c.Start()
	go func() {
		<-ctx.Done()
		c.Stop()
	}()
	return nil
}

// Run polls until ctx is done, reconnecting after IMAP errors. onMessage is
// called from the polling goroutine for every message not seen before.
func (p *Poller) Run(ctx context.Context, onMessage func(Inbound)) error {
	if p == nil {
		return errors.New("poller is nil")
	}
	if err := p.cfg.Validate(); err != nil {
		return err
	}
	if onMessage == nil {
		return errors.New("onMessage callback is required")
	}
	interval := p.cfg.pollInterval()

	var (
		c    *client.Client
		seen = make(map[string]bool, 2048)
	)
	defer func() {
		if c != nil {
			_ = c.Logout()
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if c == nil {
			conn, err := p.connect()
			if err != nil {
				p.logf("ingest: %v", err)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(minDuration(interval, 15*time.Second)):
					continue
				}
			}
			c = conn
		}

		if err := p.pollOnce(ctx, c, seen, onMessage); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logf("ingest: poll failed: %v", err)
			_ = c.Logout()
			c = nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Poller) connect() (*client.Client, error) {
	addr := fmt.Sprintf("%s:%d", strings.TrimSpace(p.cfg.Server), p.cfg.Port)
	var (
		c   *client.Client
		err error
	)
	if p.cfg.UseSSL {
		tlsCfg := &tls.Config{ServerName: strings.TrimSpace(p.cfg.Server)}
		c, err = client.DialTLS(addr, tlsCfg)
	} else {
		c, err = client.Dial(addr)
	}
	if err != nil {
		return nil, fmt.Errorf("imap dial failed: %w", err)
	}
	c.Timeout = 25 * time.Second

	if err := c.Login(strings.TrimSpace(p.cfg.EmailAddress), strings.TrimSpace(p.cfg.Password)); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("imap login failed: %w", err)
	}
	if _, err := c.Select("INBOX", false); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("imap select INBOX failed: %w", err)
	}
	return c, nil
}

func (p *Poller) pollOnce(ctx context.Context, c *client.Client, seen map[string]bool, onMessage func(Inbound)) error {
	if c == nil {
		return errors.New("imap client is nil")
	}

	criteria := imap.NewSearchCriteria()
	if p.resyncAsked.CompareAndSwap(true, false) {
		criteria.Since = time.Now().AddDate(0, 0, -p.cfg.ResyncWindowDays)
		p.lastResync.Store(time.Now().Unix())
	} else {
		criteria.WithoutFlags = []string{imap.SeenFlag}
	}

	ids, err := c.Search(criteria)
	if err != nil {
		return fmt.Errorf("imap search failed: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, section.FetchItem()}

	msgCh := make(chan *imap.Message, min(16, len(ids)))
	fetchErrCh := make(chan error, 1)
	go func() {
		fetchErrCh <- c.Fetch(seqset, items, msgCh)
	}()

	for msg := range msgCh {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if msg == nil {
			continue
		}
		inbound, ok := parseInbound(msg, section)
		if !ok {
			continue
		}
		if inbound.Message.ID != "" && seen[inbound.Message.ID] {
			continue
		}
		if inbound.Message.ID != "" {
			seen[inbound.Message.ID] = true
		}
		onMessage(inbound)
	}

	if err := <-fetchErrCh; err != nil {
		return fmt.Errorf("imap fetch failed: %w", err)
	}
	return nil
}

func parseInbound(msg *imap.Message, section *imap.BodySectionName) (Inbound, bool) {
	if msg == nil || section == nil {
		return Inbound{}, false
	}
	r := msg.GetBody(section)
	if r == nil {
		return Inbound{}, false
	}
	raw, err := io.ReadAll(r)
	if err != nil {
		return Inbound{}, false
	}

	var (
		messageID string
		inReplyTo string
		refs      []string
		from      string
		to        []string
		subject   string
		body      string
		date      time.Time
	)

	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err == nil {
		subject, _ = reader.Header.Subject()
		if list, aerr := reader.Header.AddressList("From"); aerr == nil && len(list) > 0 {
			from = strings.TrimSpace(list[0].Address)
		}
		if list, aerr := reader.Header.AddressList("To"); aerr == nil {
			for _, a := range list {
				if addr := strings.TrimSpace(a.Address); addr != "" {
					to = append(to, addr)
				}
			}
		}
		messageID = canonicalMessageID(reader.Header.Get("Message-Id"))
		inReplyTo = firstMessageID(reader.Header.Get("In-Reply-To"))
		refs = parseMessageIDList(reader.Header.Get("References"))
		date, _ = reader.Header.Date()
		body = extractTextBody(reader)
	}

	// Fill gaps from the IMAP envelope when header parsing came up short.
	if env := msg.Envelope; env != nil {
		if strings.TrimSpace(subject) == "" {
			subject = strings.TrimSpace(env.Subject)
		}
		if from == "" && len(env.From) > 0 && env.From[0] != nil {
			from = strings.TrimSpace(env.From[0].Address())
		}
		if messageID == "" {
			messageID = canonicalMessageID(env.MessageId)
		}
		if inReplyTo == "" {
			inReplyTo = firstMessageID(env.InReplyTo)
		}
		if date.IsZero() {
			date = env.Date
		}
	}
	if from == "" {
		return Inbound{}, false
	}
	if body == "" {
		body = extractBodyFallback(raw)
	}
	if date.IsZero() {
		date = time.Now().UTC()
	}

	threadID := messageID
	if len(refs) > 0 {
		threadID = refs[0]
	} else if inReplyTo != "" {
		threadID = inReplyTo
	}
	if threadID == "" {
		return Inbound{}, false
	}

	return Inbound{
		ThreadID: threadID,
		Message: mailbox.ThreadMessage{
			ID:         messageID,
			From:       from,
			To:         to,
			Subject:    strings.TrimSpace(subject),
			Body:       body,
			ReceivedAt: date.UTC(),
		},
	}, true
}

func extractTextBody(r *mail.Reader) string {
	if r == nil {
		return ""
	}
	var plain, html string
	for {
		part, err := r.NextPart()
		if err != nil {
			break
		}
		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		b, _ := io.ReadAll(part.Body)
		text := strings.TrimSpace(string(b))
		if text == "" {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(ct)) {
		case "text/html":
			if html == "" {
				html = text
			}
		default:
			if plain == "" {
				plain = text
			}
		}
	}
	if plain != "" {
		return plain
	}
	return html
}

func extractBodyFallback(raw []byte) string {
	text := string(raw)
	idx := strings.Index(text, "\r\n\r\n")
	sepLen := 4
	if idx < 0 {
		idx = strings.Index(text, "\n\n")
		sepLen = 2
	}
	if idx >= 0 && idx+sepLen < len(text) {
		text = text[idx+sepLen:]
	}
	return strings.TrimSpace(text)
}

var messageIDAngleRe = regexp.MustCompile(`<([^>]+)>`)

func canonicalMessageID(messageID string) string {
	return strings.Trim(strings.TrimSpace(messageID), "<>")
}

func firstMessageID(headerValue string) string {
	list := parseMessageIDList(headerValue)
	if len(list) == 0 {
		return ""
	}
	return list[0]
}

func parseMessageIDList(headerValue string) []string {
	v := strings.TrimSpace(headerValue)
	if v == "" {
		return nil
	}
	v = strings.ReplaceAll(v, "\r", " ")
	v = strings.ReplaceAll(v, "\n", " ")

	var out []string
	seen := make(map[string]bool)
	for _, m := range messageIDAngleRe.FindAllStringSubmatch(v, -1) {
		id := canonicalMessageID(m[1])
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	if len(out) > 0 {
		return out
	}
	for _, tok := range strings.Fields(v) {
		id := canonicalMessageID(strings.Trim(tok, "<>,;"))
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func minDuration(a, b time.Duration) time.Duration {
	if a <= 0 {
		return b
	}
	if b <= 0 {
		return a
	}
	if a < b {
		return a
	}
	return b
}
