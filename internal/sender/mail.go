package sender

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/crashkit/internal/core"
	"github.com/hugo-lorenzo-mato/crashkit/internal/report"
)

// Priority maps to the X-Priority header.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityLow
)

func (p Priority) header() string {
	switch p {
	case PriorityHigh:
		return "1 (Highest)"
	case PriorityLow:
		return "5 (Lowest)"
	default:
		return "3 (Normal)"
	}
}

// Mail delivers reports over SMTP. The archive is attached when UseAttachment
// is set; the body always carries the report and exception as JSON.
type Mail struct {
	From     string
	FromName string
	To       []string
	Cc       []string
	Bcc      []string
	ReplyTo  string

	UseAttachment bool
	CustomSubject string
	CustomBody    string

	SMTPServer string
	// Port defaults to 465 with UseSSL and 25 otherwise.
	Port     int
	UseSSL   bool
	Priority Priority

	// Username enables PLAIN authentication.
	Username string
	Password string

	// deliver is replaced in tests.
	deliver func(ctx context.Context, addr string, m *Mail, from string, rcpt []string, msg []byte) error
}

// Send implements Sender.
func (m *Mail) Send(ctx context.Context, data io.ReadSeeker, fileName string, r *report.Report) error {
	if m.From == "" || len(m.To) == 0 {
		return core.ErrTransport(core.CodeSendFailed, "mail sender needs From and To")
	}
	msg, err := m.compose(data, fileName, r)
	if err != nil {
		return err
	}

	rcpt := make([]string, 0, len(m.To)+len(m.Cc)+len(m.Bcc))
	for _, list := range [][]string{m.To, m.Cc, m.Bcc} {
		for _, a := range list {
			rcpt = append(rcpt, address(a))
		}
	}
	deliver := m.deliver
	if deliver == nil {
		deliver = smtpDeliver
	}
	if err := deliver(ctx, m.addr(), m, address(m.From), rcpt, msg); err != nil {
		return core.ErrTransport(core.CodeSendFailed, "delivering mail").WithCause(err)
	}
	return nil
}

func (m *Mail) addr() string {
	port := m.Port
	if port == 0 {
		port = 25
		if m.UseSSL {
			port = 465
		}
	}
	return net.JoinHostPort(m.SMTPServer, strconv.Itoa(port))
}

func address(a string) string {
	if p, err := mail.ParseAddress(a); err == nil {
		return p.Address
	}
	return a
}

func (m *Mail) subject(r *report.Report) string {
	if m.CustomSubject != "" || r == nil {
		return m.CustomSubject
	}
	return r.String()
}

func (m *Mail) body(r *report.Report) (string, error) {
	var b strings.Builder
	if m.CustomBody != "" {
		b.WriteString(m.CustomBody)
		b.WriteString("\r\n\r\n")
	}
	if r == nil {
		return b.String(), nil
	}
	shallow := *r
	shallow.Exception = nil
	rep, err := json.MarshalIndent(&shallow, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding report: %w", err)
	}
	b.WriteString("Report:\r\n")
	b.Write(rep)
	if r.Exception != nil {
		exc, err := json.MarshalIndent(r.Exception, "", "  ")
		if err != nil {
			return "", fmt.Errorf("encoding exception: %w", err)
		}
		b.WriteString("\r\n\r\nException:\r\n")
		b.Write(exc)
	}
	return b.String(), nil
}

func (m *Mail) compose(data io.ReadSeeker, fileName string, r *report.Report) ([]byte, error) {
	body, err := m.body(r)
	if err != nil {
		return nil, err
	}

	from := m.From
	if m.FromName != "" {
		from = (&mail.Address{Name: m.FromName, Address: address(m.From)}).String()
	}
	replyTo := m.ReplyTo
	if replyTo == "" {
		replyTo = m.From
	}

	var buf bytes.Buffer
	hdr := func(k, v string) { fmt.Fprintf(&buf, "%s: %s\r\n", k, v) }
	hdr("From", from)
	hdr("To", strings.Join(m.To, ", "))
	if len(m.Cc) > 0 {
		hdr("Cc", strings.Join(m.Cc, ", "))
	}
	hdr("Reply-To", replyTo)
	hdr("Subject", mime.QEncoding.Encode("utf-8", m.subject(r)))
	hdr("Date", time.Now().Format(time.RFC1123Z))
	hdr("X-Priority", m.Priority.header())
	hdr("MIME-Version", "1.0")

	if !m.UseAttachment {
		hdr("Content-Type", `text/plain; charset="utf-8"`)
		hdr("Content-Transfer-Encoding", "8bit")
		buf.WriteString("\r\n")
		buf.WriteString(body)
		return buf.Bytes(), nil
	}

	mw := multipart.NewWriter(&buf)
	hdr("Content-Type", "multipart/mixed; boundary="+mw.Boundary())
	buf.WriteString("\r\n")

	text := make(textproto.MIMEHeader)
	text.Set("Content-Type", `text/plain; charset="utf-8"`)
	text.Set("Content-Transfer-Encoding", "8bit")
	pw, err := mw.CreatePart(text)
	if err != nil {
		return nil, err
	}
	io.WriteString(pw, body)

	if _, err := data.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewinding archive: %w", err)
	}
	att := make(textproto.MIMEHeader)
	att.Set("Content-Type", "application/zip")
	att.Set("Content-Transfer-Encoding", "base64")
	att.Set("Content-Disposition", fmt.Sprintf(`attachment; filename=%q`, fileName))
	pw, err = mw.CreatePart(att)
	if err != nil {
		return nil, err
	}
	enc := base64.NewEncoder(base64.StdEncoding, &lineWrapper{w: pw})
	if _, err := io.Copy(enc, data); err != nil {
		return nil, fmt.Errorf("encoding attachment: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// lineWrapper breaks base64 output into 76 column lines.
type lineWrapper struct {
	w   io.Writer
	col int
}

func (l *lineWrapper) Write(p []byte) (int, error) {
	n := 0
	for len(p) > 0 {
		chunk := min(76-l.col, len(p))
		if _, err := l.w.Write(p[:chunk]); err != nil {
			return n, err
		}
		n += chunk
		l.col += chunk
		p = p[chunk:]
		if l.col == 76 {
			if _, err := l.w.Write([]byte("\r\n")); err != nil {
				return n, err
			}
			l.col = 0
		}
	}
	return n, nil
}

// smtpDeliver dials addr, upgrading with STARTTLS when offered or using
// implicit TLS when UseSSL is set.
func smtpDeliver(ctx context.Context, addr string, m *Mail, from string, rcpt []string, msg []byte) error {
	d := net.Dialer{Timeout: 30 * time.Second}
	var conn net.Conn
	var err error
	if m.UseSSL {
		td := tls.Dialer{NetDialer: &d, Config: &tls.Config{ServerName: m.SMTPServer, MinVersion: tls.VersionTLS12}}
		conn, err = td.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}

	c, err := smtp.NewClient(conn, m.SMTPServer)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if !m.UseSSL {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(&tls.Config{ServerName: m.SMTPServer, MinVersion: tls.VersionTLS12}); err != nil {
				return err
			}
		}
	}
	if m.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", m.Username, m.Password, m.SMTPServer)); err != nil {
			return err
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, to := range rcpt {
		if err := c.Rcpt(to); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}
