package sender

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/hugo-lorenzo-mato/crashkit/internal/core"
	"github.com/hugo-lorenzo-mato/crashkit/internal/logging"
	"github.com/hugo-lorenzo-mato/crashkit/internal/report"
)

// HTTP field names.
const (
	FormFile     = "file"
	FormReportID = "report_id"
	FormSummary  = "summary"
)

const defaultHTTPTimeout = 60 * time.Second

// HTTP uploads archives as multipart/form-data POSTs.
type HTTP struct {
	URL    string
	Client *http.Client
	Header http.Header
	Logger *slog.Logger
}

// NewHTTP returns an HTTP sender posting to url.
func NewHTTP(url string, logger *slog.Logger) *HTTP {
	return &HTTP{
		URL:    url,
		Client: &http.Client{Timeout: defaultHTTPTimeout},
		Logger: logger,
	}
}

// Send implements Sender. The body is streamed through a pipe so the archive
// is never held in memory twice.
func (s *HTTP) Send(ctx context.Context, data io.ReadSeeker, fileName string, r *report.Report) error {
	if s.URL == "" {
		return core.ErrTransport(core.CodeSendFailed, "http sender has no URL")
	}
	if _, err := data.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("rewinding archive: %w", err)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	written := make(chan struct{})
	go func() {
		defer close(written)
		pw.CloseWithError(writeForm(mw, data, fileName, r))
	}()
	// The transport may still be draining the body when Do returns; data must
	// not be read once Send has returned.
	defer func() {
		pr.Close()
		<-written
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, pr)
	if err != nil {
		return core.ErrTransport(core.CodeSendFailed, "building request").WithCause(err)
	}
	for k, vs := range s.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return core.ErrTransport(core.CodeSendFailed, "posting report").WithCause(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))

	logger := logging.Or(s.Logger)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return core.ErrTransport(core.CodeSendFailed, fmt.Sprintf("collector answered %s", resp.Status)).
			WithDetail("status", resp.StatusCode).
			WithDetail("body", string(body))
	}
	logger.Info("collector accepted report", slog.String("file", fileName), slog.String("response", string(body)))
	return nil
}

func writeForm(mw *multipart.Writer, data io.Reader, fileName string, r *report.Report) error {
	if r != nil {
		if err := mw.WriteField(FormReportID, r.GeneralInfo.ReportID); err != nil {
			return err
		}
		if err := mw.WriteField(FormSummary, r.String()); err != nil {
			return err
		}
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, FormFile, fileName))
	h.Set("Content-Type", "application/octet-stream")
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, data); err != nil {
		return err
	}
	return mw.Close()
}
