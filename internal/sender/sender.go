// Package sender delivers queued report archives to a collector.
package sender

import (
	"context"
	"errors"
	"io"

	"github.com/hugo-lorenzo-mato/crashkit/internal/report"
)

// Sender delivers one archive. The stream is positioned at the start of the
// archive; its position afterwards is undefined. A nil error means the
// collector accepted the report.
type Sender interface {
	Send(ctx context.Context, data io.ReadSeeker, fileName string, r *report.Report) error
}

// Func adapts a function to Sender.
type Func func(ctx context.Context, data io.ReadSeeker, fileName string, r *report.Report) error

// Send calls f.
func (f Func) Send(ctx context.Context, data io.ReadSeeker, fileName string, r *report.Report) error {
	return f(ctx, data, fileName, r)
}

// ErrNotSent is returned by NoOp.
var ErrNotSent = errors.New("sender: report not sent")

// NoOp never delivers anything.
type NoOp struct{}

// Send implements Sender.
func (NoOp) Send(context.Context, io.ReadSeeker, string, *report.Report) error {
	return ErrNotSent
}
