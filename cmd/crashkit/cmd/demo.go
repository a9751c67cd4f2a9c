package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/crashkit/internal/report"
	"github.com/hugo-lorenzo-mato/crashkit/internal/reporter"
)

var (
	demoKind    string
	demoMessage string
	demoWait    time.Duration
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Raise a fault through a configured reporter",
	Long: `Builds a reporter from the configuration and raises one fault through the
chosen entry point, so the prompt, queue and sender can be tried without a
host application.

Kinds:
  panic   panic on the main goroutine (RecoverMain)
  nil     nil pointer dereference on the main goroutine
  error   report an error directly
  task    return an error from a background task (Go)
  http    panic inside an HTTP handler (Middleware)`,
	Args: cobra.NoArgs,
	RunE: runDemo,
}

func init() {
	demoCmd.Flags().StringVar(&demoKind, "kind", "panic", "fault kind (panic, nil, error, task, http)")
	demoCmd.Flags().StringVar(&demoMessage, "message", "Test exception in main thread", "fault message")
	demoCmd.Flags().DurationVar(&demoWait, "wait", 30*time.Second, "how long to wait for queued reports to be sent")
	rootCmd.AddCommand(demoCmd)
}

// demoError carries the fields a host fault might contribute.
type demoError struct {
	msg string
	op  string
}

func (e *demoError) Error() string    { return e.msg }
func (e *demoError) HelpLink() string { return "https://example.com/crashkit/demo" }
func (e *demoError) Source() string   { return "crashkit demo" }
func (e *demoError) DescribeFields() map[string]any {
	return map[string]any{"operation": e.op}
}

func runDemo(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.WithSource(demoKind)
	settings, err := cfg.Build(log.Logger)
	if err != nil {
		return err
	}
	defer settings.Backend.Close()

	out := cmd.OutOrStdout()
	r, err := reporter.New(*settings, reporter.WithExit(func(code int) {
		fmt.Fprintf(out, "Reporter asked to terminate with status %d\n", code)
	}))
	if err != nil {
		return err
	}
	defer r.Close()
	r.OnReport(func(_ error, rep *report.Report) {
		rep.CustomInfo = map[string]string{"demo": demoKind, "cli": appVersion}
	})

	cause := &demoError{msg: demoMessage, op: "demo." + demoKind}
	switch demoKind {
	case "panic":
		func() {
			defer r.RecoverMain()
			panic(cause)
		}()
	case "nil":
		func() {
			defer r.RecoverMain()
			var target *demoError
			_ = target.op
		}()
	case "error":
		fmt.Fprintf(out, "Decision: %s\n", r.Report(fmt.Errorf("demo: %w", cause)))
	case "task":
		<-r.Go(func() error { return fmt.Errorf("background task: %w", cause) })
	case "http":
		srv := httptest.NewServer(r.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic(cause)
		})))
		resp, err := http.Get(srv.URL)
		srv.Close()
		if err != nil {
			return err
		}
		resp.Body.Close()
		fmt.Fprintf(out, "Handler answered %s\n", resp.Status)
	default:
		return fmt.Errorf("unknown fault kind %q", demoKind)
	}

	return drainDemo(cmd.Context(), r, out)
}

// drainDemo sends what the fault queued before the reporter is closed.
func drainDemo(ctx context.Context, r *reporter.Reporter, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, demoWait)
	defer cancel()
	pass, err := r.SendReports(ctx)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	n, _ := r.Store().Count()
	fmt.Fprintf(out, "Sent %d, failed %d, discarded %d, %d still queued\n", pass.Sent, pass.Failed, pass.Discarded, n)
	return nil
}
