package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/sahilm/fuzzy"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hugo-lorenzo-mato/crashkit/internal/archive"
	"github.com/hugo-lorenzo-mato/crashkit/internal/core"
	"github.com/hugo-lorenzo-mato/crashkit/internal/fault"
	"github.com/hugo-lorenzo-mato/crashkit/internal/queue"
	"github.com/hugo-lorenzo-mato/crashkit/internal/report"
)

var (
	inspectFormat  string
	inspectExtract string
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [archive-or-entry]",
	Short: "Show the contents of a crash report",
	Long: `Decodes a crash report archive and prints it.

The argument is either the path of an Exception_*.zip file or the name of a
queued entry. Entry names are matched fuzzily, so a distinctive part of the
name is enough. Without an argument the oldest queued report is shown.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInspect,
}

func init() {
	inspectCmd.Flags().StringVarP(&inspectFormat, "format", "f", "yaml", "output format (yaml, json, markdown)")
	inspectCmd.Flags().StringVar(&inspectExtract, "extract", "", "also extract every archive entry into this directory")
	rootCmd.AddCommand(inspectCmd)
}

// inspected is a decoded archive.
type inspected struct {
	Name    string
	Report  *report.Report
	Entries []archive.Entry
	reader  *archive.Reader
}

func runInspect(cmd *cobra.Command, args []string) error {
	switch inspectFormat {
	case "yaml", "json", "markdown", "md":
	default:
		return fmt.Errorf("unknown format %q", inspectFormat)
	}

	query := ""
	if len(args) == 1 {
		query = args[0]
	}

	name, rs, closeFn, err := openArchive(query)
	if err != nil {
		return err
	}
	defer closeFn()

	in, err := decodeArchive(name, rs)
	if err != nil {
		return err
	}
	if inspectExtract != "" {
		if err := extractAll(in, inspectExtract); err != nil {
			return err
		}
	}
	return render(cmd.OutOrStdout(), in, inspectFormat)
}

// openArchive opens the archive file at query, or the queued entry it names.
func openArchive(query string) (string, io.ReadSeeker, func(), error) {
	if info, err := os.Stat(query); query != "" && err == nil && info.Mode().IsRegular() {
		f, err := os.Open(query)
		if err != nil {
			return "", nil, nil, err
		}
		return filepath.Base(query), f, func() { f.Close() }, nil
	}

	s, err := openSession()
	if err != nil {
		return "", nil, nil, err
	}
	fail := func(err error) (string, io.ReadSeeker, func(), error) {
		s.Close()
		return "", nil, nil, err
	}
	br, err := s.browser()
	if err != nil {
		return fail(err)
	}
	names, err := br.List()
	if err != nil {
		return fail(err)
	}
	name, err := resolveEntry(query, names)
	if err != nil {
		return fail(err)
	}
	rs, err := br.Open(name)
	if err != nil {
		return fail(err)
	}
	return name, rs, func() {
		rs.Close()
		s.Close()
	}, nil
}

// resolveEntry picks the entry a query names: an exact match, else the best
// fuzzy match. An empty query means the oldest entry.
func resolveEntry(query string, names []string) (string, error) {
	if len(names) == 0 {
		return "", core.ErrNotFound("report", "queue is empty")
	}
	if query == "" {
		return names[0], nil
	}
	for _, n := range names {
		if n == query {
			return n, nil
		}
	}
	matches := fuzzy.Find(query, names)
	if len(matches) == 0 {
		return "", core.ErrNotFound("report", query)
	}
	return matches[0].Str, nil
}

func decodeArchive(name string, rs io.ReadSeeker) (*inspected, error) {
	r, err := queue.Decode(rs)
	if err != nil {
		return nil, err
	}
	ar, err := archive.NewReader(rs)
	if err != nil {
		return nil, core.ErrArchiveCorrupt("reading archive").WithCause(err)
	}
	entries, err := ar.Entries()
	if err != nil {
		return nil, core.ErrArchiveCorrupt("reading archive directory").WithCause(err)
	}
	return &inspected{Name: name, Report: r, Entries: entries, reader: ar}, nil
}

func extractAll(in *inspected, dir string) error {
	for _, e := range in.Entries {
		dst := filepath.Join(dir, filepath.FromSlash(e.Name))
		rel, err := filepath.Rel(dir, dst)
		if err != nil || strings.HasPrefix(rel, "..") {
			return fmt.Errorf("entry %q escapes %s", e.Name, dir)
		}
		if err := in.reader.ExtractFile(e, dst); err != nil {
			return fmt.Errorf("extracting %s: %w", e.Name, err)
		}
	}
	return nil
}

func render(w io.Writer, in *inspected, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(in.Report)
	case "markdown", "md":
		renderer, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(100),
		)
		if err != nil {
			return err
		}
		out, err := renderer.Render(markdown(in))
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, out)
		return err
	default:
		// Round-trip through JSON so YAML keys match the archive schema.
		raw, err := json.Marshal(in.Report)
		if err != nil {
			return err
		}
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	}
}

func markdown(in *inspected) string {
	gi := in.Report.GeneralInfo
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", in.Name)
	fmt.Fprintf(&b, "**%s**: %s\n\n", gi.ExceptionType, gi.ExceptionMessage)

	b.WriteString("| Field | Value |\n|---|---|\n")
	row := func(k, v string) {
		if v != "" {
			fmt.Fprintf(&b, "| %s | %s |\n", k, strings.ReplaceAll(v, "|", "\\|"))
		}
	}
	row("Report ID", gi.ReportID)
	row("Application", gi.HostApplication)
	row("Version", gi.HostApplicationVersion)
	row("Library", gi.LibraryVersion)
	row("Runtime", gi.RuntimeVersion)
	row("Time (UTC)", gi.DateTime)
	row("Target site", gi.TargetSite)
	row("Description", gi.UserDescription)
	row("Host", in.Report.Environment.Hostname)
	row("Platform", in.Report.Environment.OS+"/"+in.Report.Environment.Arch)

	b.WriteString("\n## Exception\n\n")
	writeSnapshot(&b, in.Report.Exception, 3)

	b.WriteString("\n## Entries\n\n")
	for _, e := range in.Entries {
		fmt.Fprintf(&b, "- `%s` %s, %d bytes\n", e.Name, e.Method, e.UncompressedSize)
	}
	return b.String()
}

func writeSnapshot(b *strings.Builder, s *fault.Snapshot, level int) {
	if s == nil {
		return
	}
	hashes := strings.Repeat("#", min(level, 6))
	fmt.Fprintf(b, "%s %s\n\n%s\n\n", hashes, s.Kind, s.Message)
	if s.TargetSite != "" {
		fmt.Fprintf(b, "at `%s`\n\n", s.TargetSite)
	}
	if s.StackTrace != "" {
		fmt.Fprintf(b, "```\n%s\n```\n\n", strings.TrimRight(s.StackTrace, "\n"))
	}
	writeSnapshot(b, s.Inner, level+1)
	for _, in := range s.Inners {
		writeSnapshot(b, in, level+1)
	}
}
