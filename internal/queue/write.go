package queue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/hugo-lorenzo-mato/crashkit/internal/archive"
	"github.com/hugo-lorenzo-mato/crashkit/internal/core"
	"github.com/hugo-lorenzo-mato/crashkit/internal/dump"
	"github.com/hugo-lorenzo-mato/crashkit/internal/report"
	"github.com/hugo-lorenzo-mato/crashkit/internal/storage"
)

// Write persists r as a new archive and returns its entry name. Failures in
// optional parts (plugins, dump, additional files) are logged and skipped;
// only the exception and report entries are mandatory. A full queue yields a
// capacity error and nothing is written.
func (s *Store) Write(r *report.Report) (string, error) {
	extra := s.preProcess(r)
	defer s.postProcess(r)

	ws, name, err := s.backend.Create(s.opts.MaxQueued)
	if err != nil {
		if core.IsCategory(err, core.ErrCatCapacity) {
			s.logger.Warn("report not saved, queue is full",
				slog.Int("max_queued", s.opts.MaxQueued),
				slog.String("report_id", r.GeneralInfo.ReportID))
			return "", err
		}
		s.logger.Error("creating report archive", slog.String("error", err.Error()))
		return "", err
	}
	log := s.logger.With(slog.String("report", name))

	if err := s.compose(ws, r, extra, log); err != nil {
		if aerr := ws.Abort(); aerr != nil {
			log.Warn("discarding partial report", slog.String("error", aerr.Error()))
		}
		log.Error("writing report archive", slog.String("error", err.Error()))
		return "", err
	}
	if err := ws.Close(); err != nil {
		log.Error("committing report archive", slog.String("error", err.Error()))
		return "", core.ErrStorage("committing " + name).WithCause(err)
	}
	log.Info("report queued", slog.String("summary", r.String()))
	return name, nil
}

func (s *Store) compose(ws storage.WriteStream, r *report.Report, extra []string, log *slog.Logger) error {
	w, err := archive.NewWriter(ws, r.GeneralInfo.ReportID)
	if err != nil {
		return err
	}
	w.ForceDeflate = s.opts.ForceDeflate
	at := s.now()

	exception, err := json.Marshal(r.Exception)
	if err != nil {
		return fmt.Errorf("encoding exception: %w", err)
	}
	if err := w.AddStream(archive.Deflate, EntryException, bytes.NewReader(exception), at, ""); err != nil {
		return err
	}

	body, err := s.encodeReport(r, log)
	if err != nil {
		return err
	}
	if err := w.AddStream(archive.Deflate, EntryReport, bytes.NewReader(body), at, ""); err != nil {
		return err
	}

	s.addDump(w, log)

	seen := map[string]bool{}
	for _, mask := range s.opts.AdditionalFiles {
		s.addMask(w, mask, seen, log)
	}
	for _, p := range extra {
		s.addFile(w, p, path.Base(filepath.ToSlash(p)), seen, log)
	}
	for _, a := range r.Attachments {
		s.addFile(w, filepath.Join(a.Dir, a.Name), filepath.ToSlash(a.Name), seen, log)
	}

	return w.Close()
}

// encodeReport serializes r without its snapshot, which has its own entry.
// Unserializable custom info is dropped.
func (s *Store) encodeReport(r *report.Report, log *slog.Logger) ([]byte, error) {
	shallow := *r
	shallow.Exception = nil
	body, err := json.Marshal(&shallow)
	if err == nil {
		return body, nil
	}
	if shallow.CustomInfo == nil {
		return nil, fmt.Errorf("encoding report: %w", err)
	}
	log.Error("dropping custom info that cannot be serialized",
		slog.String("type", fmt.Sprintf("%T", shallow.CustomInfo)),
		slog.String("error", err.Error()))
	shallow.CustomInfo = nil
	r.CustomInfo = nil
	body, err = json.Marshal(&shallow)
	if err != nil {
		return nil, fmt.Errorf("encoding report: %w", err)
	}
	return body, nil
}

func (s *Store) addDump(w *archive.Writer, log *slog.Logger) {
	if s.opts.DumpSeverity == dump.None || s.opts.DumpProducer == nil {
		return
	}
	tmp := filepath.Join(os.TempDir(), "crashkit-"+uuid.NewString()+".dmp")
	defer os.Remove(tmp)

	if err := s.produce(tmp); err != nil {
		log.Warn("dump not captured",
			slog.String("severity", s.opts.DumpSeverity.String()),
			slog.String("error", err.Error()))
		return
	}
	if err := w.AddFile(archive.Deflate, tmp, EntryDump, ""); err != nil {
		log.Warn("adding dump", slog.String("error", err.Error()))
	}
}

func (s *Store) produce(path string) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("dump producer panicked: %v", v)
		}
	}()
	return s.opts.DumpProducer.Produce(path, s.opts.DumpSeverity)
}

// addMask adds every file matching mask. Matched directories are added
// recursively. Names keep their path relative to the mask root, the longest
// leading part of the mask without glob metacharacters.
func (s *Store) addMask(w *archive.Writer, mask string, seen map[string]bool, log *slog.Logger) {
	matches, err := filepath.Glob(mask)
	if err != nil {
		log.Warn("invalid additional file mask", slog.String("mask", mask), slog.String("error", err.Error()))
		return
	}
	if len(matches) == 0 {
		log.Debug("additional file mask matched nothing", slog.String("mask", mask))
		return
	}
	root := maskRoot(mask)
	for _, m := range matches {
		err := filepath.WalkDir(m, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				log.Warn("reading additional file", slog.String("path", p), slog.String("error", err.Error()))
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			rel, rerr := filepath.Rel(root, p)
			if rerr != nil || strings.HasPrefix(rel, "..") {
				rel = filepath.Base(p)
			}
			s.addFile(w, p, filepath.ToSlash(rel), seen, log)
			return nil
		})
		if err != nil {
			log.Warn("walking additional files", slog.String("path", m), slog.String("error", err.Error()))
		}
	}
}

func (s *Store) addFile(w *archive.Writer, src, rel string, seen map[string]bool, log *slog.Logger) {
	name := FilesPrefix + strings.TrimLeft(rel, "/")
	if seen[name] {
		log.Debug("skipping duplicate file", slog.String("name", name))
		return
	}
	if err := w.AddFile(archive.Deflate, src, name, ""); err != nil {
		log.Warn("adding file", slog.String("path", src), slog.String("error", err.Error()))
		return
	}
	seen[name] = true
}

// maskRoot returns the directory that relative names under mask start from.
func maskRoot(mask string) string {
	mask = filepath.Clean(mask)
	if !hasMeta(mask) {
		return filepath.Dir(mask)
	}
	dir := mask
	for hasMeta(dir) {
		dir = filepath.Dir(dir)
	}
	return dir
}

func hasMeta(p string) bool {
	return strings.ContainsAny(p, `*?[`)
}

func (s *Store) preProcess(r *report.Report) []string {
	var files []string
	for _, p := range s.opts.Plugins {
		got, err := safePre(p, r)
		if err != nil {
			s.logger.Warn("report plugin failed", slog.String("plugin", pluginName(p)), slog.String("error", err.Error()))
			continue
		}
		files = append(files, got...)
	}
	return files
}

func (s *Store) postProcess(r *report.Report) {
	for _, p := range s.opts.Plugins {
		func() {
			defer func() {
				if v := recover(); v != nil {
					s.logger.Warn("report plugin panicked", slog.String("plugin", pluginName(p)), slog.Any("panic", v))
				}
			}()
			p.PostProcess(r)
		}()
	}
}

func safePre(p Plugin, r *report.Report) (files []string, err error) {
	defer func() {
		if v := recover(); v != nil {
			files, err = nil, fmt.Errorf("plugin panicked: %v", v)
		}
	}()
	return p.PreProcess(r)
}

func pluginName(p Plugin) string {
	if n, ok := p.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", p)
}
