package cmd

import (
	"fmt"

	"github.com/hugo-lorenzo-mato/crashkit/internal/config"
	"github.com/hugo-lorenzo-mato/crashkit/internal/logging"
	"github.com/hugo-lorenzo-mato/crashkit/internal/queue"
	"github.com/hugo-lorenzo-mato/crashkit/internal/report"
	"github.com/hugo-lorenzo-mato/crashkit/internal/storage"
)

// session is the configured queue a command works on.
type session struct {
	cfg     *config.FileConfig
	logger  *logging.Logger
	backend storage.Backend
	store   *queue.Store
}

func openSession() (*session, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger = logger.WithBackend(backendKind(cfg))
	backend, err := cfg.OpenBackend(logger.Logger)
	if err != nil {
		return nil, err
	}
	return &session{
		cfg:     cfg,
		logger:  logger,
		backend: backend,
		store:   queue.New(backend, queue.Options{Logger: logger.Logger}),
	}, nil
}

func (s *session) Close() error { return s.backend.Close() }

func (s *session) browser() (storage.Browser, error) {
	br, ok := s.backend.(storage.Browser)
	if !ok {
		return nil, fmt.Errorf("%s backend cannot be browsed", backendKind(s.cfg))
	}
	return br, nil
}

// load decodes the queued report called name.
func (s *session) load(name string) (*report.Report, error) {
	br, err := s.browser()
	if err != nil {
		return nil, err
	}
	rs, err := br.Open(name)
	if err != nil {
		return nil, err
	}
	defer rs.Close()
	return queue.Decode(rs)
}

func backendKind(cfg *config.FileConfig) string {
	if cfg.Storage.Backend == "" {
		return config.BackendProfile
	}
	return cfg.Storage.Backend
}
