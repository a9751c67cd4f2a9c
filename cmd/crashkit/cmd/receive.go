package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/crashkit/internal/inbox"
	"github.com/hugo-lorenzo-mato/crashkit/internal/storage"
)

var (
	receiveAddr      string
	receiveDir       string
	receiveMaxQueued int
	receiveOrigins   []string
)

var receiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "Run a local inbox that accepts uploads from the HTTP sender",
	Long: `Starts an HTTP server that stores crash reports uploaded by the HTTP
sender. Point sender.http.url at http://<addr>/reports to try a reporting
setup end to end. Uploads are validated and stored in --dir, or in the
configured storage backend when --dir is not set.`,
	Args: cobra.NoArgs,
	RunE: runReceive,
}

func init() {
	receiveCmd.Flags().StringVar(&receiveAddr, "addr", "127.0.0.1:8765", "listen address")
	receiveCmd.Flags().StringVar(&receiveDir, "dir", "", "store uploads in this directory")
	receiveCmd.Flags().IntVar(&receiveMaxQueued, "max-queued", 0, "reject uploads beyond this many stored reports (0 = unbounded)")
	receiveCmd.Flags().StringSliceVar(&receiveOrigins, "allowed-origins", []string{"*"}, "CORS allowed origins")
	rootCmd.AddCommand(receiveCmd)
}

func runReceive(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	var backend storage.Backend
	if receiveDir != "" {
		backend = storage.NewDirectory(receiveDir, storage.WithLogger(logger.WithBackend("directory").Logger))
	} else {
		backend, err = cfg.OpenBackend(logger.WithBackend(backendKind(cfg)).Logger)
		if err != nil {
			return err
		}
	}
	defer backend.Close()

	store, ok := backend.(inbox.Store)
	if !ok {
		return fmt.Errorf("%s backend cannot serve an inbox", backendKind(cfg))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := inbox.NewServer(store,
		inbox.WithLogger(logger.Logger),
		inbox.WithMaxQueued(receiveMaxQueued),
		inbox.WithAllowedOrigins(receiveOrigins...),
	)
	fmt.Fprintf(cmd.OutOrStdout(), "Receiving reports on http://%s/reports\n", receiveAddr)
	return srv.ListenAndServe(ctx, receiveAddr)
}
