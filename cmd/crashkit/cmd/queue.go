package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/crashkit/internal/config"
	"github.com/hugo-lorenzo-mato/crashkit/internal/dispatch"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Work with queued crash reports",
}

var queueCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Print the number of queued reports",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()
		n, err := s.store.Count()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), n)
		return nil
	},
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued reports, oldest first",
	Args:  cobra.NoArgs,
	RunE:  runQueueList,
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every queued report",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := openSession()
		if err != nil {
			return err
		}
		defer s.Close()
		n, err := s.store.Count()
		if err != nil {
			return err
		}
		if err := s.store.Clear(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d report(s)\n", n)
		return nil
	},
}

var queueSendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send queued reports through the configured sender",
	Long: `Drains the queue once through the configured sender. Every report is
attempted once and removed whether or not the sender accepted it.`,
	Args: cobra.NoArgs,
	RunE: runQueueSend,
}

func init() {
	queueCmd.AddCommand(queueCountCmd, queueListCmd, queueClearCmd, queueSendCmd)
	rootCmd.AddCommand(queueCmd)
}

func runQueueList(cmd *cobra.Command, _ []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()
	br, err := s.browser()
	if err != nil {
		return err
	}
	names, err := br.List()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(names) == 0 {
		fmt.Fprintln(out, "No queued reports.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTIME (UTC)\tTYPE\tMESSAGE")
	fmt.Fprintln(w, "────\t──────────\t────\t───────")
	for _, name := range names {
		r, err := s.load(name)
		if err != nil {
			s.logger.WithReport(name).Warn("skipping unreadable report", "error", err)
			fmt.Fprintf(w, "%s\t-\t-\t(unreadable)\n", name)
			continue
		}
		gi := r.GeneralInfo
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, gi.DateTime, gi.ExceptionType, truncate(gi.ExceptionMessage, 60))
	}
	return w.Flush()
}

func runQueueSend(cmd *cobra.Command, _ []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	if err := config.NewValidator().Validate(s.cfg); err != nil {
		return err
	}
	snd, err := s.cfg.BuildSender(s.logger.Logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	coord := dispatch.New(s.store, dispatch.Options{Sender: snd, Logger: s.logger.Logger})
	defer coord.Close()
	pass, err := coord.SendReports(ctx)
	fmt.Fprintf(cmd.OutOrStdout(), "Sent %d, failed %d, discarded %d\n", pass.Sent, pass.Failed, pass.Discarded)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
