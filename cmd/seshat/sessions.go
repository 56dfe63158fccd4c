package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/seshat/internal/db"
	"github.com/zulandar/seshat/internal/models"
)

func newSessionsCmd() *cobra.Command {
	var (
		t      target
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "sessions [config] [section]",
		Short: "List chat sessions in the store",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved, err := t.resolve(args)
			if err != nil {
				return err
			}
			return runSessions(cmd, resolved, status, limit)
		},
	}
	t.bind(cmd)
	cmd.Flags().StringVar(&status, "status", "", "filter by status (waiting, accepted, finished, cancelled)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of sessions to show")
	return cmd
}

func runSessions(cmd *cobra.Command, t target, status string, limit int) error {
	out := cmd.OutOrStdout()

	if status != "" {
		switch models.SessionStatus(strings.ToLower(status)) {
		case models.StatusWaiting, models.StatusAccepted, models.StatusFinished, models.StatusCancelled:
			status = strings.ToLower(status)
		default:
			return fmt.Errorf("invalid status %q", status)
		}
	}

	cfg, err := t.load()
	if err != nil {
		return err
	}
	gormDB, err := db.Open(cfg)
	if err != nil {
		return err
	}
	if sqlDB, err := gormDB.DB(); err == nil {
		defer sqlDB.Close()
	}

	q := gormDB.Model(&models.Session{}).Order("chat_id DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var sessions []models.Session
	if err := q.Find(&sessions).Error; err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tVISITOR\tOPERATOR\tCREATED")
	for _, s := range sessions {
		op := s.OperatorName()
		if op == "" {
			op = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			s.ChatID, s.Status, truncate(s.VisitorLabel, 40), op,
			s.CreatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
