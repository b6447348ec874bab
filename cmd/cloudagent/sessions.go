package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/cloudagent/internal/store"
)

const sessionsUsage = "usage: cloudagent sessions [--config <path>] <list|create|rename|delete|show> [args]"

func runSessions(args []string) error {
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	configPath := configFlag(fs)
	cached := fs.Bool("cached", false, "read from the local cache unless it is stale")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New(sessionsUsage)
	}

	ctx := context.Background()
	env, err := openClientEnv(ctx, *configPath)
	if err != nil {
		return err
	}
	defer env.Close()

	rest := fs.Args()[1:]
	switch fs.Arg(0) {
	case "list":
		var sessions []store.Session
		if *cached {
			sessions, err = env.cache.Sessions(ctx)
		} else {
			sessions, err = env.cache.RefreshSessions(ctx)
		}
		if err != nil {
			return err
		}
		printSessions(os.Stdout, sessions)
		return nil

	case "create":
		created, err := env.backend.CreateSession(ctx, strings.Join(rest, " "))
		if err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		if err := env.cache.InvalidateList(ctx); err != nil {
			env.logger.Warn("failed to invalidate session list", "error", err)
		}
		fmt.Println(created.SessionID)
		return nil

	case "rename":
		if len(rest) < 2 {
			return errors.New("usage: cloudagent sessions rename <id> <title>")
		}
		id := store.ID(rest[0])
		title := strings.Join(rest[1:], " ")
		if err := env.backend.UpdateSessionTitle(ctx, id, title); err != nil {
			return fmt.Errorf("rename session: %w", err)
		}
		if err := env.cache.SetTitle(ctx, id, title); err != nil {
			env.logger.Warn("failed to cache session title", "session_id", id, "error", err)
		}
		if err := env.cache.Invalidate(ctx, id); err != nil {
			env.logger.Warn("failed to invalidate session", "session_id", id, "error", err)
		}
		return nil

	case "delete":
		if len(rest) != 1 {
			return errors.New("usage: cloudagent sessions delete <id>")
		}
		id := store.ID(rest[0])
		if _, err := env.backend.DeleteSession(ctx, id); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		if err := env.cache.Forget(ctx, id); err != nil {
			env.logger.Warn("failed to drop session from cache", "session_id", id, "error", err)
		}
		return nil

	case "show":
		if len(rest) != 1 {
			return errors.New("usage: cloudagent sessions show <id>")
		}
		id := store.ID(rest[0])
		var detail *store.SessionDetail
		if *cached {
			detail, err = env.cache.Session(ctx, id)
		} else {
			detail, err = env.cache.RefreshSession(ctx, id)
		}
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("session %s not found", id)
		}
		if err != nil {
			return err
		}
		printSessionDetail(os.Stdout, detail)
		return nil
	}
	return errors.New(sessionsUsage)
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#F97316"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF"))
	userStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FDBA74"))
	agentStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#34D399"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
)

func printSessions(w io.Writer, sessions []store.Session) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no sessions"))
		return
	}
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%-8s %-34s %-8s %s", "ID", "TITLE", "STATUS", "UPDATED")))
	for _, s := range sessions {
		fmt.Fprintf(w, "%-8s %-34s %-8s %s\n", s.ID, trimForLog(s.Title, 34), s.Status, relativeTime(s.UpdatedAt))
	}
}

func printSessionDetail(w io.Writer, detail *store.SessionDetail) {
	s := detail.Session
	fmt.Fprintln(w, headerStyle.Render(s.Title))
	fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("id=%s  status=%s  created %s  tokens=%s (in %s, out %s)",
		s.ID, s.Status, relativeTime(s.CreatedAt),
		humanize.Comma(int64(detail.Tokens.TotalTokens)),
		humanize.Comma(int64(detail.Tokens.InputTokens)),
		humanize.Comma(int64(detail.Tokens.OutputTokens)),
	)))
	for _, m := range detail.Messages {
		fmt.Fprintln(w)
		fmt.Fprintln(w, roleLabel(m.Role)+" "+dimStyle.Render(relativeTime(m.Timestamp)))
		fmt.Fprintln(w, m.Content)
	}
}

func roleLabel(role store.Role) string {
	switch role {
	case store.RoleUser:
		return userStyle.Render("you")
	case store.RoleAgent:
		return agentStyle.Render("agent")
	}
	return dimStyle.Render(string(role))
}

func relativeTime(t store.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t.Time)
}

func trimForLog(s string, max int) string {
	r := []rune(s)
	if max <= 0 || len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}
