package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"

	"github.com/mattjoyce/cloudagent/internal/backend"
	"github.com/mattjoyce/cloudagent/internal/chat"
	"github.com/mattjoyce/cloudagent/internal/reasoning"
	"github.com/mattjoyce/cloudagent/internal/store"
)

func runAsk(args []string) error {
	fs := flag.NewFlagSet("ask", flag.ExitOnError)
	configPath := configFlag(fs)
	sessionID := fs.String("session", "", "session id (a new session is created when empty)")
	showCode := fs.Bool("code", false, "print code actions and observations")
	if err := fs.Parse(args); err != nil {
		return err
	}
	query := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if query == "" {
		return errors.New("usage: cloudagent ask [--config <path>] [--session <id>] [--code] <query>")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	env, err := openClientEnv(context.Background(), *configPath)
	if err != nil {
		return err
	}
	defer env.Close()

	id, err := env.resolveSession(ctx, *sessionID)
	if err != nil {
		return err
	}

	ctrl := chat.New(chat.Options{
		SessionID: id,
		Backend:   env.backend,
		Cache:     env.cache,
		Logger:    env.logger,
	})
	// the turn outlives the signal context so Stop can still interrupt it
	if !ctrl.Submit(context.Background(), query) {
		if snap := ctrl.Snapshot(); snap.StreamErr != nil {
			return fmt.Errorf("start turn: %w", snap.StreamErr)
		}
		return errors.New("turn did not start")
	}

	done := make(chan struct{})
	go func() {
		ctrl.Wait()
		close(done)
	}()

	printer := &timelinePrinter{w: os.Stdout, showCode: *showCode}
	for {
		select {
		case <-ctx.Done():
			ctrl.Stop(context.Background())
			<-done
			printer.update(ctrl.Snapshot())
			fmt.Fprintln(os.Stdout, dimStyle.Render("stopped"))
			return nil
		case <-ctrl.Changes():
			printer.update(ctrl.Snapshot())
		case <-done:
			snap := ctrl.Snapshot()
			printer.update(snap)
			return printer.finish(snap)
		}
	}
}

// timelinePrinter writes each reasoning step once as it completes.
type timelinePrinter struct {
	w        io.Writer
	showCode bool
	printed  int
}

func (p *timelinePrinter) update(snap chat.Snapshot) {
	if snap.Turn == nil {
		return
	}
	steps := snap.Turn.Timeline()
	for _, step := range steps[p.printed:] {
		p.printStep(step)
	}
	p.printed = len(steps)
}

func (p *timelinePrinter) printStep(step reasoning.Step) {
	fmt.Fprintln(p.w, headerStyle.Render(stepTitle(step)))
	if text := strings.TrimSpace(step.Display()); text != "" {
		fmt.Fprintln(p.w, text)
	}
	if p.showCode && step.CodeAction != "" {
		fmt.Fprintln(p.w, dimStyle.Render(strings.TrimRight(step.CodeAction, "\n")))
	}
	if p.showCode && step.Observations != "" {
		fmt.Fprintln(p.w, dimStyle.Render("→ "+strings.TrimRight(step.Observations, "\n")))
	}
	if step.Error != "" {
		fmt.Fprintln(p.w, errorStyle.Render(step.Error))
	}
	fmt.Fprintln(p.w)
}

func (p *timelinePrinter) finish(snap chat.Snapshot) error {
	if snap.StreamErr != nil {
		if backend.IsTransientError(snap.StreamErr) {
			return fmt.Errorf("backend unreachable, try again: %w", snap.StreamErr)
		}
		return fmt.Errorf("stream: %w", snap.StreamErr)
	}
	if answer := lastAgentMessage(snap.Messages); answer != nil {
		fmt.Fprintln(p.w, agentStyle.Render("answer"))
		fmt.Fprintln(p.w, answer.Content)
	} else if snap.Turn != nil && snap.Turn.Cancelled {
		fmt.Fprintln(p.w, dimStyle.Render("cancelled"))
	}
	fmt.Fprintln(p.w, dimStyle.Render(fmt.Sprintf("session %s  %s tokens", snap.SessionID, humanize.Comma(int64(snap.Tokens.TotalTokens)))))
	return nil
}

func stepTitle(step reasoning.Step) string {
	if step.Kind == reasoning.KindPlanning {
		return fmt.Sprintf("Step %d · plan", step.Number)
	}
	return fmt.Sprintf("Step %d · action", step.Number)
}

func lastAgentMessage(messages []store.Message) *store.Message {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == store.RoleAgent {
			return &messages[i]
		}
		if messages[i].Role == store.RoleUser {
			return nil
		}
	}
	return nil
}
