package ui

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/BioHazard786/warpvoice/internal/domain"
	tea "github.com/charmbracelet/bubbletea"
)

// RunSession shows the interactive view until the session ends or the user
// quits. It returns the fatal failure reported by the session, if any.
func RunSession(ctx context.Context, ctrl Controller, events <-chan domain.Event, agent string) error {
	model := NewSessionModel(ctrl, events, agent)
	// Inline mode keeps the previous terminal output visible.
	p := tea.NewProgram(model, tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("ui: %w", err)
	}
	return model.Fatal()
}

// RunPlain is the line oriented alternative to RunSession for terminals
// without cursor control. Input lines are sent as text; /talk toggles
// capture and /quit closes the session.
func RunPlain(ctx context.Context, ctrl Controller, events <-chan domain.Event, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	var fatal error
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return fatal
			}
			if f, isFailure := ev.(domain.Failure); isFailure && f.Fatal {
				fatal = f.Err
			}
			if line := describe(ev); line != "" {
				fmt.Fprintln(out, line)
			}

		case line, ok := <-lines:
			if !ok {
				lines = nil
				if err := ctrl.Close(ctx); err != nil {
					fmt.Fprintln(out, FormatError(err))
				}
				continue
			}
			if err := runLine(ctx, ctrl, strings.TrimSpace(line), out); err != nil {
				fmt.Fprintln(out, FormatError(err))
			}

		case <-ctx.Done():
			return fatal
		}
	}
}

func runLine(ctx context.Context, ctrl Controller, line string, out io.Writer) error {
	switch line {
	case "":
		return nil
	case "/talk":
		capturing, err := ctrl.ToggleCapture(ctx)
		if err != nil {
			return err
		}
		if capturing {
			fmt.Fprintln(out, IconMic+" recording, /talk again to send")
		} else {
			fmt.Fprintln(out, IconMuted+" recording stopped")
		}
		return nil
	case "/quit":
		return ctrl.Close(ctx)
	}
	_, err := ctrl.SendText(ctx, line)
	return err
}

// describe renders one event as a log line. Streaming updates are skipped;
// only complete messages are printed.
func describe(ev domain.Event) string {
	switch ev := ev.(type) {
	case domain.StateChanged:
		return fmt.Sprintf("%s %s", IconConnect, StateBadge(ev.To))
	case domain.MessageSealed:
		return fmt.Sprintf("%s %s", AgentNameStyle.Render("Agent"), ev.Message.Text)
	case domain.Notice:
		return MutedStyle.Render(ev.Kind + ": " + ev.Text)
	case domain.Failure:
		return FormatError(ev.Err)
	}
	return ""
}
