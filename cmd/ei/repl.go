package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/flare576/ei/internal/history"
	"github.com/flare576/ei/internal/registry"
)

func envLookup(envVar string) string {
	return os.Getenv(envVar)
}

// runREPL is the conversational loop: lines prefixed with "/" are routed
// to the command dispatcher, everything else is submitted to the focused
// persona. Replies print when the scheduler's OnRender callback fires,
// which may be after runREPL has already printed the prompt for the next
// line (responses are asynchronous).
func (a *app) runREPL(ctx context.Context, in io.Reader, out io.Writer) error {
	focused := registry.PrimaryPersonaName
	a.sched.Focus(focused)

	scanner := bufio.NewScanner(in)
	fmt.Fprintf(out, "ei> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		drainRendered(out, a.rendered)

		if line == "" {
			fmt.Fprintf(out, "ei> ")
			continue
		}

		if strings.HasPrefix(line, "/") {
			res, err := a.disp.Dispatch(ctx, focused, line)
			if err != nil {
				fmt.Fprintf(out, "error: %s\n", err)
			} else {
				fmt.Fprintf(out, "%s\n", res.Status)
				if newFocused, ok := focusFromStatus(res.Status, a.reg); ok {
					focused = newFocused
					a.sched.Focus(focused)
				}
				if serr := a.saveRegistry(ctx); serr != nil {
					fmt.Fprintf(out, "error: %s\n", serr)
				}
			}
			if a.disp.Quit {
				return nil
			}
			fmt.Fprintf(out, "ei> ")
			continue
		}

		// While a ceremony batch awaits a reply, the next plain line to the
		// primary persona is that reply, not a new conversation turn.
		if focused == registry.PrimaryPersonaName {
			if pending, err := a.cer.AwaitingReply(ctx); err == nil && pending {
				if err := a.cer.ApplyReply(ctx, a.reg, focused, line); err != nil {
					fmt.Fprintf(out, "error: %s\n", err)
				} else {
					a.sched.SetHeartbeatSuppressed(focused, false)
					fmt.Fprintf(out, "noted, thanks.\n")
				}
				fmt.Fprintf(out, "ei> ")
				continue
			}
		}

		if err := a.sched.Submit(ctx, focused, line); err != nil {
			fmt.Fprintf(out, "error: %s\n", err)
		}
		fmt.Fprintf(out, "ei> ")
	}
	return scanner.Err()
}

// drainRendered flushes any persona replies queued by OnRender since the
// last prompt, non-blocking.
func drainRendered(out io.Writer, rendered <-chan string) {
	for {
		select {
		case msg := <-rendered:
			fmt.Fprintf(out, "\n%s\n", msg)
		default:
			return
		}
	}
}

// focusFromStatus recognizes the "/persona <name>" status line shape so the
// REPL's locally tracked focused persona stays in sync with the
// dispatcher's registry-level focus change.
func focusFromStatus(status string, reg *registry.Registry) (string, bool) {
	const prefix = "switched to "
	if !strings.HasPrefix(status, prefix) {
		return "", false
	}
	name := strings.TrimSpace(strings.TrimPrefix(status, prefix))
	if _, ok := reg.Get(name); ok {
		return name, true
	}
	if p, err := reg.Resolve(name); err == nil {
		return p.Name, true
	}
	return "", false
}

// lastReply reads the most recent system (assistant) message in persona's
// history, for OnRender to format.
func lastReply(h *history.History) (string, bool) {
	for i := len(h.Messages) - 1; i >= 0; i-- {
		if h.Messages[i].Role == history.RoleSystem {
			return h.Messages[i].Content, true
		}
	}
	return "", false
}
