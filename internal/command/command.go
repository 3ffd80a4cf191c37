// Package command carries runtime directives into the sender loop. Control
// surfaces (stdin, WebSocket, Redis pub/sub) speak the same newline
// protocol:
//
//	EXIT                        stop the sender
//	SWITCH_VIDEO:<path-or-url>  preload a new source and switch to it
//
// Any other line is ignored.
package command

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// Kind identifies a command.
type Kind int

const (
	// SwitchSource asks the sender to preload Source and swap to it.
	SwitchSource Kind = iota + 1
	// Stop asks the sender to shut down.
	Stop
)

func (k Kind) String() string {
	switch k {
	case SwitchSource:
		return "switch"
	case Stop:
		return "stop"
	default:
		return "unknown"
	}
}

const (
	lineExit     = "EXIT"
	switchPrefix = "SWITCH_VIDEO:"
)

// Command is one directive. ID correlates log lines across the producer,
// the sender and the preload worker.
type Command struct {
	Kind   Kind
	Source string
	ID     string
}

// ParseLine decodes one protocol line. ok is false for unrecognized lines
// and for a switch with no source.
func ParseLine(line string) (cmd Command, ok bool) {
	line = strings.TrimSpace(line)
	switch {
	case line == lineExit:
		return Command{Kind: Stop, ID: uuid.NewString()}, true
	case strings.HasPrefix(line, switchPrefix):
		src := strings.TrimSpace(line[len(switchPrefix):])
		if src == "" {
			return Command{}, false
		}
		return Command{Kind: SwitchSource, Source: src, ID: uuid.NewString()}, true
	default:
		return Command{}, false
	}
}

// Feed parses line and pushes the resulting command onto q. It reports
// whether a command was queued.
func Feed(ctx context.Context, q *Queue, line, origin string, log *slog.Logger) (Command, bool) {
	cmd, ok := ParseLine(line)
	if !ok {
		if strings.TrimSpace(line) != "" {
			log.Debug("ignoring unrecognized command", "origin", origin, "line", line)
		}
		return Command{}, false
	}
	if err := q.Push(ctx, cmd); err != nil {
		log.Warn("command dropped", "origin", origin, "kind", cmd.Kind, "id", cmd.ID, "error", err)
		return Command{}, false
	}
	log.Info("command received", "origin", origin, "kind", cmd.Kind, "source", cmd.Source, "id", cmd.ID)
	return cmd, true
}
