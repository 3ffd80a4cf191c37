package command

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
)

// ReadLines feeds each line of r into q until r is exhausted, an EXIT line
// is read, or ctx is cancelled. The blocking read runs in its own goroutine
// so cancellation returns promptly even while r has no data.
func ReadLines(ctx context.Context, r io.Reader, q *Queue, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "stdin")
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			if err != nil {
				return fmt.Errorf("command: read: %w", err)
			}
			log.Info("command input closed")
			return nil
		case line := <-lines:
			if cmd, ok := Feed(ctx, q, line, "stdin", log); ok && cmd.Kind == Stop {
				return nil
			}
		}
	}
}
