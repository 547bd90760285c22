// Package drain hands the accumulated staging queue to the external archival
// handler under a preflight-capacity protocol.
package drain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"

	"github.com/wtsi-hgi/hgi-vault-sub000/internal/persist"
)

// Handler preflight exit codes.
const (
	exitReady      = 0
	exitBusy       = 1
	exitDownstream = 2
)

var (
	// ErrHandlerBusy: the handler cannot accept work right now; retry a
	// later run. Not an error condition for the caller's exit status.
	ErrHandlerBusy = errors.New("handler busy, retry later")

	// ErrDownstreamFull: the downstream archival system is out of capacity.
	// The queue is preserved; the run fails.
	ErrDownstreamFull = errors.New("downstream storage is full")
)

// HandlerError reports an unexpected handler exit. Fatal; the queue is
// preserved.
type HandlerError struct {
	Phase string // "preflight" or "consume"
	Code  int
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s failed with exit code %d", e.Phase, e.Code)
}

// Drainer streams staged key paths to the handler executable.
type Drainer struct {
	// Handler is the path of the downstream handler executable.
	Handler string

	// Store's queue records are cleaned only after a fully successful drain.
	Store persist.Store
}

// Drain preflights the handler with the queue's byte size, then streams
// every key path NUL-delimited to its standard input. The persisted records
// are cleared only if the whole drain completes cleanly.
func (d *Drainer) Drain(ctx context.Context, q *persist.Queue) error {
	if len(q.Keys) == 0 {
		slog.Info("staging queue is empty, nothing to drain")
		return nil
	}

	if err := d.preflight(ctx, q.Size); err != nil {
		return err
	}

	if err := d.consume(ctx, q.Keys); err != nil {
		return err
	}

	if err := d.Store.Clean(ctx, q); err != nil {
		return fmt.Errorf("clean staging queue: %w", err)
	}
	slog.Info("drain complete", "files", len(q.Keys), "bytes", q.Size)
	return nil
}

// preflight asks the handler whether it can take size bytes:
// `<handler> ready <capacity-bytes>`.
func (d *Drainer) preflight(ctx context.Context, size int64) error {
	cmd := exec.CommandContext(ctx, d.Handler, "ready", strconv.FormatInt(size, 10))
	err := cmd.Run()
	switch code := exitCode(err); code {
	case exitReady:
		return nil
	case exitBusy:
		return ErrHandlerBusy
	case exitDownstream:
		return ErrDownstreamFull
	default:
		if err != nil && code < 0 {
			return fmt.Errorf("run handler preflight: %w", err)
		}
		return &HandlerError{Phase: "preflight", Code: code}
	}
}

// consume feeds the key paths to `<handler>` on stdin, NUL-terminated, and
// requires a zero exit.
func (d *Drainer) consume(ctx context.Context, keys []string) error {
	cmd := exec.CommandContext(ctx, d.Handler)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start handler: %w", err)
	}

	var writeErr error
	for _, key := range keys {
		if _, writeErr = stdin.Write(append([]byte(key), 0)); writeErr != nil {
			break
		}
	}
	if err := stdin.Close(); writeErr == nil {
		writeErr = err
	}

	err = cmd.Wait()
	if writeErr != nil {
		return fmt.Errorf("stream keys to handler: %w", writeErr)
	}
	if err != nil {
		if code := exitCode(err); code > 0 {
			return &HandlerError{Phase: "consume", Code: code}
		}
		return fmt.Errorf("run handler: %w", err)
	}
	return nil
}

// exitCode extracts a process exit code: 0 for nil, -1 when the process
// never ran or was signalled.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exit *exec.ExitError
	if errors.As(err, &exit) {
		return exit.ExitCode()
	}
	return -1
}
