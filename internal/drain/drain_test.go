package drain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wtsi-hgi/hgi-vault-sub000/internal/persist"
)

// queueStore is a minimal persist.Store tracking only Clean calls.
type queueStore struct {
	mu      sync.Mutex
	cleaned int
}

func (s *queueStore) Persist(context.Context, persist.FileRecord, persist.State) error {
	return nil
}
func (s *queueStore) Stakeholders(context.Context) ([]uint32, error) { return nil, nil }
func (s *queueStore) Pending(context.Context, uint32, persist.StateKind, time.Duration) (persist.Notifiable, error) {
	return persist.Notifiable{}, nil
}
func (s *queueStore) MarkNotified(context.Context, persist.Notifiable) error { return nil }
func (s *queueStore) AnyWarning(context.Context, string) (bool, error)       { return false, nil }
func (s *queueStore) WarnedLeads(context.Context, string) ([]time.Duration, error) {
	return nil, nil
}
func (s *queueStore) StagedQueue(context.Context) (*persist.Queue, error) { return nil, nil }
func (s *queueStore) Clean(context.Context, *persist.Queue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleaned++
	return nil
}
func (s *queueStore) Close() error { return nil }

func (s *queueStore) cleans() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cleaned
}

// handlerScript writes an executable shell handler. It exits with readyCode
// on `ready <bytes>` preflights, and on a consume invocation copies stdin to
// capture and exits with consumeCode.
func handlerScript(t *testing.T, readyCode, consumeCode int) (handler, capture string) {
	t.Helper()
	dir := t.TempDir()
	handler = filepath.Join(dir, "handler.sh")
	capture = filepath.Join(dir, "stdin.bin")

	script := fmt.Sprintf(`#!/bin/sh
if [ "$1" = ready ]; then
	echo "$2" > %q.size
	exit %d
fi
cat > %q
exit %d
`, capture, readyCode, capture, consumeCode)
	require.NoError(t, os.WriteFile(handler, []byte(script), 0o755))
	return handler, capture
}

func testQueue() *persist.Queue {
	return &persist.Queue{
		Size: 12345,
		Keys: []string{"/data/.vault/.staged/12/ab-a2V5", "/data/.vault/.staged/34/cd-b3Z5"},
	}
}

func TestDrain_Success(t *testing.T) {
	handler, capture := handlerScript(t, 0, 0)
	store := &queueStore{}
	d := &Drainer{Handler: handler, Store: store}
	q := testQueue()

	require.NoError(t, d.Drain(context.Background(), q))

	// Preflight saw the accumulated byte size.
	size, err := os.ReadFile(capture + ".size")
	require.NoError(t, err)
	assert.Equal(t, "12345\n", string(size))

	// The consume stream is the NUL-delimited key paths, in order.
	stream, err := os.ReadFile(capture)
	require.NoError(t, err)
	want := bytes.Join([][]byte{[]byte(q.Keys[0]), []byte(q.Keys[1]), nil}, []byte{0})
	assert.Equal(t, want, stream)

	assert.Equal(t, 1, store.cleans())
}

func TestDrain_EmptyQueueIsNoOp(t *testing.T) {
	store := &queueStore{}
	d := &Drainer{Handler: "/nonexistent", Store: store}

	require.NoError(t, d.Drain(context.Background(), &persist.Queue{}))
	assert.Zero(t, store.cleans())
}

func TestDrain_HandlerBusy(t *testing.T) {
	handler, capture := handlerScript(t, 1, 0)
	store := &queueStore{}
	d := &Drainer{Handler: handler, Store: store}

	err := d.Drain(context.Background(), testQueue())
	assert.ErrorIs(t, err, ErrHandlerBusy)

	// No keys were streamed and the queue is preserved.
	assert.NoFileExists(t, capture)
	assert.Zero(t, store.cleans())
}

func TestDrain_DownstreamFull(t *testing.T) {
	handler, _ := handlerScript(t, 2, 0)
	store := &queueStore{}
	d := &Drainer{Handler: handler, Store: store}

	err := d.Drain(context.Background(), testQueue())
	assert.ErrorIs(t, err, ErrDownstreamFull)
	assert.Zero(t, store.cleans())
}

func TestDrain_UnexpectedPreflightExit(t *testing.T) {
	handler, _ := handlerScript(t, 3, 0)
	store := &queueStore{}
	d := &Drainer{Handler: handler, Store: store}

	err := d.Drain(context.Background(), testQueue())
	var he *HandlerError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "preflight", he.Phase)
	assert.Equal(t, 3, he.Code)
	assert.Zero(t, store.cleans())
}

func TestDrain_ConsumeFailurePreservesQueue(t *testing.T) {
	handler, _ := handlerScript(t, 0, 9)
	store := &queueStore{}
	d := &Drainer{Handler: handler, Store: store}

	err := d.Drain(context.Background(), testQueue())
	var he *HandlerError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, "consume", he.Phase)
	assert.Equal(t, 9, he.Code)
	assert.Zero(t, store.cleans())
}

func TestDrain_MissingHandler(t *testing.T) {
	store := &queueStore{}
	d := &Drainer{Handler: filepath.Join(t.TempDir(), "absent"), Store: store}

	err := d.Drain(context.Background(), testQueue())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrHandlerBusy))
	assert.Zero(t, store.cleans())
}
