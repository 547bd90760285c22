package sweep

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wtsi-hgi/hgi-vault-sub000/internal/identity"
	"github.com/wtsi-hgi/hgi-vault-sub000/internal/mail"
	"github.com/wtsi-hgi/hgi-vault-sub000/internal/persist"
)

type sentMail struct {
	msg mail.Message
	to  identity.User
}

type fakeSender struct {
	sent      []sentMail
	failAfter int // fail every send once this many have succeeded; 0 disables
}

func (s *fakeSender) Send(_ context.Context, msg mail.Message, to ...identity.User) error {
	if s.failAfter > 0 && len(s.sent) >= s.failAfter {
		return errors.New("smtp unavailable")
	}
	s.sent = append(s.sent, sentMail{msg: msg, to: to[0]})
	return nil
}

func record(uid uint32, path string) persist.FileRecord {
	return persist.FileRecord{ID: fmt.Sprintf("%d-%s", uid, path), UID: uid, Path: path, Size: 1}
}

func newNotifier(store persist.Store, sender mail.Sender, users map[uint32]identity.User) *Notifier {
	return &Notifier{
		Store:          store,
		Sender:         sender,
		Resolver:       &fakeResolver{users: users},
		Leads:          []time.Duration{240 * time.Hour, 72 * time.Hour},
		LimboThreshold: 14 * 24 * time.Hour,
		MaxInline:      10,
	}
}

func TestNotify_OneMessagePerCategory(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	require.NoError(t, store.Persist(ctx, record(100, "/data/deleted.txt"), persist.State{Kind: persist.StateDeleted}))
	require.NoError(t, store.Persist(ctx, record(100, "/data/staged.txt"), persist.State{Kind: persist.StateStaged}))
	require.NoError(t, store.Persist(ctx, record(100, "/data/due-soon.txt"), persist.State{Kind: persist.StateWarned, Lead: 72 * time.Hour}))
	require.NoError(t, store.Persist(ctx, record(100, "/data/due-later.txt"), persist.State{Kind: persist.StateWarned, Lead: 240 * time.Hour}))

	sender := &fakeSender{}
	users := map[uint32]identity.User{100: {UID: 100, Name: "alice", Email: "alice@example.com"}}
	n := newNotifier(store, sender, users)

	require.NoError(t, n.Notify(ctx))
	require.Len(t, sender.sent, 4)

	var subjects []string
	for _, m := range sender.sent {
		assert.Equal(t, "alice@example.com", m.to.Email)
		assert.Contains(t, m.msg.Body, "Dear alice")
		subjects = append(subjects, m.msg.Subject)
	}
	assert.Contains(t, subjects, "[vault] Files deleted")
	assert.Contains(t, subjects, "[vault] Files staged for archival")

	// The shortest lead is flagged urgent; the longer one is not.
	var urgent, routine int
	for _, s := range subjects {
		if strings.Contains(s, "URGENT") {
			urgent++
		}
		if strings.Contains(s, "240h") {
			routine++
			assert.NotContains(t, s, "URGENT")
		}
	}
	assert.Equal(t, 1, urgent)
	assert.Equal(t, 1, routine)

	// Everything was delivered, so nothing is pending anymore.
	uids, err := store.Stakeholders(ctx)
	require.NoError(t, err)
	assert.Empty(t, uids)
}

func TestNotify_EmptyCategoriesSendNothing(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	require.NoError(t, store.Persist(ctx, record(100, "/data/a.txt"), persist.State{Kind: persist.StateDeleted}))

	sender := &fakeSender{}
	users := map[uint32]identity.User{100: {UID: 100, Name: "alice", Email: "alice@example.com"}}
	n := newNotifier(store, sender, users)

	require.NoError(t, n.Notify(ctx))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "[vault] Files deleted", sender.sent[0].msg.Subject)
	assert.Contains(t, sender.sent[0].msg.Body, "/data/a.txt")
}

func TestNotify_PartialFailureLeavesRecordsPending(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	require.NoError(t, store.Persist(ctx, record(100, "/data/deleted.txt"), persist.State{Kind: persist.StateDeleted}))
	require.NoError(t, store.Persist(ctx, record(100, "/data/staged.txt"), persist.State{Kind: persist.StateStaged}))

	// The first category sends, the second fails: neither may be marked.
	sender := &fakeSender{failAfter: 1}
	users := map[uint32]identity.User{100: {UID: 100, Name: "alice", Email: "alice@example.com"}}
	n := newNotifier(store, sender, users)

	require.NoError(t, n.Notify(ctx))

	uids, err := store.Stakeholders(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint32{100}, uids)

	// A later, healthy run delivers and clears the backlog.
	sender.failAfter = 0
	require.NoError(t, n.Notify(ctx))
	uids, err = store.Stakeholders(ctx)
	require.NoError(t, err)
	assert.Empty(t, uids)
}

func TestNotify_UnresolvableStakeholderIsSkipped(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	require.NoError(t, store.Persist(ctx, record(100, "/data/a.txt"), persist.State{Kind: persist.StateDeleted}))
	require.NoError(t, store.Persist(ctx, record(200, "/data/b.txt"), persist.State{Kind: persist.StateDeleted}))

	sender := &fakeSender{}
	users := map[uint32]identity.User{200: {UID: 200, Name: "bob", Email: "bob@example.com"}}
	n := newNotifier(store, sender, users)

	require.NoError(t, n.Notify(ctx))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "bob@example.com", sender.sent[0].to.Email)

	// The unknown uid's records stay pending.
	uids, err := store.Stakeholders(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint32{100}, uids)
}

func TestNotify_LongListingBecomesAttachment(t *testing.T) {
	ctx := context.Background()
	store := &fakeStore{}
	for i := 0; i < 15; i++ {
		require.NoError(t, store.Persist(ctx,
			record(100, fmt.Sprintf("/data/file-%02d.txt", i)),
			persist.State{Kind: persist.StateDeleted}))
	}

	sender := &fakeSender{}
	users := map[uint32]identity.User{100: {UID: 100, Name: "alice", Email: "alice@example.com"}}
	n := newNotifier(store, sender, users) // MaxInline: 10

	require.NoError(t, n.Notify(ctx))
	require.Len(t, sender.sent, 1)
	msg := sender.sent[0].msg
	assert.NotContains(t, msg.Body, "/data/file-00.txt")
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "deleted.txt.gz", msg.Attachments[0].Name)
}
