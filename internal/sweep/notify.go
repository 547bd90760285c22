package sweep

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"text/template"
	"time"

	"github.com/wtsi-hgi/hgi-vault-sub000/internal/identity"
	"github.com/wtsi-hgi/hgi-vault-sub000/internal/mail"
	"github.com/wtsi-hgi/hgi-vault-sub000/internal/persist"
)

// Notifier sends each stakeholder one message per non-empty category of
// not-yet-notified records: soft deletions, staged archivals, and one per
// configured warning lead time (the shortest being urgent).
type Notifier struct {
	Store    persist.Store
	Sender   mail.Sender
	Resolver identity.Resolver

	// Leads mirrors the sweeper's warning checkpoints.
	Leads []time.Duration

	// LimboThreshold tells recipients how long deleted files stay
	// recoverable.
	LimboThreshold time.Duration

	// MaxInline is the largest file list embedded in a message body;
	// longer lists become a compressed attachment.
	MaxInline int
}

var bodyTmpl = template.Must(template.New("notification").Parse(
	`Dear {{.Name}},

{{.Intro}}

{{.Listing}}

This message was generated automatically. Contact your group's data owners
if any of this is unexpected.
`))

type category struct {
	kind    persist.StateKind
	lead    time.Duration
	subject string
	intro   string
	attach  string
}

// Notify processes every stakeholder. A failure sending to one stakeholder
// leaves that stakeholder's records un-notified and moves on to the next;
// records are marked notified only after every category for the stakeholder
// was delivered.
func (n *Notifier) Notify(ctx context.Context) error {
	uids, err := n.Store.Stakeholders(ctx)
	if err != nil {
		return fmt.Errorf("enumerate stakeholders: %w", err)
	}

	for _, uid := range uids {
		user, err := n.Resolver.User(uid)
		if err != nil {
			slog.Warn("unresolvable stakeholder, records left pending", "uid", uid, "error", err)
			continue
		}
		if err := n.notifyUser(ctx, user); err != nil {
			slog.Error("notification failed, records left pending", "user", user.Name, "error", err)
		}
	}
	return nil
}

func (n *Notifier) notifyUser(ctx context.Context, user identity.User) error {
	var sent []persist.Notifiable

	for _, cat := range n.categories() {
		batch, err := n.Store.Pending(ctx, user.UID, cat.kind, cat.lead)
		if err != nil {
			return err
		}
		if batch.Empty() {
			continue
		}

		msg, err := n.compose(user, cat, batch)
		if err != nil {
			return err
		}
		if err := n.Sender.Send(ctx, msg, user); err != nil {
			return err
		}
		sent = append(sent, batch)
	}

	// Only a fully delivered stakeholder has its records marked, so a
	// partial failure re-notifies next run rather than losing mail.
	for _, batch := range sent {
		if err := n.Store.MarkNotified(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}

func (n *Notifier) categories() []category {
	recoverable := n.LimboThreshold.Round(time.Hour)
	cats := []category{
		{
			kind:    persist.StateDeleted,
			subject: "[vault] Files deleted",
			intro: fmt.Sprintf("The following files exceeded their retention age and were "+
				"soft-deleted. They can still be recovered for %v:", recoverable),
			attach: "deleted",
		},
		{
			kind:    persist.StateStaged,
			subject: "[vault] Files staged for archival",
			intro:   "The following files were handed to the archival pipeline:",
			attach:  "staged",
		},
	}

	leads := append([]time.Duration(nil), n.Leads...)
	sort.Slice(leads, func(i, j int) bool { return leads[i] < leads[j] })
	for i, lead := range leads {
		subject := fmt.Sprintf("[vault] Files due for deletion within %v", lead)
		if i == 0 {
			subject = "[vault] URGENT: " + subject[len("[vault] "):]
		}
		cats = append(cats, category{
			kind:    persist.StateWarned,
			lead:    lead,
			subject: subject,
			intro: fmt.Sprintf("The following files will be deleted within %v "+
				"unless they are kept, archived or touched:", lead),
			attach: fmt.Sprintf("due-%s", lead),
		})
	}
	return cats
}

func (n *Notifier) compose(user identity.User, cat category, batch persist.Notifiable) (mail.Message, error) {
	paths := make([]string, len(batch.Records))
	for i, rec := range batch.Records {
		paths[i] = rec.Path
	}

	listing, att, err := mail.Listing(cat.attach, paths, n.MaxInline)
	if err != nil {
		return mail.Message{}, err
	}

	var body bytes.Buffer
	err = bodyTmpl.Execute(&body, struct {
		Name    string
		Intro   string
		Listing string
	}{Name: user.Name, Intro: cat.intro, Listing: listing})
	if err != nil {
		return mail.Message{}, err
	}

	msg := mail.Message{Subject: cat.subject, Body: body.String()}
	if att != nil {
		msg.Attachments = append(msg.Attachments, *att)
	}
	return msg, nil
}
