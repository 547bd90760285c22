// Package mail composes and delivers the sweep's stakeholder notifications.
// The Sender interface is the delivery boundary; the shipped implementation
// speaks SMTP to an internal relay.
package mail

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"mime/multipart"
	"net/smtp"
	"net/textproto"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/wtsi-hgi/hgi-vault-sub000/internal/identity"
)

// Attachment is a file attached to a message.
type Attachment struct {
	Name        string
	ContentType string
	Data        []byte
}

// Message is one composed notification.
type Message struct {
	Subject     string
	Body        string
	Attachments []Attachment
}

// Sender delivers messages.
type Sender interface {
	Send(ctx context.Context, msg Message, to ...identity.User) error
}

// Listing renders a file-path listing for inclusion in a message: inline
// when it holds at most maxInline paths, otherwise as a gzip attachment.
func Listing(name string, paths []string, maxInline int) (inline string, att *Attachment, err error) {
	if len(paths) <= maxInline {
		return strings.Join(paths, "\n"), nil, nil
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	for _, p := range paths {
		if _, err := gz.Write([]byte(p + "\n")); err != nil {
			return "", nil, err
		}
	}
	if err := gz.Close(); err != nil {
		return "", nil, err
	}

	return fmt.Sprintf("%d files; the full list is attached.", len(paths)),
		&Attachment{
			Name:        name + ".txt.gz",
			ContentType: "application/gzip",
			Data:        buf.Bytes(),
		}, nil
}

// SMTP delivers mail through a relay that accepts unauthenticated
// submissions from the cluster.
type SMTP struct {
	Addr string // host:port
	From string
}

var _ Sender = (*SMTP)(nil)

// Send renders the message as MIME multipart and submits it.
func (s *SMTP) Send(ctx context.Context, msg Message, to ...identity.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(to) == 0 {
		return fmt.Errorf("no recipients")
	}

	recipients := make([]string, len(to))
	for i, u := range to {
		recipients[i] = u.Email
	}

	body, err := render(s.From, recipients, msg)
	if err != nil {
		return err
	}
	return smtp.SendMail(s.Addr, nil, s.From, recipients, body)
}

func render(from string, to []string, msg Message) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&buf, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", mw.Boundary())

	text, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"text/plain; charset=utf-8"},
	})
	if err != nil {
		return nil, err
	}
	if _, err := text.Write([]byte(msg.Body)); err != nil {
		return nil, err
	}

	for _, att := range msg.Attachments {
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {att.ContentType},
			"Content-Transfer-Encoding": {"base64"},
			"Content-Disposition":       {fmt.Sprintf("attachment; filename=%q", att.Name)},
		})
		if err != nil {
			return nil, err
		}
		enc := base64.StdEncoding.EncodeToString(att.Data)
		for len(enc) > 0 {
			n := min(76, len(enc))
			if _, err := fmt.Fprintf(part, "%s\r\n", enc[:n]); err != nil {
				return nil, err
			}
			enc = enc[n:]
		}
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
