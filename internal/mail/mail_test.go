package mail

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListing_Inline(t *testing.T) {
	paths := []string{"/data/a.txt", "/data/b.txt"}

	inline, att, err := Listing("deleted", paths, 10)
	require.NoError(t, err)
	assert.Nil(t, att)
	assert.Equal(t, "/data/a.txt\n/data/b.txt", inline)
}

func TestListing_AttachmentWhenLong(t *testing.T) {
	var paths []string
	for i := 0; i < 12; i++ {
		paths = append(paths, fmt.Sprintf("/data/file-%02d.txt", i))
	}

	inline, att, err := Listing("due-72h", paths, 10)
	require.NoError(t, err)
	assert.Equal(t, "12 files; the full list is attached.", inline)

	require.NotNil(t, att)
	assert.Equal(t, "due-72h.txt.gz", att.Name)
	assert.Equal(t, "application/gzip", att.ContentType)

	gz, err := gzip.NewReader(bytes.NewReader(att.Data))
	require.NoError(t, err)
	raw, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, strings.Join(paths, "\n")+"\n", string(raw))
}

func TestRender_Multipart(t *testing.T) {
	msg := Message{
		Subject: "[vault] Files deleted",
		Body:    "Dear alice,\n\nyour files are gone.",
		Attachments: []Attachment{{
			Name:        "deleted.txt.gz",
			ContentType: "application/gzip",
			Data:        []byte("not really gzip, just bytes"),
		}},
	}

	raw, err := render("vault@example.com", []string{"alice@example.com"}, msg)
	require.NoError(t, err)

	tr := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw)))
	header, err := tr.ReadMIMEHeader()
	require.NoError(t, err)
	assert.Equal(t, "vault@example.com", header.Get("From"))
	assert.Equal(t, "alice@example.com", header.Get("To"))
	assert.Equal(t, "[vault] Files deleted", header.Get("Subject"))

	mediaType, params, err := mime.ParseMediaType(header.Get("Content-Type"))
	require.NoError(t, err)
	require.Equal(t, "multipart/mixed", mediaType)

	mr := multipart.NewReader(tr.R, params["boundary"])

	text, err := mr.NextPart()
	require.NoError(t, err)
	body, err := io.ReadAll(text)
	require.NoError(t, err)
	assert.Equal(t, msg.Body, string(body))

	att, err := mr.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "deleted.txt.gz", att.FileName())
	assert.Equal(t, "base64", att.Header.Get("Content-Transfer-Encoding"))
	encoded, err := io.ReadAll(att)
	require.NoError(t, err)
	data, err := base64.StdEncoding.DecodeString(
		strings.ReplaceAll(string(encoded), "\r\n", ""))
	require.NoError(t, err)
	assert.Equal(t, msg.Attachments[0].Data, data)

	_, err = mr.NextPart()
	assert.Equal(t, io.EOF, err)
}
