package sources

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message/mail"

	"github.com/jervisai/jervis/pkg/types"
)

// MailReader pulls new messages from one folder of a mailbox. lastUID is
// the polling cursor; readers without stable UIDs or folders (POP3)
// ignore both and rely on the staging store's upsert to deduplicate.
type MailReader interface {
	FetchNew(ctx context.Context, conn *types.Connection, folder string, lastUID uint32) ([]types.EmailMessage, error)
}

// contentError formats the placeholder body for a message whose content
// could not be loaded. The message is still staged so the artifact is
// tracked and the failure is visible in the index.
func contentError(err error) string {
	return fmt.Sprintf("[ERROR: failed to load message content: %v]", err)
}

// parseMailParts walks a parsed message and fills body text, HTML and
// attachment metadata. A part that fails to read is skipped; the rest of
// the message still counts.
func parseMailParts(mr *mail.Reader, msg *types.EmailMessage) {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return
		}
		if err != nil {
			if msg.TextBody == "" {
				msg.TextBody = contentError(err)
			}
			return
		}

		switch header := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := header.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch {
			case strings.HasPrefix(contentType, "text/plain"):
				msg.TextBody += string(body)
			case strings.HasPrefix(contentType, "text/html"):
				msg.HTMLBody += string(body)
			}
		case *mail.AttachmentHeader:
			filename, _ := header.Filename()
			contentType, _, _ := header.ContentType()
			msg.Attachments = append(msg.Attachments, types.AttachmentMeta{
				Filename: filename,
				MimeType: contentType,
			})
		}
	}
}

// addressList extracts the addresses of one header field. Absent or
// unparseable fields yield nil, not an empty slice, so staged messages
// omit the field entirely when serialized.
func addressList(header *mail.Header, field string) []string {
	addrs, err := header.AddressList(field)
	if err != nil || len(addrs) == 0 {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Address)
	}
	return out
}
