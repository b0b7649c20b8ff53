package sources

import (
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/rs/zerolog"

	"github.com/jervisai/jervis/pkg/log"
	"github.com/jervisai/jervis/pkg/types"
)

const imapTimeout = 60 * time.Second

// IMAPReader fetches messages over IMAP. Folders are opened read-only
// (EXAMINE) so polling never flips seen flags or expunges anything, and
// body fetches use BODY.PEEK for the same reason.
type IMAPReader struct {
	logger zerolog.Logger
}

// NewIMAPReader creates an IMAPReader.
func NewIMAPReader() *IMAPReader {
	return &IMAPReader{logger: log.WithComponent("sources.imap")}
}

// FetchNew connects, opens the requested folder read-only and fetches
// every message with UID above lastUID. An empty folder falls back to
// the connection's configured folder, then INBOX. Some servers answer a
// UID range search with UIDs at or below the requested floor; those are
// filtered out here so the caller never re-stages old mail.
func (r *IMAPReader) FetchNew(ctx context.Context, conn *types.Connection, folder string, lastUID uint32) ([]types.EmailMessage, error) {
	mb := conn.IMAP
	addr := fmt.Sprintf("%s:%d", mb.Host, mb.Port)

	var c *imapclient.Client
	var err error
	if mb.UseSSL {
		c, err = imapclient.DialTLS(addr, nil)
	} else {
		c, err = imapclient.Dial(addr)
	}
	if err != nil {
		return nil, types.Transient("imap dial "+addr, err)
	}
	defer c.Logout()
	c.Timeout = imapTimeout

	if err := c.Login(mb.Username, mb.Password); err != nil {
		return nil, types.Unauthorized("imap login "+addr, 0, err)
	}

	if folder == "" {
		folder = mb.FolderName
	}
	if folder == "" {
		folder = "INBOX"
	}
	mbox, err := c.Select(folder, true)
	if err != nil {
		return nil, types.Transient("imap select "+folder, err)
	}
	if mbox.Messages == 0 {
		return nil, nil
	}

	criteria := imap.NewSearchCriteria()
	criteria.Uid = new(imap.SeqSet)
	criteria.Uid.AddRange(lastUID+1, 0)
	uids, err := c.UidSearch(criteria)
	if err != nil {
		return nil, types.Transient("imap uid search", err)
	}

	// Server-side filtering is not trustworthy for UID ranges
	fresh := uids[:0]
	for _, uid := range uids {
		if uid > lastUID {
			fresh = append(fresh, uid)
		}
	}
	if len(fresh) == 0 {
		return nil, nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return r.fetchMessages(c, conn, folder, fresh)
}

func (r *IMAPReader) fetchMessages(c *imapclient.Client, conn *types.Connection, folder string, uids []uint32) ([]types.EmailMessage, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, section.FetchItem()}

	ch := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seqset, items, ch)
	}()

	var messages []types.EmailMessage
	for raw := range ch {
		messages = append(messages, r.convert(conn, folder, section, raw))
	}
	if err := <-done; err != nil {
		return messages, types.Transient("imap uid fetch", err)
	}

	r.logger.Debug().
		Str("connection", conn.Name).
		Str("folder", folder).
		Int("messages", len(messages)).
		Msg("Fetched new mail")
	return messages, nil
}

func (r *IMAPReader) convert(conn *types.Connection, folder string, section *imap.BodySectionName, raw *imap.Message) types.EmailMessage {
	msg := types.EmailMessage{
		ArtifactMeta: types.ArtifactMeta{
			ConnectionID: conn.ID,
			SourceKey:    fmt.Sprintf("%s/%d", folder, raw.Uid),
		},
		Folder: folder,
		UID:    raw.Uid,
	}

	if env := raw.Envelope; env != nil {
		msg.Subject = env.Subject
		msg.Date = env.Date
		msg.MessageID = env.MessageId
		msg.ExternalUpdatedAt = env.Date
		if len(env.From) > 0 {
			msg.From = env.From[0].Address()
		}
		for _, a := range env.To {
			msg.To = append(msg.To, a.Address())
		}
		for _, a := range env.Cc {
			msg.Cc = append(msg.Cc, a.Address())
		}
	}

	body := raw.GetBody(section)
	if body == nil {
		msg.TextBody = contentError(fmt.Errorf("server returned no body section"))
		return msg
	}
	mr, err := mail.CreateReader(body)
	if err != nil {
		msg.TextBody = contentError(err)
		return msg
	}
	parseMailParts(mr, &msg)
	return msg
}
