package sources

import (
	"context"
	"fmt"

	"github.com/emersion/go-message/mail"
	"github.com/knadh/go-pop3"
	"github.com/rs/zerolog"

	"github.com/jervisai/jervis/pkg/log"
	"github.com/jervisai/jervis/pkg/types"
)

// POP3Reader fetches messages over POP3. The protocol has no stable UID
// cursor across sessions, so the SourceKey is the Message-ID header and
// deduplication happens in the staging store. Messages are never deleted
// from the server.
type POP3Reader struct {
	logger zerolog.Logger
}

// NewPOP3Reader creates a POP3Reader.
func NewPOP3Reader() *POP3Reader {
	return &POP3Reader{logger: log.WithComponent("sources.pop3")}
}

// FetchNew retrieves every message currently in the mailbox. POP3 has no
// folders and no stable UIDs, so both parameters are ignored; see the
// type comment.
func (r *POP3Reader) FetchNew(ctx context.Context, conn *types.Connection, _ string, _ uint32) ([]types.EmailMessage, error) {
	mb := conn.POP3
	p := pop3.New(pop3.Opt{
		Host:       mb.Host,
		Port:       mb.Port,
		TLSEnabled: mb.UseSSL,
	})

	c, err := p.NewConn()
	if err != nil {
		return nil, types.Transient(fmt.Sprintf("pop3 dial %s:%d", mb.Host, mb.Port), err)
	}
	defer c.Quit()

	if err := c.Auth(mb.Username, mb.Password); err != nil {
		return nil, types.Unauthorized("pop3 auth", 0, err)
	}

	count, _, err := c.Stat()
	if err != nil {
		return nil, types.Transient("pop3 stat", err)
	}
	if count == 0 {
		return nil, nil
	}

	var messages []types.EmailMessage
	for id := 1; id <= count; id++ {
		if err := ctx.Err(); err != nil {
			return messages, err
		}
		messages = append(messages, r.retrieve(c, conn, id))
	}

	r.logger.Debug().
		Str("connection", conn.Name).
		Int("messages", len(messages)).
		Msg("Retrieved mailbox")
	return messages, nil
}

func (r *POP3Reader) retrieve(c *pop3.Conn, conn *types.Connection, id int) types.EmailMessage {
	msg := types.EmailMessage{
		ArtifactMeta: types.ArtifactMeta{
			ConnectionID: conn.ID,
		},
	}

	entity, err := c.Retr(id)
	if err != nil {
		msg.SourceKey = fmt.Sprintf("pop3-msg-%d", id)
		msg.TextBody = contentError(err)
		return msg
	}

	mr := mail.NewReader(entity)
	header := mr.Header

	msg.MessageID, _ = header.MessageID()
	msg.Subject, _ = header.Subject()
	if date, err := header.Date(); err == nil {
		msg.Date = date
		msg.ExternalUpdatedAt = date
	}
	if from := addressList(&header, "From"); len(from) > 0 {
		msg.From = from[0]
	}
	msg.To = addressList(&header, "To")
	msg.Cc = addressList(&header, "Cc")

	if msg.MessageID != "" {
		msg.SourceKey = msg.MessageID
	} else {
		msg.SourceKey = fmt.Sprintf("pop3-msg-%d", id)
	}

	parseMailParts(mr, &msg)
	return msg
}
