package poller

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jervisai/jervis/pkg/storage"
	"github.com/jervisai/jervis/pkg/types"
)

type fakeMailReader struct {
	messages []types.EmailMessage
	folders  []string
	lastUIDs []uint32
	err      error
}

func (f *fakeMailReader) FetchNew(_ context.Context, _ *types.Connection, folder string, lastUID uint32) ([]types.EmailMessage, error) {
	f.folders = append(f.folders, folder)
	f.lastUIDs = append(f.lastUIDs, lastUID)
	if f.err != nil {
		return nil, f.err
	}
	var fresh []types.EmailMessage
	for _, m := range f.messages {
		if m.Folder != folder {
			continue
		}
		if lastUID == 0 || m.UID > lastUID {
			fresh = append(fresh, m)
		}
	}
	return fresh, nil
}

func imapConn(t *testing.T, store storage.Store) *types.Connection {
	t.Helper()
	conn := &types.Connection{
		ID:      types.NewID(),
		Name:    "mailbox",
		Kind:    types.ConnectionKindIMAP,
		Enabled: true,
		State:   types.ConnectionStateValid,
		IMAP: &types.MailboxConnection{
			Host:     "mail.example.com",
			Port:     993,
			Username: "u",
			Password: "p",
			UseSSL:   true,
		},
	}
	require.NoError(t, store.CreateConnection(conn))
	return conn
}

func mailMessage(connID types.ID, uid uint32) types.EmailMessage {
	return folderMessage(connID, "INBOX", uid)
}

func folderMessage(connID types.ID, folder string, uid uint32) types.EmailMessage {
	return types.EmailMessage{
		ArtifactMeta: types.ArtifactMeta{
			ConnectionID:      connID,
			SourceKey:         fmt.Sprintf("%s/%d", folder, uid),
			ExternalUpdatedAt: time.Now(),
		},
		UID:     uid,
		Folder:  folder,
		Subject: fmt.Sprintf("message %d", uid),
	}
}

func TestPollIMAPAdvancesCursorPastPersisted(t *testing.T) {
	store := newTestStore(t)
	conn := imapConn(t, store)
	client := seedClient(t, store, conn.ID)

	reader := &fakeMailReader{messages: []types.EmailMessage{
		mailMessage(conn.ID, 7),
		mailMessage(conn.ID, 5),
		mailMessage(conn.ID, 6),
	}}
	h := NewMailHandler(reader, nil, store)

	result, err := h.Poll(context.Background(), conn, Scope{Client: client})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Discovered)
	assert.Equal(t, 3, result.Created)

	cursor, err := store.GetCursor(conn.ID, "imap/INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(7), cursor.LastFetchedUID)

	// Staged artifacts carry the owning client
	item, err := store.GetArtifact(storage.SourceEmail, conn.ID, "INBOX/5")
	require.NoError(t, err)
	assert.Equal(t, client.ID, item.Meta.ClientID)
	assert.Equal(t, types.ArtifactStateNew, item.Meta.State)
}

func TestPollIMAPUsesCursorOnRepeat(t *testing.T) {
	store := newTestStore(t)
	conn := imapConn(t, store)
	client := seedClient(t, store, conn.ID)

	reader := &fakeMailReader{messages: []types.EmailMessage{
		mailMessage(conn.ID, 5),
		mailMessage(conn.ID, 6),
	}}
	h := NewMailHandler(reader, nil, store)

	_, err := h.Poll(context.Background(), conn, Scope{Client: client})
	require.NoError(t, err)

	result, err := h.Poll(context.Background(), conn, Scope{Client: client})
	require.NoError(t, err)
	assert.Zero(t, result.Discovered)

	// First call starts from zero, second from the persisted cursor
	assert.Equal(t, []uint32{0, 6}, reader.lastUIDs)
}

func TestPollIMAPFetchErrorLeavesCursor(t *testing.T) {
	store := newTestStore(t)
	conn := imapConn(t, store)
	client := seedClient(t, store, conn.ID)

	reader := &fakeMailReader{err: types.Transient("imap dial", assert.AnError)}
	h := NewMailHandler(reader, nil, store)

	_, err := h.Poll(context.Background(), conn, Scope{Client: client})
	require.Error(t, err)

	_, err = store.GetCursor(conn.ID, "imap/INBOX")
	assert.Error(t, err)
}

func TestPollIMAPFetchesEachSelectedFolder(t *testing.T) {
	store := newTestStore(t)
	conn := imapConn(t, store)
	client := seedClient(t, store, conn.ID)

	reader := &fakeMailReader{messages: []types.EmailMessage{
		folderMessage(conn.ID, "INBOX", 3),
		folderMessage(conn.ID, "Support", 11),
		folderMessage(conn.ID, "Support", 12),
	}}
	h := NewMailHandler(reader, nil, store)

	filter := &types.ConnectionFilter{
		ConnectionID: conn.ID,
		MailFolders:  []string{"INBOX", "Support"},
	}
	result, err := h.Poll(context.Background(), conn, Scope{Client: client, Filter: filter})
	require.NoError(t, err)
	assert.Equal(t, []string{"INBOX", "Support"}, reader.folders)
	assert.Equal(t, 3, result.Discovered)
	assert.Equal(t, 3, result.Created)

	// Each folder advances its own UID cursor
	inbox, err := store.GetCursor(conn.ID, "imap/INBOX")
	require.NoError(t, err)
	assert.Equal(t, uint32(3), inbox.LastFetchedUID)
	support, err := store.GetCursor(conn.ID, "imap/Support")
	require.NoError(t, err)
	assert.Equal(t, uint32(12), support.LastFetchedUID)

	item, err := store.GetArtifact(storage.SourceEmail, conn.ID, "Support/11")
	require.NoError(t, err)
	assert.Equal(t, client.ID, item.Meta.ClientID)
}

func TestPollPOP3DeduplicatesByMessageID(t *testing.T) {
	store := newTestStore(t)
	conn := &types.Connection{
		ID:      types.NewID(),
		Name:    "popbox",
		Kind:    types.ConnectionKindPOP3,
		Enabled: true,
		State:   types.ConnectionStateValid,
		POP3: &types.MailboxConnection{
			Host: "mail.example.com", Port: 995, Username: "u", Password: "p",
		},
	}
	require.NoError(t, store.CreateConnection(conn))
	client := seedClient(t, store, conn.ID)

	msg := types.EmailMessage{
		ArtifactMeta: types.ArtifactMeta{
			ConnectionID:      conn.ID,
			SourceKey:         "<abc123@example.com>",
			ExternalUpdatedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		},
		MessageID: "<abc123@example.com>",
	}
	reader := &fakeMailReader{messages: []types.EmailMessage{msg}}
	h := NewMailHandler(nil, reader, store)

	first, err := h.Poll(context.Background(), conn, Scope{Client: client})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Created)

	// POP3 has no cursor; the repeat delivery is dropped by the upsert
	reader.messages[0].UID = 0
	second, err := h.Poll(context.Background(), conn, Scope{Client: client})
	require.NoError(t, err)
	assert.Zero(t, second.Created)
	assert.Equal(t, 1, second.Skipped)
}
