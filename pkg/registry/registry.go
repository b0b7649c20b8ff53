package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-imap/client"
	"github.com/knadh/go-pop3"
	"github.com/rs/zerolog"

	"github.com/jervisai/jervis/pkg/events"
	"github.com/jervisai/jervis/pkg/httpx"
	"github.com/jervisai/jervis/pkg/log"
	"github.com/jervisai/jervis/pkg/types"
)

// Registry owns connection records. It is the only component allowed to
// set a connection to StateValid: pollers and clients may invalidate a
// connection on auth failure, but only a successful connectivity test
// revalidates it.
type Registry struct {
	store  Store
	http   *httpx.Client
	broker *events.Broker
	logger zerolog.Logger
}

// Store is the slice of the staging store the registry needs.
type Store interface {
	CreateConnection(conn *types.Connection) error
	UpdateConnection(conn *types.Connection) error
	GetConnection(id types.ID) (*types.Connection, error)
	GetConnectionByName(name string) (*types.Connection, error)
	ListConnections() ([]*types.Connection, error)
	DeleteConnection(id types.ID) error
	CreateTask(task *types.Task) error
}

// New creates a Registry.
func New(store Store, http *httpx.Client, broker *events.Broker) *Registry {
	return &Registry{
		store:  store,
		http:   http,
		broker: broker,
		logger: log.WithComponent("registry"),
	}
}

// Create validates and persists a new connection. New connections start
// unverified; run TestConnection to make them usable.
func (r *Registry) Create(conn *types.Connection) error {
	if err := conn.Validate(); err != nil {
		return err
	}
	if conn.ID.IsZero() {
		conn.ID = types.NewID()
	}
	now := time.Now()
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = now
	}
	conn.UpdatedAt = now
	conn.State = types.ConnectionStateUnverified
	conn.StateReason = ""
	return r.store.CreateConnection(conn)
}

// Update persists changes to a connection. Credential or endpoint edits
// drop the record back to unverified.
func (r *Registry) Update(conn *types.Connection) error {
	if err := conn.Validate(); err != nil {
		return err
	}
	conn.UpdatedAt = time.Now()
	conn.State = types.ConnectionStateUnverified
	conn.StateReason = "edited, retest required"
	return r.store.UpdateConnection(conn)
}

// Get returns a connection by id.
func (r *Registry) Get(id types.ID) (*types.Connection, error) {
	return r.store.GetConnection(id)
}

// GetByName returns a connection by its unique name.
func (r *Registry) GetByName(name string) (*types.Connection, error) {
	return r.store.GetConnectionByName(name)
}

// List returns all connections.
func (r *Registry) List() ([]*types.Connection, error) {
	return r.store.ListConnections()
}

// Delete removes a connection.
func (r *Registry) Delete(id types.ID) error {
	return r.store.DeleteConnection(id)
}

// TestConnection probes the connection's endpoint with its credentials
// and persists the outcome. Success is the only path to StateValid.
func (r *Registry) TestConnection(ctx context.Context, id types.ID) error {
	conn, err := r.store.GetConnection(id)
	if err != nil {
		return err
	}

	probeErr := r.probe(ctx, conn)
	now := time.Now()
	conn.UpdatedAt = now
	if probeErr != nil {
		conn.State = types.ConnectionStateInvalid
		conn.StateReason = probeErr.Error()
	} else {
		conn.State = types.ConnectionStateValid
		conn.StateReason = ""
	}
	if err := r.store.UpdateConnection(conn); err != nil {
		return err
	}

	if r.broker != nil {
		r.broker.Publish(events.New(events.EventConnectionTested,
			fmt.Sprintf("Connection %s tested: %s", conn.Name, conn.State),
			map[string]string{
				"connectionId": conn.ID.String(),
				"state":        string(conn.State),
			}))
	}

	if probeErr != nil {
		r.logger.Warn().Err(probeErr).Str("connection", conn.Name).Msg("Connectivity test failed")
		return probeErr
	}
	r.logger.Info().Str("connection", conn.Name).Msg("Connectivity test passed")
	return nil
}

func (r *Registry) probe(ctx context.Context, conn *types.Connection) error {
	switch conn.Kind {
	case types.ConnectionKindHTTP:
		return r.probeHTTP(ctx, conn)
	case types.ConnectionKindIMAP:
		return probeIMAP(conn)
	case types.ConnectionKindPOP3:
		return probePOP3(conn)
	case types.ConnectionKindOAuth2:
		return probeOAuth2(conn)
	}
	return fmt.Errorf("unknown connection kind %q", conn.Kind)
}

// probeHTTP issues an authenticated GET against the base URL. Any 2xx
// proves reachability and accepted credentials.
func (r *Registry) probeHTTP(ctx context.Context, conn *types.Connection) error {
	_, err := r.http.Do(ctx, conn, "GET", conn.HTTP.BaseURL, nil)
	return err
}

// probeIMAP logs in and opens the configured folder read-only.
func probeIMAP(conn *types.Connection) error {
	mb := conn.IMAP
	addr := fmt.Sprintf("%s:%d", mb.Host, mb.Port)

	var c *client.Client
	var err error
	if mb.UseSSL {
		c, err = client.DialTLS(addr, nil)
	} else {
		c, err = client.Dial(addr)
	}
	if err != nil {
		return fmt.Errorf("imap dial: %w", err)
	}
	defer c.Logout()

	if err := c.Login(mb.Username, mb.Password); err != nil {
		return fmt.Errorf("imap login: %w", err)
	}

	folder := mb.FolderName
	if folder == "" {
		folder = "INBOX"
	}
	if _, err := c.Select(folder, true); err != nil {
		return fmt.Errorf("imap open folder %s: %w", folder, err)
	}
	return nil
}

// probePOP3 authenticates and runs STAT.
func probePOP3(conn *types.Connection) error {
	mb := conn.POP3
	p := pop3.New(pop3.Opt{
		Host:       mb.Host,
		Port:       mb.Port,
		TLSEnabled: mb.UseSSL,
	})
	c, err := p.NewConn()
	if err != nil {
		return fmt.Errorf("pop3 dial: %w", err)
	}
	defer c.Quit()

	if err := c.Auth(mb.Username, mb.Password); err != nil {
		return fmt.Errorf("pop3 auth: %w", err)
	}
	if _, _, err := c.Stat(); err != nil {
		return fmt.Errorf("pop3 stat: %w", err)
	}
	return nil
}

// probeOAuth2 checks that a non-expired access token is present. Token
// refresh belongs to the provider integration, not the registry.
func probeOAuth2(conn *types.Connection) error {
	oa := conn.OAuth2
	if oa.AccessToken == "" {
		return fmt.Errorf("oauth2 connection has no access token")
	}
	if !oa.ExpiresAt.IsZero() && oa.ExpiresAt.Before(time.Now()) {
		return fmt.Errorf("oauth2 access token expired at %s", oa.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// MarkInvalid flips a connection to invalid, raises a user task and
// publishes an event. Called by pollers on a 401/403 during use.
func (r *Registry) MarkInvalid(id types.ID, reason string) error {
	conn, err := r.store.GetConnection(id)
	if err != nil {
		return err
	}
	if conn.State == types.ConnectionStateInvalid {
		return nil
	}

	conn.State = types.ConnectionStateInvalid
	conn.StateReason = reason
	conn.UpdatedAt = time.Now()
	if err := r.store.UpdateConnection(conn); err != nil {
		return err
	}

	task := &types.Task{
		Type:    types.TaskTypeConnectionIssue,
		Content: fmt.Sprintf("Connection %q failed authentication: %s", conn.Name, reason),
		Mode:    types.ModeBackground,
		State:   types.TaskStateUserTask,
	}
	if err := r.store.CreateTask(task); err != nil {
		return err
	}

	if r.broker != nil {
		r.broker.Publish(events.New(events.EventConnectionInvalid,
			fmt.Sprintf("Connection %s marked invalid", conn.Name),
			map[string]string{
				"connectionId": conn.ID.String(),
				"reason":       reason,
				"taskId":       task.ID.String(),
			}))
	}

	r.logger.Warn().Str("connection", conn.Name).Str("reason", reason).Msg("Connection marked invalid")
	return nil
}
