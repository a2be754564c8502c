// ABOUTME: Tests for the session registry lifecycle state machine.
// ABOUTME: Uses an in-process fake protocol client to script connection events.

package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neondash/wagateway/internal/credstore"
	"github.com/neondash/wagateway/internal/push"
	"github.com/neondash/wagateway/internal/store"
)

type fakeClient struct {
	mu          sync.Mutex
	events      chan Event
	connectErr  error
	onConnect   func(*fakeClient) // runs inside Connect, like a fast adapter
	sendID      string
	sendErr     error
	logouts     int
	disconnects int
}

func newFakeClient() *fakeClient {
	return &fakeClient{events: make(chan Event, 16), sendID: "WAMID-1"}
}

func (c *fakeClient) Connect(ctx context.Context) error {
	if c.onConnect != nil {
		c.onConnect(c)
	}
	return c.connectErr
}

func (c *fakeClient) Send(ctx context.Context, phone, text string) (string, error) {
	return c.sendID, c.sendErr
}

func (c *fakeClient) Logout(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logouts++
	return nil
}

func (c *fakeClient) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
}

func (c *fakeClient) Events() <-chan Event { return c.events }

func (c *fakeClient) logoutCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logouts
}

func (c *fakeClient) emit(ev Event) { c.events <- ev }

type fakeDialer struct {
	mu        sync.Mutex
	clients   []*fakeClient
	dialErr   error
	onConnect func(*fakeClient)
}

func (d *fakeDialer) Dial(ctx context.Context, tenantID int64) (Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		return nil, d.dialErr
	}
	client := newFakeClient()
	client.onConnect = d.onConnect
	d.clients = append(d.clients, client)
	return client, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.clients)
}

func (d *fakeDialer) client(i int) *fakeClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clients[i]
}

type recordingSink struct {
	mu       sync.Mutex
	messages []MessageReceived
	contacts [][]ContactInfo
}

func (s *recordingSink) HandleMessage(ctx context.Context, tenantID int64, msg MessageReceived) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
}

func (s *recordingSink) HandleContacts(ctx context.Context, tenantID int64, contacts []ContactInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts = append(s.contacts, contacts)
}

func (s *recordingSink) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// orderedTransport records the status of every connection_update it
// receives, in delivery order.
type orderedTransport struct {
	mu       sync.Mutex
	statuses []Status
}

func (tr *orderedTransport) Write(event string, payload any) error {
	if event != EventConnectionUpdate {
		return nil
	}
	fields, _ := payload.(map[string]any)
	status, _ := fields["status"].(Status)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.statuses = append(tr.statuses, status)
	return nil
}

func (tr *orderedTransport) seen() []Status {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]Status(nil), tr.statuses...)
}

type testEnv struct {
	registry *Registry
	dialer   *fakeDialer
	creds    *credstore.MockStore
	profiles *store.MockStore
	sink     *recordingSink
}

func setupTestRegistry(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		dialer:   &fakeDialer{},
		creds:    credstore.NewMockStore(),
		profiles: store.NewMockStore(),
		sink:     &recordingSink{},
	}
	env.registry = NewRegistry(env.dialer, env.creds, env.profiles,
		push.NewBroadcaster(nil), env.sink, nil)
	env.registry.ReconnectDelay = 10 * time.Millisecond
	t.Cleanup(env.registry.Close)
	return env
}

func waitForStatus(t *testing.T, r *Registry, tenantID int64, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		return r.Status(context.Background(), tenantID).Status == want
	}, 2*time.Second, 5*time.Millisecond, "tenant %d never reached %s", tenantID, want)
}

func TestConnectIsIdempotentWhileLive(t *testing.T) {
	env := setupTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, env.registry.Connect(ctx, 1))
	require.NoError(t, env.registry.Connect(ctx, 1))
	require.NoError(t, env.registry.Connect(ctx, 1))

	assert.Equal(t, 1, env.dialer.dialCount())
	assert.Equal(t, StatusConnecting, env.registry.Status(ctx, 1).Status)
}

func TestConnectPropagatesDialFailure(t *testing.T) {
	env := setupTestRegistry(t)
	env.dialer.dialErr = errors.New("no transport")

	err := env.registry.Connect(context.Background(), 1)
	require.Error(t, err)
	assert.Equal(t, StatusDisconnected, env.registry.Status(context.Background(), 1).Status)
}

func TestPairingCodeExposedUntilConnected(t *testing.T) {
	env := setupTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, env.registry.Connect(ctx, 1))
	env.dialer.client(0).emit(PairingCode{Code: "data:image/png;base64,abc"})

	waitForStatus(t, env.registry, 1, StatusAwaitingPairing)
	info := env.registry.Status(ctx, 1)
	assert.False(t, info.Connected)
	assert.Equal(t, "data:image/png;base64,abc", info.PairingCode)

	env.dialer.client(0).emit(StatusChanged{Status: StatusConnected, Phone: "5511987654321"})

	waitForStatus(t, env.registry, 1, StatusConnected)
	info = env.registry.Status(ctx, 1)
	assert.True(t, info.Connected)
	assert.Empty(t, info.PairingCode, "pairing code must clear on connect")
	assert.Equal(t, "5511987654321", info.Phone)
}

func TestConnectingBroadcastPrecedesPairingCode(t *testing.T) {
	env := setupTestRegistry(t)
	// The adapter emits a pairing code before Connect even returns.
	env.dialer.onConnect = func(c *fakeClient) {
		c.emit(PairingCode{Code: "data:image/png;base64,abc"})
	}

	transport := &orderedTransport{}
	env.registry.events.Subscribe(1, transport, "")

	require.NoError(t, env.registry.Connect(context.Background(), 1))
	waitForStatus(t, env.registry, 1, StatusAwaitingPairing)

	require.Eventually(t, func() bool {
		return len(transport.seen()) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []Status{StatusConnecting, StatusAwaitingPairing}, transport.seen()[:2],
		"subscribers must see connecting before awaiting_pairing")
}

func TestConnectedEventPersistsProfile(t *testing.T) {
	env := setupTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, env.registry.Connect(ctx, 7))
	env.dialer.client(0).emit(StatusChanged{Status: StatusConnected, Phone: "5511912345678"})
	waitForStatus(t, env.registry, 7, StatusConnected)

	state, err := env.profiles.GetConnectionState(ctx, 7)
	require.NoError(t, err)
	assert.True(t, state.Connected)
	assert.Equal(t, "5511912345678", state.Phone)
	require.NotNil(t, state.ConnectedAt)
}

func TestTransientDisconnectReconnects(t *testing.T) {
	env := setupTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, env.registry.Connect(ctx, 1))
	env.dialer.client(0).emit(StatusChanged{Status: StatusConnected, Phone: "5511912345678"})
	waitForStatus(t, env.registry, 1, StatusConnected)

	env.dialer.client(0).emit(StatusChanged{Status: StatusDisconnected, Reason: ReasonTransient})

	require.Eventually(t, func() bool {
		return env.dialer.dialCount() == 2
	}, 2*time.Second, 5*time.Millisecond, "expected a second dial")
	waitForStatus(t, env.registry, 1, StatusConnecting)
}

func TestLogoutPreemptsScheduledReconnect(t *testing.T) {
	env := setupTestRegistry(t)
	env.registry.ReconnectDelay = 50 * time.Millisecond
	ctx := context.Background()

	require.NoError(t, env.registry.Connect(ctx, 1))
	env.dialer.client(0).emit(StatusChanged{Status: StatusConnected, Phone: "5511912345678"})
	waitForStatus(t, env.registry, 1, StatusConnected)

	env.dialer.client(0).emit(StatusChanged{Status: StatusDisconnected, Reason: ReasonTransient})
	waitForStatus(t, env.registry, 1, StatusDisconnected)

	require.NoError(t, env.registry.Logout(ctx, 1))

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 1, env.dialer.dialCount(), "logout must cancel the pending reconnect")
	assert.Equal(t, StatusDisconnected, env.registry.Status(ctx, 1).Status)
}

func TestLogoutWinsElapsedReconnectTimer(t *testing.T) {
	env := setupTestRegistry(t)
	env.registry.ReconnectDelay = 20 * time.Millisecond
	ctx := context.Background()

	require.NoError(t, env.registry.Connect(ctx, 1))
	env.dialer.client(0).emit(StatusChanged{Status: StatusConnected, Phone: "5511912345678"})
	waitForStatus(t, env.registry, 1, StatusConnected)

	// Hold the tenant lock so the reconnect timer elapses while its
	// goroutine is parked on the lock, with a logout queued ahead of it.
	lock := env.registry.tenantLock(1)
	lock.Lock()

	env.dialer.client(0).emit(StatusChanged{Status: StatusDisconnected, Reason: ReasonTransient})
	waitForStatus(t, env.registry, 1, StatusDisconnected)

	logoutErr := make(chan error, 1)
	go func() { logoutErr <- env.registry.Logout(ctx, 1) }()

	time.Sleep(5 * env.registry.ReconnectDelay)
	lock.Unlock()

	require.NoError(t, <-logoutErr)
	time.Sleep(5 * env.registry.ReconnectDelay)
	assert.Equal(t, 1, env.dialer.dialCount(), "reconnect must yield to the completed logout")
	assert.Equal(t, StatusDisconnected, env.registry.Status(ctx, 1).Status)
}

func TestLogoutClearsCredentialsAndProfile(t *testing.T) {
	env := setupTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, env.creds.WriteBatch(ctx, 1, []credstore.Write{
		{Key: credstore.IdentityKey, Value: []byte(`{}`)},
		{Key: "app-state-sync-key-AAAA", Value: []byte(`{}`)},
	}))
	require.NoError(t, env.registry.Connect(ctx, 1))
	env.dialer.client(0).emit(StatusChanged{Status: StatusConnected, Phone: "5511912345678"})
	waitForStatus(t, env.registry, 1, StatusConnected)

	require.NoError(t, env.registry.Logout(ctx, 1))

	assert.Equal(t, 1, env.dialer.client(0).logoutCount())
	assert.Equal(t, 0, env.creds.Count(1), "logout must purge every credential entry")

	state, err := env.profiles.GetConnectionState(ctx, 1)
	require.NoError(t, err)
	assert.False(t, state.Connected)

	info := env.registry.Status(ctx, 1)
	assert.False(t, info.Connected)
	assert.Equal(t, StatusDisconnected, info.Status)
}

func TestLogoutWithoutSessionIsSafe(t *testing.T) {
	env := setupTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, env.creds.WriteBatch(ctx, 1, []credstore.Write{
		{Key: credstore.IdentityKey, Value: []byte(`{}`)},
	}))

	require.NoError(t, env.registry.Logout(ctx, 1))
	require.NoError(t, env.registry.Logout(ctx, 1))
	assert.Equal(t, 0, env.creds.Count(1))
}

func TestNetworkLogoutIsTerminal(t *testing.T) {
	env := setupTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, env.creds.WriteBatch(ctx, 1, []credstore.Write{
		{Key: credstore.IdentityKey, Value: []byte(`{}`)},
	}))
	require.NoError(t, env.registry.Connect(ctx, 1))
	env.dialer.client(0).emit(StatusChanged{Status: StatusConnected, Phone: "5511912345678"})
	waitForStatus(t, env.registry, 1, StatusConnected)

	env.dialer.client(0).emit(StatusChanged{Status: StatusDisconnected, Reason: ReasonLoggedOut})

	require.Eventually(t, func() bool {
		return env.creds.Count(1) == 0
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, env.dialer.dialCount(), "logged-out sessions must not reconnect")
	// The client already tore down its pairing; Logout is not re-sent.
	assert.Equal(t, 0, env.dialer.client(0).logoutCount())
}

// A network-initiated logout arrives on the session's own pump context,
// which the cleanup cancels; the purge must still reach the real stores.
func TestNetworkLogoutClearsDurableCredentials(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	creds, err := credstore.NewSQLiteStore(st.DB())
	require.NoError(t, err)

	dialer := &fakeDialer{}
	registry := NewRegistry(dialer, creds, st, push.NewBroadcaster(nil), nil, nil)
	registry.ReconnectDelay = 10 * time.Millisecond
	t.Cleanup(registry.Close)

	ctx := context.Background()
	require.NoError(t, st.EnsureTenant(ctx, 1, "Clinica Viva"))
	require.NoError(t, creds.WriteBatch(ctx, 1, []credstore.Write{
		{Key: credstore.IdentityKey, Value: []byte(`{"jid":"5511912345678@s.whatsapp.net"}`)},
	}))

	require.NoError(t, registry.Connect(ctx, 1))
	dialer.client(0).emit(StatusChanged{Status: StatusConnected, Phone: "5511912345678"})
	waitForStatus(t, registry, 1, StatusConnected)

	dialer.client(0).emit(StatusChanged{Status: StatusDisconnected, Reason: ReasonLoggedOut})

	require.Eventually(t, func() bool {
		has, err := creds.HasIdentity(ctx, 1)
		return err == nil && !has
	}, 2*time.Second, 10*time.Millisecond, "network logout must purge durable credentials")

	state, err := st.GetConnectionState(ctx, 1)
	require.NoError(t, err)
	assert.False(t, state.Connected)
	assert.Equal(t, StatusDisconnected, registry.Status(ctx, 1).Status)
}

func TestSendRequiresConnectedSession(t *testing.T) {
	env := setupTestRegistry(t)
	ctx := context.Background()

	_, err := env.registry.Send(ctx, 1, "5511912345678", "hi")
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, env.registry.Connect(ctx, 1))
	_, err = env.registry.Send(ctx, 1, "5511912345678", "hi")
	assert.ErrorIs(t, err, ErrNotConnected, "connecting is not connected")

	env.dialer.client(0).emit(StatusChanged{Status: StatusConnected, Phone: "5511900000000"})
	waitForStatus(t, env.registry, 1, StatusConnected)

	id, err := env.registry.Send(ctx, 1, "5511912345678", "hi")
	require.NoError(t, err)
	assert.Equal(t, "WAMID-1", id)
}

func TestSendWhileAwaitingPairing(t *testing.T) {
	env := setupTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, env.registry.Connect(ctx, 1))
	env.dialer.client(0).emit(PairingCode{Code: "data:image/png;base64,AAAA"})
	waitForStatus(t, env.registry, 1, StatusAwaitingPairing)

	_, err := env.registry.Send(ctx, 1, "5511912345678", "hi")
	assert.ErrorIs(t, err, ErrPairingRequired)
}

func TestStatusResumesFromStoredIdentity(t *testing.T) {
	env := setupTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, env.creds.WriteBatch(ctx, 3, []credstore.Write{
		{Key: credstore.IdentityKey, Value: []byte(`{}`)},
	}))

	info := env.registry.Status(ctx, 3)
	assert.Equal(t, StatusConnecting, info.Status)

	require.Eventually(t, func() bool {
		return env.dialer.dialCount() == 1
	}, 2*time.Second, 5*time.Millisecond, "status probe should trigger a reconnect")
}

func TestStatusWithoutIdentityStaysDisconnected(t *testing.T) {
	env := setupTestRegistry(t)

	info := env.registry.Status(context.Background(), 3)
	assert.Equal(t, StatusDisconnected, info.Status)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, env.dialer.dialCount())
}

func TestInboundEventsReachSink(t *testing.T) {
	env := setupTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, env.registry.Connect(ctx, 1))
	env.dialer.client(0).emit(MessageReceived{
		Phone:      "5511912345678",
		Content:    "hello",
		ExternalID: "EXT-1",
		Timestamp:  time.Now(),
	})
	env.dialer.client(0).emit(ContactsUpdated{Contacts: []ContactInfo{
		{Phone: "5511912345678", Name: "Ana"},
	}})

	require.Eventually(t, func() bool {
		return env.sink.messageCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	env.sink.mu.Lock()
	defer env.sink.mu.Unlock()
	assert.Equal(t, "EXT-1", env.sink.messages[0].ExternalID)
	require.Len(t, env.sink.contacts, 1)
	assert.Equal(t, "Ana", env.sink.contacts[0][0].Name)
}

func TestRestorePersistedReconnectsFlaggedTenants(t *testing.T) {
	env := setupTestRegistry(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for _, id := range []int64{1, 2, 3} {
		require.NoError(t, env.profiles.SetConnectionState(ctx, id, store.ConnectionState{
			Connected: true, Phone: "5511912345678", ConnectedAt: &now,
		}))
	}

	require.NoError(t, env.registry.RestorePersisted(ctx))
	assert.Equal(t, 3, env.dialer.dialCount())
	for _, id := range []int64{1, 2, 3} {
		assert.Equal(t, StatusConnecting, env.registry.Status(ctx, id).Status)
	}
}

func TestRestorePersistedMarksFailedTenantsDisconnected(t *testing.T) {
	env := setupTestRegistry(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, env.profiles.SetConnectionState(ctx, 1, store.ConnectionState{
		Connected: true, Phone: "5511912345678", ConnectedAt: &now,
	}))
	env.dialer.dialErr = errors.New("no transport")

	require.NoError(t, env.registry.RestorePersisted(ctx), "restore failures must not fail startup")

	state, err := env.profiles.GetConnectionState(ctx, 1)
	require.NoError(t, err)
	assert.False(t, state.Connected)
}

func TestTenantsAreIsolated(t *testing.T) {
	env := setupTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, env.registry.Connect(ctx, 1))
	require.NoError(t, env.registry.Connect(ctx, 2))
	env.dialer.client(0).emit(StatusChanged{Status: StatusConnected, Phone: "5511911111111"})
	waitForStatus(t, env.registry, 1, StatusConnected)

	assert.Equal(t, StatusConnecting, env.registry.Status(ctx, 2).Status)

	require.NoError(t, env.registry.Logout(ctx, 1))
	assert.Equal(t, StatusConnecting, env.registry.Status(ctx, 2).Status)
}
