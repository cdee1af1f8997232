package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huxley-im/huxley/internal/cryptox"
	"github.com/huxley-im/huxley/internal/protocol"
	"github.com/huxley-im/huxley/internal/server/config"
)

const recvTimeout = 3 * time.Second

func startTestApp(t *testing.T) *App {
	t.Helper()

	dir := t.TempDir()
	masterPath := filepath.Join(dir, "master.key")
	sessionPath := filepath.Join(dir, "session.key.enc")
	require.NoError(t, cryptox.ProvisionKeys(masterPath, sessionPath))

	cfg := &config.Config{
		Port:           0,
		DatabasePath:   filepath.Join(dir, "huxley.db"),
		MasterKeyPath:  masterPath,
		SessionKeyPath: sessionPath,
		Workers:        2,
	}

	app, err := NewApp(cfg)
	require.NoError(t, err)
	require.NoError(t, app.Start(context.Background()))
	t.Cleanup(app.Stop)
	return app
}

type testClient struct {
	t    *testing.T
	conn net.Conn
}

func dialApp(t *testing.T, app *App) *testClient {
	t.Helper()

	addr := app.Addr().(*net.TCPAddr)
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", addr.Port))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(v map[string]any) {
	c.t.Helper()

	payload, err := json.Marshal(v)
	require.NoError(c.t, err)
	_, err = c.conn.Write(protocol.EncodeFrame(payload))
	require.NoError(c.t, err)
}

func (c *testClient) recv() map[string]any {
	c.t.Helper()

	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(recvTimeout)))
	payload, err := protocol.ReadFrame(c.conn)
	require.NoError(c.t, err)

	var decoded map[string]any
	require.NoError(c.t, json.Unmarshal(payload, &decoded))
	return decoded
}

// expectSilence asserts that no frame arrives within the window.
func (c *testClient) expectSilence(window time.Duration) {
	c.t.Helper()

	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(window)))
	_, err := protocol.ReadFrame(c.conn)
	require.Error(c.t, err)

	var ne net.Error
	require.True(c.t, errors.As(err, &ne) && ne.Timeout(), "expected read timeout, got %v", err)
}

func (c *testClient) register(username, password string) map[string]any {
	c.t.Helper()
	c.send(map[string]any{"type": "REGISTER", "username": username, "password": password})
	return c.recv()
}

func (c *testClient) login(username, password string) map[string]any {
	c.t.Helper()
	c.send(map[string]any{"type": "LOGIN", "username": username, "password": password})
	return c.recv()
}

func success(resp map[string]any) bool {
	ok, _ := resp["success"].(bool)
	return ok
}

func TestRegisterAndLogin(t *testing.T) {
	app := startTestApp(t)
	c := dialApp(t, app)

	resp := c.register("alice", "pw1")
	assert.Equal(t, "register", resp["command"])
	assert.True(t, success(resp))

	resp = c.login("alice", "pw1")
	assert.Equal(t, "login", resp["command"])
	assert.True(t, success(resp))

	// One users row with the Argon2id verifier.
	ctx := context.Background()
	var count int
	require.NoError(t, app.store.Conn().QueryRowContext(ctx, "SELECT count(*) FROM users WHERE username = 'alice'").Scan(&count))
	assert.Equal(t, 1, count)

	hash, err := app.store.FindUser(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$"))
}

func TestDuplicateRegistration(t *testing.T) {
	app := startTestApp(t)
	c := dialApp(t, app)

	assert.True(t, success(c.register("bob", "pw")))
	assert.False(t, success(c.register("bob", "pw")))
}

func TestOnlineDelivery(t *testing.T) {
	app := startTestApp(t)

	alice := dialApp(t, app)
	bob := dialApp(t, app)

	require.True(t, success(alice.register("alice", "pw1")))
	require.True(t, success(bob.register("bob", "pw2")))
	require.True(t, success(alice.login("alice", "pw1")))
	require.True(t, success(bob.login("bob", "pw2")))

	alice.send(map[string]any{"type": "SEND_MESSAGE", "recipient": "bob", "content": "hi"})
	resp := alice.recv()
	assert.Equal(t, "send_message", resp["command"])
	assert.True(t, success(resp))

	incoming := bob.recv()
	assert.Equal(t, "incoming_message", incoming["command"])
	assert.Equal(t, "alice", incoming["sender"])
	assert.Equal(t, "hi", incoming["content"])
	assert.NotEmpty(t, incoming["timestamp"])

	// Exactly one messages row, marked delivered.
	assert.Eventually(t, func() bool {
		var count, delivered int
		if err := app.store.Conn().QueryRow("SELECT count(*), coalesce(sum(delivered),0) FROM messages").Scan(&count, &delivered); err != nil {
			return false
		}
		return count == 1 && delivered == 1
	}, recvTimeout, 20*time.Millisecond)
}

func TestOfflineQueueThenDrain(t *testing.T) {
	app := startTestApp(t)

	alice := dialApp(t, app)
	require.True(t, success(alice.register("alice", "pw1")))

	bob := dialApp(t, app)
	require.True(t, success(bob.register("bob", "pw")))

	require.True(t, success(alice.login("alice", "pw1")))

	alice.send(map[string]any{"type": "SEND_MESSAGE", "recipient": "bob", "content": "later"})
	require.True(t, success(alice.recv()))

	// Stored undelivered while bob is away.
	var delivered int
	require.NoError(t, app.store.Conn().QueryRow("SELECT delivered FROM messages").Scan(&delivered))
	assert.Equal(t, 0, delivered)

	// Bob logs in and the queue drains right behind the login reply.
	require.True(t, success(bob.login("bob", "pw")))

	incoming := bob.recv()
	assert.Equal(t, "incoming_message", incoming["command"])
	assert.Equal(t, "alice", incoming["sender"])
	assert.Equal(t, "later", incoming["content"])

	assert.Eventually(t, func() bool {
		var delivered int
		if err := app.store.Conn().QueryRow("SELECT delivered FROM messages").Scan(&delivered); err != nil {
			return false
		}
		return delivered == 1
	}, recvTimeout, 20*time.Millisecond)
}

func TestCiphertextTamperDetection(t *testing.T) {
	app := startTestApp(t)

	alice := dialApp(t, app)
	require.True(t, success(alice.register("alice", "pw1")))

	bob := dialApp(t, app)
	require.True(t, success(bob.register("bob", "pw")))

	require.True(t, success(alice.login("alice", "pw1")))
	alice.send(map[string]any{"type": "SEND_MESSAGE", "recipient": "bob", "content": "secret"})
	require.True(t, success(alice.recv()))

	// Flip one bit of the sole stored ciphertext.
	ctx := context.Background()
	var (
		msgID      int64
		ciphertext []byte
	)
	require.NoError(t, app.store.Conn().QueryRowContext(ctx, "SELECT id, ciphertext FROM messages").Scan(&msgID, &ciphertext))
	ciphertext[0] ^= 0x01
	_, err := app.store.Conn().ExecContext(ctx, "UPDATE messages SET ciphertext = ? WHERE id = ?", ciphertext, msgID)
	require.NoError(t, err)

	// Bob's login triggers offline delivery; the tampered message must not
	// arrive and must stay queued.
	require.True(t, success(bob.login("bob", "pw")))
	bob.expectSilence(400 * time.Millisecond)

	var delivered int
	require.NoError(t, app.store.Conn().QueryRowContext(ctx, "SELECT delivered FROM messages WHERE id = ?", msgID).Scan(&delivered))
	assert.Equal(t, 0, delivered)

	entries, err := app.store.AuditEntries(ctx, "ERROR", fmt.Sprintf("%d", msgID))
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestDoubleLoginRejection(t *testing.T) {
	app := startTestApp(t)

	connA := dialApp(t, app)
	require.True(t, success(connA.register("alice", "pw1")))
	require.True(t, success(connA.login("alice", "pw1")))

	connB := dialApp(t, app)
	resp := connB.login("alice", "pw1")
	assert.Equal(t, "login", resp["command"])
	assert.False(t, success(resp))
	assert.Contains(t, resp["message"], "logged in elsewhere")

	// B stays open and unauthenticated.
	connB.send(map[string]any{"type": "SEND_MESSAGE", "recipient": "alice", "content": "x"})
	resp = connB.recv()
	assert.False(t, success(resp))
	assert.Equal(t, "Authentication required", resp["message"])

	// A is unaffected: it can still round-trip a command.
	connA.send(map[string]any{"type": "LIST_ONLINE"})
	resp = connA.recv()
	assert.True(t, success(resp))
	assert.ElementsMatch(t, []any{"alice"}, resp["payload"])
}

func TestUnauthenticatedAndUnknownCommands(t *testing.T) {
	app := startTestApp(t)
	c := dialApp(t, app)

	c.send(map[string]any{"type": "SEND_MESSAGE", "recipient": "bob", "content": "hi"})
	resp := c.recv()
	assert.Equal(t, "send_message", resp["command"])
	assert.False(t, success(resp))

	c.send(map[string]any{"type": "LOGOUT"})
	resp = c.recv()
	assert.Equal(t, "logout", resp["command"])
	assert.False(t, success(resp))

	c.send(map[string]any{"type": "FROBNICATE"})
	resp = c.recv()
	assert.Equal(t, "unknown", resp["command"])
	assert.False(t, success(resp))

	// Malformed JSON also yields the unknown reply and the connection lives.
	_, err := c.conn.Write(protocol.EncodeFrame([]byte("{not json")))
	require.NoError(t, err)
	resp = c.recv()
	assert.Equal(t, "unknown", resp["command"])
}

func TestLogoutThenRelogin(t *testing.T) {
	app := startTestApp(t)
	c := dialApp(t, app)

	require.True(t, success(c.register("alice", "pw1")))
	require.True(t, success(c.login("alice", "pw1")))

	c.send(map[string]any{"type": "LOGOUT"})
	resp := c.recv()
	assert.True(t, success(resp))

	// The username is free again, even from another connection.
	other := dialApp(t, app)
	require.True(t, success(other.login("alice", "pw1")))
}

func TestHistoryEndToEnd(t *testing.T) {
	app := startTestApp(t)

	alice := dialApp(t, app)
	bob := dialApp(t, app)

	require.True(t, success(alice.register("alice", "pw1")))
	require.True(t, success(bob.register("bob", "pw2")))
	require.True(t, success(alice.login("alice", "pw1")))
	require.True(t, success(bob.login("bob", "pw2")))

	alice.send(map[string]any{"type": "SEND_MESSAGE", "recipient": "bob", "content": "first"})
	require.True(t, success(alice.recv()))
	_ = bob.recv() // incoming_message

	bob.send(map[string]any{"type": "SEND_MESSAGE", "recipient": "alice", "content": "second"})
	require.True(t, success(bob.recv()))
	_ = alice.recv() // incoming_message

	alice.send(map[string]any{"type": "GET_HISTORY", "with": "bob"})
	resp := alice.recv()
	assert.Equal(t, "get_history", resp["command"])
	require.True(t, success(resp))

	payload, ok := resp["payload"].([]any)
	require.True(t, ok)
	require.Len(t, payload, 2)

	newest := payload[0].(map[string]any)
	assert.Equal(t, "second", newest["content"])
	assert.Equal(t, "bob", newest["sender"])

	oldest := payload[1].(map[string]any)
	assert.Equal(t, "first", oldest["content"])
	assert.Equal(t, "alice", oldest["sender"])
}

func TestOversizeFrameClosesConnection(t *testing.T) {
	app := startTestApp(t)
	c := dialApp(t, app)

	var header [protocol.FrameHeaderSize]byte
	header[0] = 0xff // announces far more than MaxFrameSize
	_, err := c.conn.Write(header[:])
	require.NoError(t, err)

	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(recvTimeout)))
	buf := make([]byte, 1)
	_, err = c.conn.Read(buf)
	assert.Error(t, err) // server hangs up
}

func TestListUsersEndToEnd(t *testing.T) {
	app := startTestApp(t)
	c := dialApp(t, app)

	require.True(t, success(c.register("alice", "pw1")))
	require.True(t, success(c.register("bob", "pw2")))
	require.True(t, success(c.login("alice", "pw1")))

	c.send(map[string]any{"type": "LIST_USERS"})
	resp := c.recv()
	require.True(t, success(resp))
	assert.Equal(t, []any{"alice", "bob"}, resp["payload"])
}
