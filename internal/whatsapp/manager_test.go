package whatsapp

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	m, err := NewManager(Options{
		TempDir:    t.TempDir(),
		MaxRetries: 2,
		UseStore:   true,
		QRWriter:   io.Discard,
		NewBackOff: func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	})
	require.NoError(t, err)
	m.typingDelay = 0
	return m
}

// stubStart replaces socket creation with a session that gets credentials
// and is registered but never connects.
func stubStart(m *Manager) chan *Session {
	starts := make(chan *Session, 16)
	m.startFn = func(ctx context.Context, id string, opts StartOptions) (*Session, error) {
		m.lifecycleMu.Lock()
		if err := os.MkdirAll(m.credentialsDir(id), 0755); err != nil {
			m.lifecycleMu.Unlock()
			return nil, err
		}
		s := newSession(id, opts)
		m.register(s)
		m.lifecycleMu.Unlock()

		starts <- s
		return s, nil
	}
	return starts
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}

func mkCredentials(t *testing.T, m *Manager, id string) string {
	t.Helper()
	dir := m.credentialsDir(id)
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "session.db"), []byte("x"), 0644))
	return dir
}

func TestNewManagerReadsStore(t *testing.T) {
	dir := t.TempDir()
	s := NewMessageStore(time.Hour)
	s.Put(storedText("abc", "c", "1", 1))
	require.NoError(t, s.WriteToFile(filepath.Join(dir, "store_multi.json")))

	m, err := NewManager(Options{TempDir: dir, UseStore: true})
	require.NoError(t, err)
	assert.Len(t, m.Messages("abc", "c", 0), 1)

	noStore, err := NewManager(Options{TempDir: dir})
	require.NoError(t, err)
	assert.Empty(t, noStore.Messages("abc", "c", 0))
}

func TestStartRejectsInvalidID(t *testing.T) {
	m := newTestManager(t)
	starts := stubStart(m)

	for _, id := range []string{"", "a_b", "../x", "a b"} {
		assert.ErrorIs(t, m.Start(context.Background(), id, StartOptions{}), ErrInvalidSessionID, id)
	}
	assert.Empty(t, starts)

	require.NoError(t, m.Start(context.Background(), "device-1", StartOptions{}))
	assert.Equal(t, "device-1", receive(t, starts).ID)
}

func TestIsExistAndShouldLoad(t *testing.T) {
	m := newTestManager(t)
	assert.False(t, m.IsExist("abc"))
	assert.False(t, m.ShouldLoad("abc"))

	mkCredentials(t, m, "abc")
	assert.False(t, m.IsExist("abc"))
	assert.True(t, m.ShouldLoad("abc"))

	m.register(newSession("abc", StartOptions{}))
	assert.True(t, m.IsExist("abc"))
	assert.False(t, m.ShouldLoad("abc"))
}

func TestLoadAll(t *testing.T) {
	m := newTestManager(t)
	mkCredentials(t, m, "a")
	mkCredentials(t, m, "b")
	mkCredentials(t, m, "c")
	require.NoError(t, os.WriteFile(filepath.Join(m.tempDir, "b_extra"), nil, 0644))
	m.FlushStore()

	m.register(newSession("c", StartOptions{}))
	starts := stubStart(m)

	require.NoError(t, m.LoadAll(context.Background()))
	close(starts)

	var ids []string
	for s := range starts {
		ids = append(ids, s.ID)
		assert.True(t, s.opts.PrintQRCode)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}

func TestLoadAllContinuesOnError(t *testing.T) {
	m := newTestManager(t)
	mkCredentials(t, m, "a")
	mkCredentials(t, m, "b")

	var mu sync.Mutex
	calls := 0
	m.startFn = func(ctx context.Context, id string, opts StartOptions) (*Session, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil, errors.New("boom")
	}

	require.NoError(t, m.LoadAll(context.Background()))
	assert.Equal(t, 2, calls)
}

func TestDelete(t *testing.T) {
	m := newTestManager(t)
	dir := mkCredentials(t, m, "abc")
	sess := newSession("abc", StartOptions{})
	m.register(sess)
	m.store.Put(storedText("abc", "c", "1", 1))

	require.NoError(t, m.Delete(context.Background(), "abc"))

	_, ok := m.Get("abc")
	assert.False(t, ok)
	assert.NoDirExists(t, dir)
	assert.Zero(t, m.store.Len())
	assert.Equal(t, StateDisconnected, sess.Status().Status)

	assert.ErrorIs(t, m.Delete(context.Background(), "abc"), ErrSessionNotFound)
}

func TestDeleteCredentialsOnly(t *testing.T) {
	m := newTestManager(t)
	dir := mkCredentials(t, m, "abc")

	require.NoError(t, m.Delete(context.Background(), "abc"))
	assert.NoDirExists(t, dir)
}

func TestListSorted(t *testing.T) {
	m := newTestManager(t)
	m.register(newSession("b", StartOptions{}))
	m.register(newSession("a", StartOptions{}))

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].SessionID)
	assert.Equal(t, StateConnecting, list[0].Status)
	assert.Equal(t, "b", list[1].SessionID)
}

func TestRegisterReplacesSession(t *testing.T) {
	m := newTestManager(t)
	old := newSession("abc", StartOptions{})
	m.register(old)
	m.register(newSession("abc", StartOptions{}))

	assert.False(t, m.isCurrent(old))
	assert.False(t, old.markClosed(), "replaced session should already be closed")
	assert.Len(t, m.List(), 1)
}

func TestHandleCloseRetriesThenGivesUp(t *testing.T) {
	m := newTestManager(t)
	dir := mkCredentials(t, m, "abc")
	starts := stubStart(m)

	disconnected := make(chan string, 1)
	m.OnDisconnected(func(id string) { disconnected <- id })

	sess := newSession("abc", StartOptions{PrintQRCode: true})
	m.register(sess)

	m.handleClose(sess, false, "connection lost")
	second := receive(t, starts)
	assert.True(t, second.opts.PrintQRCode)
	assert.Equal(t, 1, m.retries.count("abc"))

	m.handleClose(second, false, "connection lost")
	third := receive(t, starts)
	assert.Equal(t, 2, m.retries.count("abc"))

	m.handleClose(third, false, "connection lost")
	assert.Equal(t, "abc", receive(t, disconnected))
	assert.Empty(t, starts)

	_, ok := m.Get("abc")
	assert.False(t, ok)
	assert.NoDirExists(t, dir)
}

func TestHandleCloseLoggedOut(t *testing.T) {
	m := newTestManager(t)
	dir := mkCredentials(t, m, "abc")
	starts := stubStart(m)

	disconnected := make(chan string, 1)
	m.OnDisconnected(func(id string) { disconnected <- id })

	sess := newSession("abc", StartOptions{})
	m.register(sess)
	m.handleClose(sess, true, "logged out")

	assert.Equal(t, "abc", receive(t, disconnected))
	assert.Empty(t, starts)
	assert.NoDirExists(t, dir)
}

func TestHandleCloseOncePerSocket(t *testing.T) {
	m := newTestManager(t)
	starts := stubStart(m)

	sess := newSession("abc", StartOptions{})
	m.register(sess)

	m.handleClose(sess, false, "connection lost")
	m.handleClose(sess, false, "connection lost")

	receive(t, starts)
	assert.Equal(t, 1, m.retries.count("abc"))
}

func TestHandleCloseIgnoresReplacedSession(t *testing.T) {
	m := newTestManager(t)
	starts := stubStart(m)

	old := newSession("abc", StartOptions{})
	m.register(old)
	m.register(newSession("abc", StartOptions{}))

	m.handleClose(old, false, "connection lost")
	m.handleEvent(old, &events.Connected{})

	assert.Empty(t, starts)
	assert.Zero(t, m.retries.count("abc"))
}

func TestReconnectFailuresGiveUp(t *testing.T) {
	m := newTestManager(t)
	mkCredentials(t, m, "abc")

	calls := make(chan string, 8)
	m.startFn = func(ctx context.Context, id string, opts StartOptions) (*Session, error) {
		calls <- id
		return nil, errors.New("store unavailable")
	}

	disconnected := make(chan string, 1)
	m.OnDisconnected(func(id string) { disconnected <- id })

	sess := newSession("abc", StartOptions{})
	m.register(sess)
	m.handleClose(sess, false, "connection lost")

	assert.Equal(t, "abc", receive(t, disconnected))
	assert.Len(t, calls, 2)
}

func TestDeleteStopsPendingReconnect(t *testing.T) {
	m := newTestManager(t)
	m.retries = newRetryTracker(2, func() backoff.BackOff {
		return backoff.NewConstantBackOff(50 * time.Millisecond)
	})
	mkCredentials(t, m, "abc")
	starts := stubStart(m)

	sess := newSession("abc", StartOptions{})
	m.register(sess)
	m.handleClose(sess, false, "connection lost")
	require.NoError(t, m.Delete(context.Background(), "abc"))

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, starts)
}

func TestWaitForQR(t *testing.T) {
	m := newTestManager(t)
	sess := newSession("abc", StartOptions{})
	m.register(sess)

	qrs := make(chan string, 1)
	m.OnQRUpdated(func(id, qr string) { qrs <- qr })

	go func() {
		time.Sleep(20 * time.Millisecond)
		m.handleQR(sess, "2@ref,key,id")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	st, err := m.WaitForQR(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, StateQR, st.Status)
	assert.Contains(t, st.QRCode, "data:image/png;base64,")
	assert.Equal(t, "2@ref,key,id", receive(t, qrs))

	// already showing a QR code
	st, err = m.WaitForQR(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, StateQR, st.Status)
}

func TestWaitForQRTimeout(t *testing.T) {
	m := newTestManager(t)
	m.register(newSession("abc", StartOptions{}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := m.WaitForQR(ctx, "abc")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWaitForQRSessionGivenUp(t *testing.T) {
	m := newTestManager(t)
	sess := newSession("abc", StartOptions{})
	m.register(sess)

	go func() {
		time.Sleep(20 * time.Millisecond)
		m.handleClose(sess, true, "logged out")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := m.WaitForQR(ctx, "abc")
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSubscribeReceivesSessionEvents(t *testing.T) {
	m := newTestManager(t)
	ch := m.Subscribe("abc")
	other := m.Subscribe("xyz")

	m.publishEvent(Event{Type: EventMessage, SessionID: "abc"})

	evt := receive(t, ch)
	assert.Equal(t, EventMessage, evt.Type)
	assert.NotZero(t, evt.Timestamp)
	assert.Empty(t, other)

	m.Unsubscribe("abc", ch)
	_, open := <-ch
	assert.False(t, open)

	// publishing after unsubscribe must not panic
	m.publishEvent(Event{Type: EventMessage, SessionID: "abc"})
}

func TestHandleMessage(t *testing.T) {
	m := newTestManager(t)
	m.replies = false
	sess := newSession("abc", StartOptions{})
	m.register(sess)

	got := make(chan StoredMessage, 1)
	m.OnMessageReceived(func(id string, msg StoredMessage) { got <- msg })
	sub := m.Subscribe("abc")

	chat := types.NewJID("628111", types.DefaultUserServer)
	m.handleEvent(sess, incoming(chat, false, &waE2E.Message{Conversation: proto.String("halo")}))

	msg := receive(t, got)
	assert.Equal(t, "halo", msg.Body)
	assert.Equal(t, EventMessage, receive(t, sub).Type)

	stored := m.Messages("abc", chat.String(), 10)
	require.Len(t, stored, 1)
	assert.Equal(t, "3EB0ABC", stored[0].ID)
}

func TestShutdownFlushesStore(t *testing.T) {
	m := newTestManager(t)
	m.register(newSession("abc", StartOptions{}))
	m.store.Put(storedText("abc", "c", "1", 1))

	m.Shutdown()

	assert.Empty(t, m.List())
	assert.FileExists(t, m.storeFile)
}

func TestGiveUpKeepsReplacementSession(t *testing.T) {
	m := newTestManager(t)
	starts := stubStart(m)

	disconnected := make(chan string, 1)
	m.OnDisconnected(func(id string) { disconnected <- id })

	old := newSession("abc", StartOptions{})
	m.register(old)
	old.markClosed()

	fresh, err := m.startFn(context.Background(), "abc", StartOptions{})
	require.NoError(t, err)
	receive(t, starts)

	m.giveUp(old)

	current, ok := m.Get("abc")
	require.True(t, ok)
	assert.Same(t, fresh, current)
	assert.DirExists(t, m.credentialsDir("abc"))
	assert.Empty(t, disconnected)
}

func TestLoggedOutThenRecreated(t *testing.T) {
	for i := 0; i < 20; i++ {
		m := newTestManager(t)
		starts := stubStart(m)

		old := newSession("abc", StartOptions{})
		m.register(old)
		m.handleClose(old, true, "logged out")

		fresh, err := m.startFn(context.Background(), "abc", StartOptions{})
		require.NoError(t, err)
		receive(t, starts)
		time.Sleep(5 * time.Millisecond)

		current, ok := m.Get("abc")
		require.True(t, ok, "run %d", i)
		assert.Same(t, fresh, current, "run %d", i)
		assert.DirExists(t, m.credentialsDir("abc"), "run %d", i)
	}
}

func TestHandleEventCloseOutcome(t *testing.T) {
	tests := []struct {
		name  string
		evt   interface{}
		retry bool
	}{
		{"logged out", &events.LoggedOut{Reason: events.ConnectFailureLoggedOut}, false},
		{"connect failure logout", &events.ConnectFailure{Reason: events.ConnectFailureLoggedOut}, false},
		// 503 service unavailable
		{"connect failure transient", &events.ConnectFailure{Reason: events.ConnectFailureReason(503)}, true},
		{"disconnected", &events.Disconnected{}, true},
		{"stream replaced", &events.StreamReplaced{}, true},
		{"client outdated", &events.ClientOutdated{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t)
			mkCredentials(t, m, "abc")
			starts := stubStart(m)

			disconnected := make(chan string, 1)
			m.OnDisconnected(func(id string) { disconnected <- id })

			sess := newSession("abc", StartOptions{})
			m.register(sess)
			m.handleEvent(sess, tt.evt)

			if tt.retry {
				next := receive(t, starts)
				assert.NotSame(t, sess, next)
				assert.Equal(t, 1, m.retries.count("abc"))
				assert.Empty(t, disconnected)
				assert.DirExists(t, m.credentialsDir("abc"))
				return
			}

			assert.Equal(t, "abc", receive(t, disconnected))
			assert.Empty(t, starts)
			assert.NoDirExists(t, m.credentialsDir("abc"))
		})
	}
}

func TestHandleEventKeepAliveTimeoutIsNotAClose(t *testing.T) {
	m := newTestManager(t)
	starts := stubStart(m)

	sess := newSession("abc", StartOptions{})
	m.register(sess)
	m.handleEvent(sess, &events.KeepAliveTimeout{ErrorCount: 1})

	assert.Empty(t, starts)
	assert.Zero(t, m.retries.count("abc"))
	assert.True(t, m.isCurrent(sess))
	assert.Equal(t, StateConnecting, sess.Status().Status)
}

func TestWatchQRTimeoutRetries(t *testing.T) {
	m := newTestManager(t)
	starts := stubStart(m)

	sess := newSession("abc", StartOptions{})
	m.register(sess)

	items := make(chan whatsmeow.QRChannelItem, 2)
	items <- whatsmeow.QRChannelItem{Event: whatsmeow.QRChannelEventCode, Code: "2@ref,key,id"}
	items <- whatsmeow.QRChannelTimeout
	close(items)

	m.watchQR(sess, items)

	assert.Equal(t, StateDisconnected, sess.Status().Status)
	assert.NotSame(t, sess, receive(t, starts))
	assert.Equal(t, 1, m.retries.count("abc"))
}

func TestHandleEventConnected(t *testing.T) {
	m := newTestManager(t)
	jid := types.NewJID("628111", types.DefaultUserServer)

	sess := newSession("abc", StartOptions{})
	sess.Client = &whatsmeow.Client{Store: &store.Device{ID: &jid, PushName: "Budi"}}
	m.register(sess)
	m.retries.next("abc", false)
	require.Equal(t, 1, m.retries.count("abc"))

	connected := make(chan string, 1)
	m.OnConnected(func(id string) { connected <- id })

	m.handleEvent(sess, &events.Connected{})

	assert.Equal(t, "abc", receive(t, connected))
	assert.Zero(t, m.retries.count("abc"))

	st := sess.Status()
	assert.Equal(t, StateConnected, st.Status)
	assert.Equal(t, "628111", st.WANumber)
	assert.Equal(t, "Budi", st.WAName)
	assert.Empty(t, st.QRCode)
}
