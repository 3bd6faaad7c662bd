package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"

	"expresso-wa/internal/logger"

	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionClosed    = errors.New("session closed")
	ErrNotConnected     = errors.New("please check your whatsapp connectivity")
	ErrNotRegistered    = errors.New("phone number is not registered on whatsapp")
	ErrInvalidSessionID = errors.New("session id may only contain letters, digits and dashes")
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]{1,64}$`)

// Options configures a Manager.
type Options struct {
	// TempDir holds the credential directories and the message store file.
	TempDir    string
	MaxRetries int
	UseStore   bool
	AutoReply  bool
	StoreTTL   time.Duration
	// LogDatabase enables logging of the credential store.
	LogDatabase bool
	// QRWriter receives terminal QR codes; defaults to stdout.
	QRWriter io.Writer
	// NewBackOff builds the reconnect delay policy of a session.
	NewBackOff func() backoff.BackOff
}

// Manager manages multiple WhatsApp sessions
type Manager struct {
	tempDir   string
	storeFile string
	replies   bool
	logDB     bool

	sessions map[string]*Session
	mu       sync.RWMutex

	// held while credential directories are created or removed
	lifecycleMu sync.Mutex

	retries   *retryTracker
	listeners listeners
	store     *MessageStore

	eventSubs   map[string][]chan Event
	eventSubsMu sync.RWMutex

	typingDelay time.Duration
	qrOut       io.Writer

	startFn func(ctx context.Context, sessionID string, opts StartOptions) (*Session, error)
}

// NewManager creates a new session manager. Persisted messages are loaded
// from the store file when the store is enabled.
func NewManager(opts Options) (*Manager, error) {
	if opts.TempDir == "" {
		opts.TempDir = "./temp"
	}
	if err := os.MkdirAll(opts.TempDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	if opts.QRWriter == nil {
		opts.QRWriter = os.Stdout
	}
	if opts.StoreTTL <= 0 {
		opts.StoreTTL = 24 * time.Hour
	}

	m := &Manager{
		tempDir:     opts.TempDir,
		storeFile:   filepath.Join(opts.TempDir, "store_multi.json"),
		replies:     opts.AutoReply,
		logDB:       opts.LogDatabase,
		sessions:    make(map[string]*Session),
		retries:     newRetryTracker(opts.MaxRetries, opts.NewBackOff),
		eventSubs:   make(map[string][]chan Event),
		typingDelay: 2 * time.Second,
		qrOut:       opts.QRWriter,
	}
	m.startFn = m.start

	if opts.UseStore {
		m.store = NewMessageStore(opts.StoreTTL)
		if err := m.store.ReadFromFile(m.storeFile); err != nil {
			log.Warn().Err(err).Msg("Failed to read message store, starting empty")
		}
	}

	return m, nil
}

func (m *Manager) credentialsDir(sessionID string) string {
	return filepath.Join(m.tempDir, sessionID+"_credentials")
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// Start connects a session, creating its credentials on first use. An
// unpaired session emits QR codes until it is scanned or retries run out.
func (m *Manager) Start(ctx context.Context, sessionID string, opts StartOptions) error {
	if !sessionIDPattern.MatchString(sessionID) {
		return ErrInvalidSessionID
	}
	_, err := m.startFn(ctx, sessionID, opts)
	return err
}

func (m *Manager) start(ctx context.Context, sessionID string, opts StartOptions) (*Session, error) {
	sess, lifeCtx, err := m.open(ctx, sessionID, opts)
	if err != nil {
		return nil, err
	}
	client := sess.Client

	client.AddEventHandler(func(evt interface{}) {
		m.handleEvent(sess, evt)
	})

	m.listeners.emitConnecting(sessionID)
	m.publishEvent(Event{Type: EventConnecting, SessionID: sessionID})

	paired := client.Store.ID != nil
	if !paired {
		qrChan, err := client.GetQRChannel(lifeCtx)
		if err != nil {
			m.unregister(sess)
			return nil, fmt.Errorf("failed to get qr channel: %w", err)
		}
		go m.watchQR(sess, qrChan)
	}

	log.Info().Str("session", sessionID).Bool("paired", paired).Msg("Connecting session")

	if err := client.Connect(); err != nil {
		log.Error().Err(err).Str("session", sessionID).Msg("Failed to connect")
		m.handleClose(sess, false, err.Error())
		return sess, fmt.Errorf("failed to connect: %w", err)
	}

	return sess, nil
}

// open creates the credentials and client of a session and registers it.
// Credential directories are only created or removed under lifecycleMu.
func (m *Manager) open(ctx context.Context, sessionID string, opts StartOptions) (*Session, context.Context, error) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	dir := m.credentialsDir(sessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create credentials directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on", filepath.Join(dir, "session.db"))
	dbLog := waLog.Noop
	if m.logDB {
		dbLog = logger.WhatsApp("Database", sessionID)
	}
	container, err := sqlstore.New(ctx, "sqlite3", dsn, dbLog)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open credentials: %w", err)
	}

	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		container.Close()
		return nil, nil, fmt.Errorf("failed to get device: %w", err)
	}

	client := whatsmeow.NewClient(device, logger.WhatsApp("Client", sessionID))
	// reconnects are driven by the retry state machine
	client.EnableAutoReconnect = false

	sess := newSession(sessionID, opts)
	sess.Client = client
	sess.container = container
	if device.ID != nil {
		sess.waNumber = device.ID.User
		sess.waName = device.PushName
	}

	lifeCtx, cancel := context.WithCancel(context.Background())
	sess.cancel = cancel

	m.register(sess)
	return sess, lifeCtx, nil
}

// register makes sess the active session for its id, releasing any socket
// previously registered under the same id.
func (m *Manager) register(sess *Session) {
	m.mu.Lock()
	old := m.sessions[sess.ID]
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	if old != nil && old != sess {
		old.markClosed()
		old.release()
	}
}

func (m *Manager) unregister(sess *Session) {
	m.mu.Lock()
	if m.sessions[sess.ID] == sess {
		delete(m.sessions, sess.ID)
	}
	m.mu.Unlock()

	sess.markClosed()
	sess.release()
}

func (m *Manager) isCurrent(sess *Session) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sess.ID] == sess
}

// Get returns the active session with the given id.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	return sess, ok
}

// Status returns a snapshot of an active session.
func (m *Manager) Status(sessionID string) (Status, bool) {
	sess, ok := m.Get(sessionID)
	if !ok {
		return Status{}, false
	}
	return sess.Status(), true
}

// List returns all active sessions ordered by id.
func (m *Manager) List() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess.Status())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// IsExist reports whether a session has credentials on disk and is active.
func (m *Manager) IsExist(sessionID string) bool {
	_, active := m.Get(sessionID)
	return active && dirExists(m.credentialsDir(sessionID))
}

// ShouldLoad reports whether a session has credentials on disk but is not
// active yet.
func (m *Manager) ShouldLoad(sessionID string) bool {
	_, active := m.Get(sessionID)
	return !active && dirExists(m.credentialsDir(sessionID))
}

// LoadAll starts every session found in the temp directory that is not
// already active.
func (m *Manager) LoadAll(ctx context.Context) error {
	entries, err := os.ReadDir(m.tempDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("can't load session, directory not found: %w", err)
	}

	seen := make(map[string]bool)
	loaded := 0
	for _, entry := range entries {
		sessionID := strings.SplitN(entry.Name(), "_", 2)[0]
		if seen[sessionID] {
			continue
		}
		seen[sessionID] = true

		if !m.ShouldLoad(sessionID) {
			continue
		}

		if _, err := m.startFn(ctx, sessionID, StartOptions{PrintQRCode: true}); err != nil {
			log.Error().Err(err).Str("session", sessionID).Msg("Failed to load session")
			continue
		}
		loaded++
	}

	log.Info().Int("sessions", loaded).Msg("Sessions loaded")
	return nil
}

// Delete logs a session out when possible, then stops it and removes its
// credentials.
func (m *Manager) Delete(ctx context.Context, sessionID string) error {
	sess, active := m.Get(sessionID)
	if !active && !dirExists(m.credentialsDir(sessionID)) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	if active && sess.Client != nil && sess.Client.IsLoggedIn() {
		if err := sess.Client.Logout(ctx); err != nil {
			log.Warn().Err(err).Str("session", sessionID).Msg("Logout failed, removing session anyway")
		}
	}

	_, err := m.cleanup(sessionID, nil)
	return err
}

// cleanup stops a session, drops its stored messages and removes its
// credentials. With a non-nil owner nothing happens unless owner is still the
// active socket of the id, so a closed socket never removes its replacement.
func (m *Manager) cleanup(sessionID string, owner *Session) (bool, error) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	m.mu.Lock()
	sess := m.sessions[sessionID]
	if owner != nil && sess != owner {
		m.mu.Unlock()
		return false, nil
	}
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if sess != nil {
		sess.markClosed()
		sess.release()
	}
	m.retries.reset(sessionID)
	if m.store != nil {
		m.store.DeleteSession(sessionID)
	}

	dir := m.credentialsDir(sessionID)
	if !dirExists(dir) {
		return true, nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return true, fmt.Errorf("failed to remove credentials: %w", err)
	}
	log.Info().Msgf("Session: %s, has been deleted, please create new session again!", sessionID)
	return true, nil
}

// WaitForQR blocks until the session shows a QR code or is connected.
func (m *Manager) WaitForQR(ctx context.Context, sessionID string) (Status, error) {
	ch := m.Subscribe(sessionID)
	defer m.Unsubscribe(sessionID, ch)

	ready := func() (Status, bool) {
		st, ok := m.Status(sessionID)
		return st, ok && (st.Status == StateQR || st.Status == StateConnected)
	}

	if st, ok := ready(); ok {
		return st, nil
	}

	for {
		select {
		case evt := <-ch:
			switch evt.Type {
			case EventQR, EventConnected:
				if st, ok := ready(); ok {
					return st, nil
				}
			case EventDisconnected:
				return Status{}, ErrSessionClosed
			}
		case <-ctx.Done():
			return Status{}, ctx.Err()
		}
	}
}

// Messages returns stored messages of a chat, oldest first.
func (m *Manager) Messages(sessionID, chat string, limit int) []StoredMessage {
	if m.store == nil {
		return nil
	}
	return m.store.Chat(sessionID, chat, limit)
}

// FlushStore writes the message store to disk.
func (m *Manager) FlushStore() {
	if m.store == nil {
		return
	}
	if err := m.store.WriteToFile(m.storeFile); err != nil {
		log.Error().Err(err).Msg("Failed to write message store")
	}
}

// HealthCheck logs the connection state of every active session.
func (m *Manager) HealthCheck() {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.RUnlock()

	for _, sess := range sessions {
		if sess.Client == nil {
			continue
		}
		if !sess.Client.IsConnected() || !sess.Client.IsLoggedIn() {
			log.Warn().Str("session", sess.ID).Str("status", string(sess.Status().Status)).Msg("Session unhealthy")
		} else {
			log.Debug().Str("session", sess.ID).Msg("Session healthy")
		}
	}
}

// Shutdown disconnects every session and flushes the message store.
// Credentials are kept so sessions resume on the next start.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.markClosed()
		sess.release()
	}
	m.FlushStore()
}
