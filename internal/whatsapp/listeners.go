package whatsapp

import "sync"

type (
	QRListener      func(sessionID, qr string)
	SessionListener func(sessionID string)
	MessageListener func(sessionID string, msg StoredMessage)
)

// listeners holds one callback per kind; registering a new one replaces the
// previous.
type listeners struct {
	mu           sync.RWMutex
	qr           QRListener
	connecting   SessionListener
	connected    SessionListener
	disconnected SessionListener
	message      MessageListener
}

func (l *listeners) emitQR(sessionID, qr string) {
	l.mu.RLock()
	fn := l.qr
	l.mu.RUnlock()
	if fn != nil {
		fn(sessionID, qr)
	}
}

func (l *listeners) emitConnecting(sessionID string) {
	l.mu.RLock()
	fn := l.connecting
	l.mu.RUnlock()
	if fn != nil {
		fn(sessionID)
	}
}

func (l *listeners) emitConnected(sessionID string) {
	l.mu.RLock()
	fn := l.connected
	l.mu.RUnlock()
	if fn != nil {
		fn(sessionID)
	}
}

func (l *listeners) emitDisconnected(sessionID string) {
	l.mu.RLock()
	fn := l.disconnected
	l.mu.RUnlock()
	if fn != nil {
		fn(sessionID)
	}
}

func (l *listeners) emitMessage(sessionID string, msg StoredMessage) {
	l.mu.RLock()
	fn := l.message
	l.mu.RUnlock()
	if fn != nil {
		fn(sessionID, msg)
	}
}

// OnQRUpdated registers the callback for new pairing QR codes.
func (m *Manager) OnQRUpdated(fn QRListener) {
	m.listeners.mu.Lock()
	m.listeners.qr = fn
	m.listeners.mu.Unlock()
}

// OnConnecting registers the callback run before a socket connects.
func (m *Manager) OnConnecting(fn SessionListener) {
	m.listeners.mu.Lock()
	m.listeners.connecting = fn
	m.listeners.mu.Unlock()
}

// OnConnected registers the callback run when a session is online.
func (m *Manager) OnConnected(fn SessionListener) {
	m.listeners.mu.Lock()
	m.listeners.connected = fn
	m.listeners.mu.Unlock()
}

// OnDisconnected registers the callback run when a session is given up and
// its credentials removed.
func (m *Manager) OnDisconnected(fn SessionListener) {
	m.listeners.mu.Lock()
	m.listeners.disconnected = fn
	m.listeners.mu.Unlock()
}

// OnMessageReceived registers the callback for incoming messages.
func (m *Manager) OnMessageReceived(fn MessageListener) {
	m.listeners.mu.Lock()
	m.listeners.message = fn
	m.listeners.mu.Unlock()
}
