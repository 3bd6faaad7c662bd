package whatsapp

import (
	"context"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store/sqlstore"
)

// State is the connection state of a session.
type State string

const (
	StateConnecting   State = "connecting"
	StateQR           State = "qr"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

// StartOptions controls how a session is started.
type StartOptions struct {
	// PrintQRCode prints pairing QR codes to the terminal.
	PrintQRCode bool
}

// Session is one device pairing, keyed by its session id.
type Session struct {
	ID     string
	Client *whatsmeow.Client

	container *sqlstore.Container
	opts      StartOptions
	cancel    context.CancelFunc

	state     State
	qrDataURL string
	waNumber  string
	waName    string
	closed    bool

	mu sync.RWMutex
}

func newSession(id string, opts StartOptions) *Session {
	return &Session{
		ID:    id,
		opts:  opts,
		state: StateConnecting,
	}
}

// Status is a snapshot of a session suitable for API responses.
type Status struct {
	SessionID string `json:"sessionId"`
	Status    State  `json:"status"`
	WANumber  string `json:"waNumber,omitempty"`
	WAName    string `json:"waName,omitempty"`
	QRCode    string `json:"qr,omitempty"`
}

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Status{
		SessionID: s.ID,
		Status:    s.state,
		WANumber:  s.waNumber,
		WAName:    s.waName,
		QRCode:    s.qrDataURL,
	}
}

func (s *Session) setQR(dataURL string) {
	s.mu.Lock()
	s.state = StateQR
	s.qrDataURL = dataURL
	s.mu.Unlock()
}

func (s *Session) setConnected(number, name string) {
	s.mu.Lock()
	s.state = StateConnected
	s.qrDataURL = ""
	if number != "" {
		s.waNumber = number
	}
	s.waName = name
	s.mu.Unlock()
}

// markClosed flags the session as closed and reports whether this call did it.
func (s *Session) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	s.closed = true
	s.state = StateDisconnected
	return true
}

// release stops the client and closes the credential store.
func (s *Session) release() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.Client != nil {
		s.Client.Disconnect()
	}
	if s.container != nil {
		s.container.Close()
	}
}
