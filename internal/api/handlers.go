package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow/types"

	"expresso-wa/internal/phone"
	"expresso-wa/internal/whatsapp"
)

const (
	defaultMessageLimit = 20
	maxMessageLimit     = 100
)

// SessionService is the part of the session manager the API uses.
type SessionService interface {
	Start(ctx context.Context, sessionID string, opts whatsapp.StartOptions) error
	WaitForQR(ctx context.Context, sessionID string) (whatsapp.Status, error)
	Status(sessionID string) (whatsapp.Status, bool)
	List() []whatsapp.Status
	Delete(ctx context.Context, sessionID string) error
	SendMessage(ctx context.Context, sessionID, phone, text string) (*whatsapp.SentMessage, error)
	Messages(sessionID, chat string, limit int) []whatsapp.StoredMessage
	Subscribe(sessionID string) chan whatsapp.Event
	Unsubscribe(sessionID string, ch chan whatsapp.Event)
}

// Handlers contains HTTP handlers
type Handlers struct {
	sessions SessionService
	country  string
	qrWait   time.Duration
	upgrader websocket.Upgrader
}

// NewHandlers creates new handlers. Phone numbers without a country code are
// read as numbers of country; qrWait bounds how long session creation waits
// for the first QR code.
func NewHandlers(sessions SessionService, country string, qrWait time.Duration) *Handlers {
	return &Handlers{
		sessions: sessions,
		country:  country,
		qrWait:   qrWait,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// writeError maps manager errors to a status code.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	message := err.Error()

	switch {
	case errors.Is(err, whatsapp.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, whatsapp.ErrInvalidSessionID),
		errors.Is(err, whatsapp.ErrNotConnected),
		errors.Is(err, whatsapp.ErrNotRegistered),
		errors.Is(err, whatsapp.ErrSessionClosed):
		status = http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
		message = "timed out waiting for whatsapp"
	}

	l := zerolog.Ctx(r.Context())
	if status >= http.StatusInternalServerError {
		l.Error().Err(err).Msg("Request failed")
	} else {
		l.Warn().Err(err).Int("status", status).Msg("Request rejected")
	}
	errorResponse(w, status, message)
}

// Index reports that the gateway is up along with the active sessions.
func (h *Handlers) Index(w http.ResponseWriter, r *http.Request) {
	messageResponse(w, "expresso whatsapp is ready...", h.sessions.List())
}

func (h *Handlers) Forbidden(w http.ResponseWriter, r *http.Request) {
	errorResponse(w, http.StatusForbidden, "Forbidden")
}

func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	errorResponse(w, http.StatusNotFound, "route not found")
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"sessions": len(h.sessions.List()),
	})
}

// CreateSession starts a session and answers with its first QR code, or with
// the connected status when the session is already paired.
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(r, &req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if verr := req.validate(); verr != nil {
		validationResponse(w, verr)
		return
	}

	l := zerolog.Ctx(r.Context())
	l.Info().Str("session", req.Session).Msg("Creating session")

	err := h.sessions.Start(r.Context(), req.Session, whatsapp.StartOptions{PrintQRCode: *req.Scan})
	if err != nil {
		// a failed connect still leaves the session retrying
		if _, ok := h.sessions.Status(req.Session); !ok || errors.Is(err, whatsapp.ErrInvalidSessionID) {
			writeError(w, r, err)
			return
		}
		l.Warn().Err(err).Str("session", req.Session).Msg("Session start failed, waiting for retry")
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.qrWait)
	defer cancel()

	st, err := h.sessions.WaitForQR(ctx, req.Session)
	if err != nil {
		writeError(w, r, err)
		return
	}

	successResponse(w, map[string]interface{}{
		"qr":     st.QRCode,
		"status": st.Status,
	})
}

func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	successResponse(w, h.sessions.List())
}

func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	st, ok := h.sessions.Status(sessionID)
	if !ok {
		errorResponse(w, http.StatusNotFound, "session not found: "+sessionID)
		return
	}
	successResponse(w, st)
}

// DeleteSession logs the session out and removes its credentials.
func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	if err := h.sessions.Delete(r.Context(), sessionID); err != nil {
		writeError(w, r, err)
		return
	}
	messageResponse(w, "session has been deleted", map[string]string{"sessionId": sessionID})
}

// SendMessage sends a text message to a phone number.
func (h *Handlers) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeBody(r, &req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if verr := req.validate(); verr != nil {
		validationResponse(w, verr)
		return
	}

	to, err := phone.FormatWhatsApp(req.Phone, h.country)
	if err != nil {
		verr := &ValidationError{}
		verr.add("phone", "phone is invalid")
		validationResponse(w, verr)
		return
	}

	sent, err := h.sessions.SendMessage(r.Context(), req.SessionID, to, req.Message)
	if err != nil {
		writeError(w, r, err)
		return
	}
	successResponse(w, sent)
}

// ListMessages returns stored messages of one chat. The chat may be a JID or
// a phone number.
func (h *Handlers) ListMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	query := r.URL.Query()

	chat := query.Get("chat")
	if chat == "" {
		verr := &ValidationError{}
		verr.add("chat", "chat is required")
		validationResponse(w, verr)
		return
	}
	if !strings.Contains(chat, "@") {
		number, err := phone.FormatWhatsApp(chat, h.country)
		if err != nil {
			verr := &ValidationError{}
			verr.add("chat", "chat is invalid")
			validationResponse(w, verr)
			return
		}
		chat = types.NewJID(number, types.DefaultUserServer).String()
	}

	limit := defaultMessageLimit
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			verr := &ValidationError{}
			verr.add("limit", "limit must be a positive number")
			validationResponse(w, verr)
			return
		}
		limit = min(n, maxMessageLimit)
	}

	if _, ok := h.sessions.Status(sessionID); !ok {
		errorResponse(w, http.StatusNotFound, "session not found: "+sessionID)
		return
	}

	messages := h.sessions.Messages(sessionID, chat, limit)
	if messages == nil {
		messages = []whatsapp.StoredMessage{}
	}
	successResponse(w, messages)
}

// SessionEvents streams the events of a session over a websocket.
func (h *Handlers) SessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]
	l := zerolog.Ctx(r.Context()).With().Str("session", sessionID).Logger()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Error().Err(err).Msg("Failed to upgrade WebSocket")
		return
	}
	defer conn.Close()

	l.Info().Msg("WebSocket connected")

	eventChan := h.sessions.Subscribe(sessionID)
	defer h.sessions.Unsubscribe(sessionID, eventChan)

	initial := whatsapp.Event{
		Type:      "status",
		SessionID: sessionID,
		Timestamp: time.Now().Unix(),
	}
	if st, ok := h.sessions.Status(sessionID); ok {
		initial.Data = st
	} else {
		initial.Data = whatsapp.Status{SessionID: sessionID, Status: whatsapp.StateDisconnected}
	}
	if err := conn.WriteJSON(initial); err != nil {
		return
	}

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	// Read goroutine (to detect disconnection)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event, ok := <-eventChan:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				l.Error().Err(err).Msg("Failed to write to WebSocket")
				return
			}

		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			l.Info().Msg("WebSocket disconnected")
			return
		}
	}
}
