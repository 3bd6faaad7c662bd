package whatsapp

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
)

const (
	EventConnecting   = "connecting"
	EventQR           = "qr"
	EventConnected    = "connected"
	EventClosed       = "closed"
	EventDisconnected = "disconnected"
	EventMessage      = "message"
	EventReceipt      = "message_ack"
	EventHistorySync  = "history_sync"
	EventCall         = "call"
)

// Event represents a session event delivered to subscribers.
type Event struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

func (m *Manager) handleEvent(sess *Session, evt interface{}) {
	// a replaced or deleted socket may still deliver events
	if !m.isCurrent(sess) {
		return
	}

	switch v := evt.(type) {
	case *events.Connected:
		m.retries.reset(sess.ID)

		var number string
		if id := sess.Client.Store.ID; id != nil {
			number = id.User
		}
		sess.setConnected(number, sess.Client.Store.PushName)
		st := sess.Status()

		log.Info().Str("session", sess.ID).Str("number", st.WANumber).Msg("WhatsApp connected")
		m.listeners.emitConnected(sess.ID)
		m.publishEvent(Event{
			Type:      EventConnected,
			SessionID: sess.ID,
			Data: map[string]string{
				"number": st.WANumber,
				"name":   st.WAName,
			},
		})

	case *events.PairSuccess:
		log.Info().Str("session", sess.ID).Str("jid", v.ID.String()).Str("platform", v.Platform).Msg("WhatsApp paired successfully")

	case *events.LoggedOut:
		m.handleClose(sess, true, v.Reason.String())

	case *events.ConnectFailure:
		m.handleClose(sess, v.Reason.IsLoggedOut(), v.Reason.String())

	case *events.Disconnected:
		m.handleClose(sess, false, "connection lost")

	case *events.StreamReplaced:
		m.handleClose(sess, false, "stream replaced")

	case *events.TemporaryBan:
		log.Warn().Str("session", sess.ID).Str("code", v.Code.String()).Dur("expire", v.Expire).Msg("Temporary ban")
		m.handleClose(sess, false, "temporary ban")

	case *events.ClientOutdated:
		m.handleClose(sess, false, "client outdated")

	case *events.KeepAliveTimeout:
		log.Warn().Str("session", sess.ID).Int("errors", v.ErrorCount).Msg("Keepalive timeout")

	case *events.Message:
		m.handleMessage(sess, v)

	case *events.HistorySync:
		m.handleHistorySync(sess, v)

	case *events.Receipt:
		m.publishEvent(Event{
			Type:      EventReceipt,
			SessionID: sess.ID,
			Data: map[string]interface{}{
				"messageIds": v.MessageIDs,
				"type":       fmt.Sprintf("%v", v.Type),
				"from":       v.MessageSource.Sender.String(),
			},
		})

	case *events.Presence:
		if v.Unavailable {
			log.Debug().Str("session", sess.ID).Str("from", v.From.String()).Time("lastSeen", v.LastSeen).Msg("Contact offline")
		} else {
			log.Debug().Str("session", sess.ID).Str("from", v.From.String()).Msg("Contact online")
		}

	case *events.ChatPresence:
		log.Debug().Str("session", sess.ID).Str("chat", v.Chat.String()).Str("state", string(v.State)).Msg("Chat presence")

	case *events.Picture:
		if v.Remove {
			log.Info().Str("session", sess.ID).Str("jid", v.JID.String()).Msg("Contact removed their profile picture")
		} else {
			log.Info().Str("session", sess.ID).Str("jid", v.JID.String()).Str("pictureId", v.PictureID).Msg("Contact has a new profile picture")
		}

	case *events.CallOffer:
		log.Info().Str("session", sess.ID).Str("from", v.CallCreator.String()).Str("callId", v.CallID).Msg("Incoming call")
		m.publishEvent(Event{
			Type:      EventCall,
			SessionID: sess.ID,
			Data: map[string]interface{}{
				"from":   v.CallCreator.String(),
				"callId": v.CallID,
				"type":   "offer",
			},
		})

	case *events.DeleteChat:
		log.Info().Str("session", sess.ID).Str("chat", v.JID.String()).Msg("Chat deleted")

	case *events.LabelEdit:
		log.Debug().Str("session", sess.ID).Str("label", v.LabelID).Msg("Label edited")

	case *events.LabelAssociationChat:
		log.Debug().Str("session", sess.ID).Str("label", v.LabelID).Str("chat", v.JID.String()).Msg("Label association changed")
	}
}

func (m *Manager) handleMessage(sess *Session, evt *events.Message) {
	msg := toStoredMessage(sess.ID, evt)
	if m.store != nil {
		m.store.Put(msg)
	}

	if update := evt.Message.GetPollUpdateMessage(); update != nil {
		m.logPollUpdate(sess, evt.Info.Chat, update.GetPollCreationMessageKey().GetID())
	}

	log.Debug().Str("session", sess.ID).Str("from", msg.Sender).Str("type", msg.Type).Msg("Message received")
	m.listeners.emitMessage(sess.ID, msg)
	m.publishEvent(Event{Type: EventMessage, SessionID: sess.ID, Data: msg})

	if m.replies && sess.Client != nil && shouldAutoReply(evt) {
		go m.autoReply(sess, evt)
	}
}

// logPollUpdate reports a vote together with the poll it belongs to when the
// poll is in the store. Votes are encrypted and are not tallied.
func (m *Manager) logPollUpdate(sess *Session, chat types.JID, pollID string) {
	l := log.Info().Str("session", sess.ID).Str("chat", chat.String()).Str("poll", pollID)
	if m.store != nil {
		if poll, ok := m.store.Load(sess.ID, chat.String(), pollID); ok {
			l = l.Str("question", poll.Body)
		}
	}
	l.Msg("Got poll update")
}

func (m *Manager) handleHistorySync(sess *Session, evt *events.HistorySync) {
	conversations := evt.Data.GetConversations()
	log.Info().Str("session", sess.ID).Int("conversations", len(conversations)).Msg("Received history sync")

	if m.store != nil && sess.Client != nil {
		stored := 0
		for _, conv := range conversations {
			chat, err := types.ParseJID(conv.GetID())
			if err != nil {
				continue
			}
			for _, historyMsg := range conv.GetMessages() {
				webMsg := historyMsg.GetMessage()
				if webMsg == nil {
					continue
				}
				parsed, err := sess.Client.ParseWebMessage(chat, webMsg)
				if err != nil {
					log.Warn().Err(err).Str("session", sess.ID).Msg("Failed to parse history message")
					continue
				}
				m.store.Put(toStoredMessage(sess.ID, parsed))
				stored++
			}
		}
		log.Debug().Str("session", sess.ID).Int("messages", stored).Msg("History messages stored")
	}

	m.publishEvent(Event{
		Type:      EventHistorySync,
		SessionID: sess.ID,
		Data: map[string]interface{}{
			"conversations": len(conversations),
		},
	})
}

func (m *Manager) watchQR(sess *Session, qrChan <-chan whatsmeow.QRChannelItem) {
	for item := range qrChan {
		switch item.Event {
		case whatsmeow.QRChannelEventCode:
			m.handleQR(sess, item.Code)
		case whatsmeow.QRChannelSuccess.Event:
			log.Info().Str("session", sess.ID).Msg("QR code scanned")
		case whatsmeow.QRChannelTimeout.Event:
			m.handleClose(sess, false, "qr code timed out")
		default:
			log.Warn().Err(item.Error).Str("session", sess.ID).Str("event", item.Event).Msg("QR channel closed")
			m.handleClose(sess, false, item.Event)
		}
	}
}

func (m *Manager) handleQR(sess *Session, code string) {
	if !m.isCurrent(sess) {
		return
	}

	dataURL, err := qrDataURL(code)
	if err != nil {
		log.Error().Err(err).Str("session", sess.ID).Msg("Failed to render QR code")
	}
	sess.setQR(dataURL)

	if sess.opts.PrintQRCode && m.qrOut != nil {
		printQR(m.qrOut, code)
	}

	log.Info().Str("session", sess.ID).Msg("QR code generated")
	m.listeners.emitQR(sess.ID, code)
	m.publishEvent(Event{
		Type:      EventQR,
		SessionID: sess.ID,
		Data: map[string]string{
			"qr": dataURL,
		},
	})
}

// handleClose runs once per socket. It schedules a reconnect, or gives the
// session up when it was logged out or retries are exhausted.
func (m *Manager) handleClose(sess *Session, loggedOut bool, reason string) {
	if !m.isCurrent(sess) || !sess.markClosed() {
		return
	}

	log.Warn().Str("session", sess.ID).Bool("loggedOut", loggedOut).Str("reason", reason).Msg("Connection closed")
	m.publishEvent(Event{
		Type:      EventClosed,
		SessionID: sess.ID,
		Data: map[string]interface{}{
			"reason":    reason,
			"loggedOut": loggedOut,
		},
	})

	retry, attempt, delay := m.retries.next(sess.ID, loggedOut)
	if !retry {
		go m.giveUp(sess)
		return
	}

	log.Info().Str("session", sess.ID).Int("attempt", attempt).Dur("delay", delay).Msg("Reconnecting session")
	go m.reconnect(sess, delay)
}

func (m *Manager) reconnect(sess *Session, delay time.Duration) {
	for {
		time.Sleep(delay)

		// deleted or replaced while waiting
		if !m.isCurrent(sess) {
			return
		}

		_, err := m.startFn(context.Background(), sess.ID, sess.opts)
		if err == nil || !m.isCurrent(sess) {
			// the new socket handles its own closes
			return
		}
		log.Error().Err(err).Str("session", sess.ID).Msg("Reconnect failed")

		var retry bool
		var attempt int
		retry, attempt, delay = m.retries.next(sess.ID, false)
		if !retry {
			m.giveUp(sess)
			return
		}
		log.Info().Str("session", sess.ID).Int("attempt", attempt).Dur("delay", delay).Msg("Reconnecting session")
	}
}

// giveUp removes a session whose socket closed for good. It does nothing
// when another socket took over the id in the meantime.
func (m *Manager) giveUp(sess *Session) {
	removed, err := m.cleanup(sess.ID, sess)
	if err != nil {
		log.Error().Err(err).Str("session", sess.ID).Msg("Failed to remove session")
	}
	if !removed {
		log.Debug().Str("session", sess.ID).Msg("Session replaced, keeping it")
		return
	}

	m.listeners.emitDisconnected(sess.ID)
	m.publishEvent(Event{Type: EventDisconnected, SessionID: sess.ID})
	log.Info().Str("session", sess.ID).Msg("Connection closed. You are logged out.")
}

// Subscribe to events for a session
func (m *Manager) Subscribe(sessionID string) chan Event {
	m.eventSubsMu.Lock()
	defer m.eventSubsMu.Unlock()

	ch := make(chan Event, 100)
	m.eventSubs[sessionID] = append(m.eventSubs[sessionID], ch)
	return ch
}

// Unsubscribe from events
func (m *Manager) Unsubscribe(sessionID string, ch chan Event) {
	m.eventSubsMu.Lock()
	defer m.eventSubsMu.Unlock()

	subs := m.eventSubs[sessionID]
	for i, sub := range subs {
		if sub == ch {
			m.eventSubs[sessionID] = append(subs[:i], subs[i+1:]...)
			close(ch)
			break
		}
	}
	if len(m.eventSubs[sessionID]) == 0 {
		delete(m.eventSubs, sessionID)
	}
}

// publishEvent publishes event to all subscribers
func (m *Manager) publishEvent(evt Event) {
	if evt.Timestamp == 0 {
		evt.Timestamp = time.Now().Unix()
	}

	m.eventSubsMu.RLock()
	defer m.eventSubsMu.RUnlock()

	for _, ch := range m.eventSubs[evt.SessionID] {
		select {
		case ch <- evt:
		default:
			// Channel full, skip
		}
	}
}
