package whatsapp

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

const autoReplyText = "Hello there!"

// SentMessage describes a message accepted by WhatsApp.
type SentMessage struct {
	ID        string    `json:"id"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// SendMessage sends a text message from a session to a phone number given
// as international digits.
func (m *Manager) SendMessage(ctx context.Context, sessionID, phone, text string) (*SentMessage, error) {
	sess, ok := m.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	client := sess.Client
	if client == nil || !client.IsLoggedIn() {
		return nil, ErrNotConnected
	}

	users, err := client.IsOnWhatsApp(ctx, []string{phone})
	if err != nil {
		log.Error().Err(err).Str("session", sessionID).Str("to", phone).Msg("Failed to check if user is on WhatsApp")
		return nil, fmt.Errorf("failed to check if user is on WhatsApp: %w", err)
	}
	if len(users) == 0 || !users[0].IsIn || users[0].JID.User == "" {
		return nil, ErrNotRegistered
	}

	jid := users[0].JID
	resp, err := client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		log.Error().Err(err).Str("session", sessionID).Str("jid", jid.String()).Msg("Send message failed")
		return nil, fmt.Errorf("whatsmeow send error: %w", err)
	}

	log.Info().Str("session", sessionID).Str("msgId", resp.ID).Msg("Message sent successfully")
	return &SentMessage{ID: resp.ID, To: jid.String(), Timestamp: resp.Timestamp}, nil
}

// sendWithTyping shows the composing indicator for a moment before sending.
func (m *Manager) sendWithTyping(ctx context.Context, sess *Session, jid types.JID, text string) error {
	client := sess.Client

	client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
	if err := sleepContext(ctx, m.typingDelay); err != nil {
		return err
	}
	client.SendChatPresence(ctx, jid, types.ChatPresencePaused, types.ChatPresenceMediaText)

	_, err := client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	return err
}

// autoReply marks an incoming message read and answers it.
func (m *Manager) autoReply(sess *Session, evt *events.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	log.Info().Str("session", sess.ID).Str("chat", evt.Info.Chat.String()).Msg("Replying to message")

	err := sess.Client.MarkRead(ctx, []types.MessageID{evt.Info.ID}, time.Now(), evt.Info.Chat, evt.Info.Sender)
	if err != nil {
		log.Warn().Err(err).Str("session", sess.ID).Msg("Failed to mark message as read")
	}

	if err := m.sendWithTyping(ctx, sess, evt.Info.Chat, autoReplyText); err != nil {
		log.Error().Err(err).Str("session", sess.ID).Msg("Auto reply failed")
	}
}

// shouldAutoReply reports whether an incoming message gets the automatic reply.
func shouldAutoReply(evt *events.Message) bool {
	if evt.Info.IsFromMe {
		return false
	}
	return evt.Info.Chat.Server != types.BroadcastServer
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// toStoredMessage flattens a message event without downloading media.
func toStoredMessage(sessionID string, msg *events.Message) StoredMessage {
	body, msgType := messageContent(msg.Message)

	return StoredMessage{
		SessionID: sessionID,
		ID:        msg.Info.ID,
		Chat:      msg.Info.Chat.String(),
		Sender:    msg.Info.Sender.String(),
		PushName:  msg.Info.PushName,
		Body:      body,
		Type:      msgType,
		Timestamp: msg.Info.Timestamp.Unix(),
		FromMe:    msg.Info.IsFromMe,
		IsGroup:   msg.Info.IsGroup,
	}
}

func messageContent(msg *waE2E.Message) (body, msgType string) {
	switch {
	case msg.GetConversation() != "":
		return msg.GetConversation(), "text"
	case msg.GetExtendedTextMessage() != nil:
		return msg.GetExtendedTextMessage().GetText(), "text"
	case msg.GetImageMessage() != nil:
		return msg.GetImageMessage().GetCaption(), "image"
	case msg.GetVideoMessage() != nil:
		return msg.GetVideoMessage().GetCaption(), "video"
	case msg.GetAudioMessage() != nil:
		return "", "audio"
	case msg.GetDocumentMessage() != nil:
		return msg.GetDocumentMessage().GetCaption(), "document"
	case msg.GetStickerMessage() != nil:
		return "", "sticker"
	case msg.GetLocationMessage() != nil:
		return msg.GetLocationMessage().GetName(), "location"
	case msg.GetReactionMessage() != nil:
		return msg.GetReactionMessage().GetText(), "reaction"
	case msg.GetPollCreationMessage() != nil:
		return msg.GetPollCreationMessage().GetName(), "poll"
	case msg.GetPollCreationMessageV3() != nil:
		return msg.GetPollCreationMessageV3().GetName(), "poll"
	case msg.GetPollUpdateMessage() != nil:
		return "", "poll_update"
	}
	return "", "unknown"
}
