package whatsapp

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

// StoredMessage is the persisted form of a received message.
type StoredMessage struct {
	SessionID string `json:"sessionId"`
	ID        string `json:"id"`
	Chat      string `json:"chat"`
	Sender    string `json:"sender"`
	PushName  string `json:"pushName,omitempty"`
	Body      string `json:"body"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
	FromMe    bool   `json:"fromMe"`
	IsGroup   bool   `json:"isGroup"`
}

// MessageStore keeps recent messages in memory so they can be looked up by
// key and periodically written to disk.
type MessageStore struct {
	items *cache.Cache
	ttl   time.Duration
}

type storeEntry struct {
	Key        string        `json:"key"`
	Message    StoredMessage `json:"message"`
	Expiration int64         `json:"expiration"`
}

func NewMessageStore(ttl time.Duration) *MessageStore {
	return &MessageStore{
		items: cache.New(ttl, time.Hour),
		ttl:   ttl,
	}
}

func storeKey(sessionID, chat, id string) string {
	return sessionID + "|" + chat + "|" + id
}

func (s *MessageStore) Put(msg StoredMessage) {
	s.items.SetDefault(storeKey(msg.SessionID, msg.Chat, msg.ID), msg)
}

// Load returns the message with the given key.
func (s *MessageStore) Load(sessionID, chat, id string) (StoredMessage, bool) {
	v, ok := s.items.Get(storeKey(sessionID, chat, id))
	if !ok {
		return StoredMessage{}, false
	}
	return v.(StoredMessage), true
}

// Chat returns up to limit of the latest messages of a chat, oldest first.
func (s *MessageStore) Chat(sessionID, chat string, limit int) []StoredMessage {
	prefix := sessionID + "|" + chat + "|"

	var out []StoredMessage
	for key, item := range s.items.Items() {
		if strings.HasPrefix(key, prefix) {
			out = append(out, item.Object.(StoredMessage))
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp == out[j].Timestamp {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp < out[j].Timestamp
	})

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// DeleteSession drops every message of a session.
func (s *MessageStore) DeleteSession(sessionID string) {
	prefix := sessionID + "|"
	for key := range s.items.Items() {
		if strings.HasPrefix(key, prefix) {
			s.items.Delete(key)
		}
	}
}

func (s *MessageStore) Len() int {
	return s.items.ItemCount()
}

// WriteToFile writes the store as JSON, replacing path atomically.
func (s *MessageStore) WriteToFile(path string) error {
	items := s.items.Items()
	entries := make([]storeEntry, 0, len(items))
	for key, item := range items {
		entries = append(entries, storeEntry{
			Key:        key,
			Message:    item.Object.(StoredMessage),
			Expiration: item.Expiration,
		})
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to marshal message store: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write message store: %w", err)
	}
	return os.Rename(tmp, path)
}

// ReadFromFile loads entries written by WriteToFile. A missing file is not an
// error. Expired entries are skipped.
func (s *MessageStore) ReadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read message store: %w", err)
	}

	var entries []storeEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to unmarshal message store: %w", err)
	}

	now := time.Now()
	for _, e := range entries {
		ttl := cache.NoExpiration
		if e.Expiration > 0 {
			ttl = time.Unix(0, e.Expiration).Sub(now)
			if ttl <= 0 {
				continue
			}
		}
		s.items.Set(e.Key, e.Message, ttl)
	}
	return nil
}
