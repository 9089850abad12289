package chat

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps messages in process memory, newest first. It is safe
// for concurrent use and loses everything on restart.
type MemoryStore struct {
	mu       sync.Mutex
	messages []*Message // newest first
	now      Clock
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: UTCClock}
}

// WithClock replaces the store clock. Intended for tests.
func (s *MemoryStore) WithClock(clock Clock) *MemoryStore {
	s.mu.Lock()
	s.now = clock
	s.mu.Unlock()
	return s
}

func (s *MemoryStore) Append(_ context.Context, senderID, senderName, text string) (*Message, error) {
	text, err := NormalizeText(text)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msg := &Message{
		ID:         uuid.New().String(),
		SenderID:   senderID,
		SenderName: senderName,
		Text:       text,
		CreatedAt:  s.now().UTC().Truncate(time.Microsecond),
	}
	s.messages = append([]*Message{msg}, s.messages...)

	out := *msg
	return &out, nil
}

func (s *MemoryStore) Edit(_ context.Context, id, newText, requesterID string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return nil, ErrNotFound
	}
	msg := s.messages[i]
	if err := CheckEditable(msg, requesterID, s.now()); err != nil {
		return nil, err
	}
	text, err := NormalizeText(newText)
	if err != nil {
		return nil, err
	}
	msg.Text = text

	out := *msg
	return &out, nil
}

func (s *MemoryStore) Delete(_ context.Context, id, requesterID string, requesterIsAdmin bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOf(id)
	if i < 0 {
		return ErrNotFound
	}
	if err := CheckDeletable(s.messages[i], requesterID, requesterIsAdmin); err != nil {
		return err
	}
	s.messages = append(s.messages[:i], s.messages[i+1:]...)
	return nil
}

func (s *MemoryStore) ClearAll(_ context.Context, requesterIsAdmin bool) (int64, error) {
	if err := CheckClearable(requesterIsAdmin); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := int64(len(s.messages))
	s.messages = nil
	return n, nil
}

func (s *MemoryStore) ListRecent(_ context.Context, limit int) ([]Message, error) {
	limit = ClampLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.messages)
	if n > limit {
		n = limit
	}
	out := make([]Message, n)
	for i := 0; i < n; i++ {
		out[n-1-i] = *s.messages[i]
	}
	return out, nil
}

func (s *MemoryStore) indexOf(id string) int {
	for i, m := range s.messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}
