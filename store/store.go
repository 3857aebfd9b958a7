// Package store implements the daemon's messages-store persistence
// contract: append/upsert, list-by-cursor, and receipt updates, kept
// in-memory per the project's explicit choice to leave SQLite persistence
// internals out of scope.
package store

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// MessageRecord is a stored LXMF message, keyed by the LXMF message id
// (hex SHA-256 over destination||source||payload_without_stamp).
type MessageRecord struct {
	ID            string
	Source        string
	Destination   string
	Title         []byte
	Content       []byte
	Timestamp     float64
	Direction     string // "in" or "out"
	Fields        map[string]interface{}
	ReceiptStatus *string
}

// AnnounceRecord is a stored destination announce, kept for paginated
// history/audit independent of the transport's own live path table.
type AnnounceRecord struct {
	ID          string
	Timestamp   float64
	Destination string
	Aspect      string
	AppData     []byte
}

// EncodeCursor formats the pagination cursor used by ListAnnounces:
// "{timestamp}:{id}".
func EncodeCursor(timestamp float64, id string) string {
	return fmt.Sprintf("%s:%s", strconv.FormatFloat(timestamp, 'f', -1, 64), id)
}

// ParseCursor splits a cursor produced by EncodeCursor back into its parts.
// It splits at the first colon, since a formatted timestamp never contains
// one, so the id itself may contain colons.
func ParseCursor(cursor string) (timestamp float64, id string, err error) {
	idx := strings.Index(cursor, ":")
	if idx < 0 {
		return 0, "", fmt.Errorf("store: malformed cursor %q", cursor)
	}
	ts, err := strconv.ParseFloat(cursor[:idx], 64)
	if err != nil {
		return 0, "", fmt.Errorf("store: malformed cursor timestamp %q: %w", cursor, err)
	}
	return ts, cursor[idx+1:], nil
}

// MessagesStore is the daemon's persistence contract. Schema evolution is
// additive: later fields on either record type must be nullable, and
// implementations must tolerate records written before a field existed.
type MessagesStore interface {
	InsertMessage(record MessageRecord) error
	ListMessages(limit int, beforeTimestamp *float64) ([]MessageRecord, error)
	InsertAnnounce(record AnnounceRecord) error
	ListAnnounces(limit int, beforeTimestamp *float64, beforeID *string) ([]AnnounceRecord, error)
	UpdateReceiptStatus(id, status string) error
	ClearMessages() error
	ClearAnnounces() error
}

// MemoryStore is an in-memory MessagesStore. Zero value is ready to use.
type MemoryStore struct {
	mu        sync.Mutex
	messages  map[string]MessageRecord
	announces map[string]AnnounceRecord
}

// NewMemoryStore returns a ready-to-use in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:  make(map[string]MessageRecord),
		announces: make(map[string]AnnounceRecord),
	}
}

// InsertMessage upserts record by id.
func (s *MemoryStore) InsertMessage(record MessageRecord) error {
	if record.ID == "" {
		return fmt.Errorf("store: message record has empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[record.ID] = record
	return nil
}

// ListMessages returns up to limit messages, ordered by descending
// timestamp, optionally starting strictly before beforeTimestamp.
func (s *MemoryStore) ListMessages(limit int, beforeTimestamp *float64) ([]MessageRecord, error) {
	s.mu.Lock()
	all := make([]MessageRecord, 0, len(s.messages))
	for _, m := range s.messages {
		all = append(all, m)
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].Timestamp != all[j].Timestamp {
			return all[i].Timestamp > all[j].Timestamp
		}
		return all[i].ID > all[j].ID
	})

	out := make([]MessageRecord, 0, limit)
	for _, m := range all {
		if beforeTimestamp != nil && m.Timestamp >= *beforeTimestamp {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// InsertAnnounce upserts record by id.
func (s *MemoryStore) InsertAnnounce(record AnnounceRecord) error {
	if record.ID == "" {
		return fmt.Errorf("store: announce record has empty id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.announces[record.ID] = record
	return nil
}

// ListAnnounces returns up to limit announces, ordered by descending
// (timestamp, id), optionally starting strictly before the cursor named by
// beforeTimestamp/beforeID (both must be set together to take effect,
// matching EncodeCursor's paired "{timestamp}:{id}" form).
func (s *MemoryStore) ListAnnounces(limit int, beforeTimestamp *float64, beforeID *string) ([]AnnounceRecord, error) {
	s.mu.Lock()
	all := make([]AnnounceRecord, 0, len(s.announces))
	for _, a := range s.announces {
		all = append(all, a)
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].Timestamp != all[j].Timestamp {
			return all[i].Timestamp > all[j].Timestamp
		}
		return all[i].ID > all[j].ID
	})

	hasCursor := beforeTimestamp != nil && beforeID != nil
	out := make([]AnnounceRecord, 0, limit)
	for _, a := range all {
		if hasCursor && !announceBefore(a, *beforeTimestamp, *beforeID) {
			continue
		}
		out = append(out, a)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func announceBefore(a AnnounceRecord, ts float64, id string) bool {
	if a.Timestamp != ts {
		return a.Timestamp < ts
	}
	return a.ID < id
}

// UpdateReceiptStatus sets the receipt status on a stored message. It is a
// no-op, not an error, if the id is unknown — receipts can race a message's
// own insert under concurrent delivery.
func (s *MemoryStore) UpdateReceiptStatus(id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil
	}
	m.ReceiptStatus = &status
	s.messages[id] = m
	return nil
}

// ClearMessages removes every stored message.
func (s *MemoryStore) ClearMessages() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = make(map[string]MessageRecord)
	return nil
}

// ClearAnnounces removes every stored announce.
func (s *MemoryStore) ClearAnnounces() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.announces = make(map[string]AnnounceRecord)
	return nil
}
