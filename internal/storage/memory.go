package storage

import (
	"context"
	"sync"
	"time"

	"blockremote/internal/model"
)

// memoryStore keeps the most recent audit records in a bounded buffer. It is
// meant for development and tests; nothing survives a restart.
type memoryStore struct {
	mu      sync.RWMutex
	buf     []model.AuditRecord
	byKey   map[string]int64
	signals map[int64]model.Signal
	limit   int
	nextID  int64
	nextSig int64
}

func NewMemory(limit int) Store {
	if limit <= 0 {
		limit = 10000
	}
	return &memoryStore{
		byKey:   make(map[string]int64),
		signals: make(map[int64]model.Signal),
		limit:   limit,
	}
}

func (s *memoryStore) Init(context.Context) error { return nil }

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) SaveSignal(_ context.Context, sig model.Signal) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSig++
	sig.ID = s.nextSig
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = nowUTC()
	}
	s.signals[sig.ID] = sig
	return sig.ID, nil
}

func (s *memoryStore) InsertAudit(_ context.Context, rec model.AuditRecord) (model.AuditRecord, bool, error) {
	if rec.DedupeKey == "" {
		return model.AuditRecord{}, false, ErrMissingDedupeKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byKey[rec.DedupeKey]; ok {
		if i := s.indexOf(id); i >= 0 {
			return s.buf[i], false, nil
		}
	}
	s.nextID++
	rec.ID = s.nextID
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = nowUTC()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	if len(s.buf) >= s.limit {
		delete(s.byKey, s.buf[0].DedupeKey)
		copy(s.buf, s.buf[1:])
		s.buf = s.buf[:len(s.buf)-1]
	}
	s.buf = append(s.buf, rec)
	s.byKey[rec.DedupeKey] = rec.ID
	return rec, true, nil
}

func (s *memoryStore) MarkPublished(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOf(id); i >= 0 && s.buf[i].PublishedAt == nil {
		ts := at.UTC()
		s.buf[i].PublishedAt = &ts
	}
	return nil
}

// ListAudit returns newest first.
func (s *memoryStore) ListAudit(_ context.Context, limit int) ([]model.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > MaxAuditQuery {
		limit = MaxAuditQuery
	}
	if limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.AuditRecord, 0, limit)
	for i := len(s.buf) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.buf[i])
	}
	return out, nil
}

func (s *memoryStore) indexOf(id int64) int {
	for i := len(s.buf) - 1; i >= 0; i-- {
		if s.buf[i].ID == id {
			return i
		}
	}
	return -1
}
