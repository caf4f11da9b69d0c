package approvals

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record), now: time.Now}
}

func (s *MemoryStore) Create(_ context.Context, rec Record) (Record, error) {
	rec, err := prepareCreate(rec, s.now())
	if err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; exists {
		return Record{}, fmt.Errorf("%w: id %q already exists", ErrConflict, rec.ID)
	}
	s.records[rec.ID] = cloneRecord(rec)
	return cloneRecord(rec), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]Record, error) {
	s.mu.Lock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if filter.CallID != "" && rec.CallID != filter.CallID {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit := normalizeLimit(filter.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Transition(_ context.Context, id string, from Status, upd Update) (Record, error) {
	if !upd.Status.Valid() {
		return Record{}, fmt.Errorf("invalid target status %q", upd.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	if rec.Status != from {
		return Record{}, fmt.Errorf("%w: %s is %s, not %s", ErrConflict, id, rec.Status, from)
	}
	rec.Status = upd.Status
	rec.Result = append(json.RawMessage(nil), upd.Result...)
	rec.Error = upd.Error
	rec.DecidedBy = upd.DecidedBy
	rec.UpdatedAt = s.now().UTC()
	s.records[id] = rec
	return cloneRecord(rec), nil
}

func prepareCreate(rec Record, now time.Time) (Record, error) {
	if strings.TrimSpace(rec.ActionName) == "" {
		return Record{}, fmt.Errorf("approval action name is required")
	}
	if rec.ID == "" {
		rec.ID = "apr_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if rec.Status == "" {
		rec.Status = StatusAwaitingConfirmation
	}
	if !rec.Status.Valid() {
		return Record{}, fmt.Errorf("invalid approval status %q", rec.Status)
	}
	if rec.Arguments == nil {
		rec.Arguments = map[string]any{}
	}
	now = now.UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	return rec, nil
}

func cloneRecord(rec Record) Record {
	out := rec
	if rec.Arguments != nil {
		out.Arguments = make(map[string]any, len(rec.Arguments))
		for k, v := range rec.Arguments {
			out.Arguments[k] = v
		}
	}
	out.Reasons = append([]string(nil), rec.Reasons...)
	out.Result = append(json.RawMessage(nil), rec.Result...)
	return out
}
