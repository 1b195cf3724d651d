// Package idempotency remembers the outcome of action requests so a client
// retrying with the same key gets the first response replayed instead of a
// second transaction.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Record is the accepted outcome of one action request.
type Record struct {
	Action      string          `json:"action"`
	ClientKey   string          `json:"clientKey"`
	Kind        string          `json:"kind"`
	StatusCode  int             `json:"statusCode"`
	Response    json.RawMessage `json:"response"`
	SubmittedAt time.Time       `json:"submittedAt"`
	ExpiresAt   time.Time       `json:"expiresAt"`
}

func (r Record) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Store persists accepted actions. Lookup returns nil for unknown or expired
// records. Remember keeps the first live record per action and client key, and
// the same client key used for a mint and a withdraw does not collide.
type Store interface {
	Lookup(ctx context.Context, action, clientKey string) (*Record, error)
	Remember(ctx context.Context, record Record) error
	Purge(ctx context.Context) (int, error)
}

type recordID struct {
	action    string
	clientKey string
}

func idOf(r Record) recordID {
	return recordID{action: r.Action, clientKey: r.ClientKey}
}

// MemoryStore keeps records in process.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[recordID]Record
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[recordID]Record),
		now:     time.Now,
	}
}

func (m *MemoryStore) Lookup(_ context.Context, action, clientKey string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[recordID{action, clientKey}]
	if !ok || rec.Expired(m.now()) {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Remember(_ context.Context, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	keepFirst(m.records, record, m.now())
	return nil
}

func (m *MemoryStore) Purge(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return purge(m.records, m.now()), nil
}

// Len reports how many records are held, expired ones included.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// FileStore keeps records in memory and rewrites them to a JSON file on every
// change. Expired records are dropped on load.
type FileStore struct {
	path    string
	mu      sync.Mutex
	records map[recordID]Record
	now     func() time.Time
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path:    path,
		records: make(map[recordID]Record),
		now:     time.Now,
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	var list []Record
	if err := json.Unmarshal(blob, &list); err != nil {
		return err
	}
	now := f.now()
	for _, rec := range list {
		if !rec.Expired(now) {
			f.records[idOf(rec)] = rec
		}
	}
	return nil
}

// persist writes records oldest first so the file reads as an action log.
func (f *FileStore) persist() error {
	list := make([]Record, 0, len(f.records))
	for _, rec := range f.records {
		list = append(list, rec)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].SubmittedAt.Before(list[j].SubmittedAt)
	})

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, blob, 0o600)
}

func (f *FileStore) Lookup(_ context.Context, action, clientKey string) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[recordID{action, clientKey}]
	if !ok || rec.Expired(f.now()) {
		return nil, nil
	}
	return &rec, nil
}

func (f *FileStore) Remember(_ context.Context, record Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !keepFirst(f.records, record, f.now()) {
		return nil
	}
	return f.persist()
}

func (f *FileStore) Purge(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := purge(f.records, f.now())
	if n == 0 {
		return 0, nil
	}
	return n, f.persist()
}

// keepFirst stores record unless a live record with the same id exists, and
// reports whether it stored it.
func keepFirst(records map[recordID]Record, record Record, now time.Time) bool {
	id := idOf(record)
	if prev, ok := records[id]; ok && !prev.Expired(now) {
		return false
	}
	records[id] = record
	return true
}

func purge(records map[recordID]Record, now time.Time) int {
	n := 0
	for id, rec := range records {
		if rec.Expired(now) {
			delete(records, id)
			n++
		}
	}
	return n
}
