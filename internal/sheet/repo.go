package sheet

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// NotFoundError reports a sheet or version id with no backing document.
type NotFoundError struct {
	Kind string
	ID   uuid.UUID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// Repository resolves sheet and version ids to documents. The calculation
// pipeline only reads; persistence lives behind this interface.
type Repository interface {
	FetchSheet(ctx context.Context, id uuid.UUID) (*Sheet, error)
	FetchVersion(ctx context.Context, id uuid.UUID) (*Version, error)
}

// MemoryRepository is an in-memory Repository, used by tests and by the CLI
// after loading documents from disk.
type MemoryRepository struct {
	mu       sync.RWMutex
	sheets   map[uuid.UUID]*Sheet
	versions map[uuid.UUID]*Version
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sheets:   map[uuid.UUID]*Sheet{},
		versions: map[uuid.UUID]*Version{},
	}
}

func (r *MemoryRepository) AddSheet(s *Sheet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sheets[s.ID] = s
}

func (r *MemoryRepository) AddVersion(v *Version) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.versions[v.ID] = v
}

func (r *MemoryRepository) FetchSheet(ctx context.Context, id uuid.UUID) (*Sheet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sheets[id]
	if !ok {
		return nil, &NotFoundError{Kind: "sheet", ID: id}
	}
	return s, nil
}

// Sheets returns every loaded sheet, for listing and name lookup.
func (r *MemoryRepository) Sheets() []*Sheet {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Sheet, 0, len(r.sheets))
	for _, s := range r.sheets {
		out = append(out, s)
	}
	return out
}

func (r *MemoryRepository) FetchVersion(ctx context.Context, id uuid.UUID) (*Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.versions[id]
	if !ok {
		return nil, &NotFoundError{Kind: "version", ID: id}
	}
	return v, nil
}
