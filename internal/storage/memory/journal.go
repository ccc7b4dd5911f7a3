// Package memory is the in-process Journal used when no database is configured.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/denggit/DynamicSmartFlow3/internal/storage"
	"github.com/denggit/DynamicSmartFlow3/internal/types"
)

type Journal struct {
	mu        sync.RWMutex
	pending   map[string]storage.PendingTx
	fills     []types.Fill
	fillIDs   map[string]struct{}
	positions map[string]types.Position
	completed map[string]struct{}
}

var _ storage.Journal = (*Journal)(nil)

func NewJournal() *Journal {
	return &Journal{
		pending:   make(map[string]storage.PendingTx),
		fillIDs:   make(map[string]struct{}),
		positions: make(map[string]types.Position),
		completed: make(map[string]struct{}),
	}
}

func (j *Journal) RecordPending(_ context.Context, p storage.PendingTx) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.pending[p.Key] = p
	return nil
}

func (j *Journal) PendingFor(_ context.Context, key string) (*storage.PendingTx, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	p, ok := j.pending[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &p, nil
}

func (j *Journal) ListPending(_ context.Context) ([]storage.PendingTx, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]storage.PendingTx, 0, len(j.pending))
	for _, p := range j.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].SubmittedAt.Before(out[b].SubmittedAt) })
	return out, nil
}

func (j *Journal) ResolvePending(_ context.Context, key string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.pending, key)
	return nil
}

func (j *Journal) SaveFill(_ context.Context, f types.Fill) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, dup := j.fillIDs[f.ID]; dup {
		return storage.ErrDuplicateKey
	}
	j.fillIDs[f.ID] = struct{}{}
	j.fills = append(j.fills, f)
	return nil
}

func (j *Journal) Fills(_ context.Context, tokenMint string, since time.Time) ([]types.Fill, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []types.Fill
	for _, f := range j.fills {
		if f.TokenMint == tokenMint && !f.At.Before(since) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (j *Journal) SavePosition(_ context.Context, p types.Position) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.positions[p.TokenMint] = p
	return nil
}

func (j *Journal) LoadOpenPositions(_ context.Context) ([]types.Position, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []types.Position
	for _, p := range j.positions {
		if p.Active() {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].OpenedAt.Before(out[b].OpenedAt) })
	return out, nil
}

func (j *Journal) MarkCompleted(_ context.Context, key string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.completed[key] = struct{}{}
	return nil
}

func (j *Journal) IsCompleted(_ context.Context, key string) (bool, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	_, ok := j.completed[key]
	return ok, nil
}

func (j *Journal) Close() error { return nil }
