package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/felixgeelhaar/cadence/internal/campaign/domain"
)

// MemorySourceStore is an in-memory implementation of domain.SourceStore
// for development and testing.
type MemorySourceStore struct {
	mu   sync.RWMutex
	docs map[domain.SourceRef]map[string]any
}

// NewMemorySourceStore creates a new in-memory source store.
func NewMemorySourceStore() *MemorySourceStore {
	return &MemorySourceStore{
		docs: make(map[domain.SourceRef]map[string]any),
	}
}

// Fetch loads one document by its reference.
func (s *MemorySourceStore) Fetch(ctx context.Context, ref domain.SourceRef) (*domain.SourceDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, ok := s.docs[ref]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrSourceNotFound, ref.String())
	}
	return &domain.SourceDocument{Ref: ref, Raw: cloneDocument(raw)}, nil
}

// PatchOutreach merges the given fields into the document's outreach
// sub-document.
func (s *MemorySourceStore) PatchOutreach(ctx context.Context, ref domain.SourceRef, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.docs[ref]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrSourceNotFound, ref.String())
	}

	outreach, _ := raw["outreach"].(map[string]any)
	if outreach == nil {
		outreach = make(map[string]any)
	}
	for k, v := range fields {
		outreach[k] = v
	}
	raw["outreach"] = outreach
	return nil
}

// Insert stores a new document under the given ref, replacing any
// existing payload.
func (s *MemorySourceStore) Insert(ctx context.Context, ref domain.SourceRef, payload map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if payload == nil {
		payload = map[string]any{}
	}
	s.docs[ref] = cloneDocument(payload)
	return nil
}

// cloneDocument deep-copies a document through a JSON round trip so the
// store and its callers never alias nested maps.
func cloneDocument(raw map[string]any) map[string]any {
	encoded, err := json.Marshal(raw)
	if err != nil {
		out := make(map[string]any, len(raw))
		for k, v := range raw {
			out[k] = v
		}
		return out
	}
	clone := make(map[string]any)
	_ = json.Unmarshal(encoded, &clone)
	return clone
}
