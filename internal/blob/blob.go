// Package blob defines the payment-proof blob store consumed by the engine.
// Real storage is external; the engine only holds opaque ProofRefs.
package blob

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/sharemkt/settlement-engine/internal/model"
)

// PutOptions describe where and how to store a blob.
type PutOptions struct {
	Folder      string
	ContentType string
}

// Store persists opaque payment-proof blobs.
type Store interface {
	Put(ctx context.Context, data []byte, opts PutOptions) (*model.ProofRef, error)
	Delete(ctx context.Context, id string) error
}

// Memory is an in-process blob store for development and tests.
type Memory struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

// NewMemory creates an empty in-memory blob store.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[string][]byte)}
}

func (m *Memory) Put(_ context.Context, data []byte, opts PutOptions) (*model.ProofRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.New().String()
	m.blobs[id] = append([]byte(nil), data...)
	return &model.ProofRef{
		URL:    fmt.Sprintf("mem://%s/%s", opts.Folder, id),
		ID:     id,
		Size:   int64(len(data)),
		Format: opts.ContentType,
	}, nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, id)
	return nil
}
