package assignment

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. Each campaign has its own mutex and
// writes are staged until fn returns nil.
type MemoryStore struct {
	mu        sync.Mutex
	locks     map[uuid.UUID]*sync.Mutex
	assignees map[uuid.UUID][]Assignee
	cursors   map[uuid.UUID]Cursor
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locks:     make(map[uuid.UUID]*sync.Mutex),
		assignees: make(map[uuid.UUID][]Assignee),
		cursors:   make(map[uuid.UUID]Cursor),
	}
}

func (m *MemoryStore) campaignLock(campaignID uuid.UUID) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[campaignID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[campaignID] = lock
	}
	return lock
}

// WithinCampaign implements Store.
func (m *MemoryStore) WithinCampaign(ctx context.Context, campaignID uuid.UUID, fn func(tx CampaignTx) error) error {
	lock := m.campaignLock(campaignID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	tx := &memoryTx{
		campaignID: campaignID,
		assignees:  append([]Assignee(nil), m.assignees[campaignID]...),
	}
	if cursor, ok := m.cursors[campaignID]; ok {
		tx.cursor = cursor
		tx.hasCursor = true
	}
	m.mu.Unlock()

	if err := fn(tx); err != nil {
		return err
	}

	m.mu.Lock()
	m.assignees[campaignID] = tx.assignees
	if tx.hasCursor {
		m.cursors[campaignID] = tx.cursor
	}
	m.mu.Unlock()
	return nil
}

// Cursor returns the stored cursor for inspection.
func (m *MemoryStore) Cursor(campaignID uuid.UUID) (Cursor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cursor, ok := m.cursors[campaignID]
	return cursor, ok
}

type memoryTx struct {
	campaignID uuid.UUID
	assignees  []Assignee
	cursor     Cursor
	hasCursor  bool
}

func (t *memoryTx) LoadCampaignAssignees(_ context.Context) ([]Assignee, error) {
	return append([]Assignee(nil), t.assignees...), nil
}

func (t *memoryTx) LoadCursor(_ context.Context) (Cursor, error) {
	if !t.hasCursor {
		t.cursor = Cursor{CampaignID: t.campaignID}
		t.hasCursor = true
	}
	return t.cursor, nil
}

func (t *memoryTx) PersistCursor(_ context.Context, cursor Cursor) error {
	t.cursor = cursor
	t.hasCursor = true
	return nil
}

func (t *memoryTx) SaveAssignees(_ context.Context, assignees []Assignee) error {
	t.assignees = append([]Assignee(nil), assignees...)
	return nil
}
