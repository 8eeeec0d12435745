package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"khetmabot/pkg/domain"
)

// MemoryStore keeps khetma state in-process. It backs engine tests and
// the bot's throwaway dev mode; the mutex gives it the same atomicity
// guarantees as the database store within a single process.
type MemoryStore struct {
	mu      sync.RWMutex
	nextID  int64
	khetmas map[int64]*domain.Khetma
	events  map[int64][]domain.Event
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		khetmas: make(map[int64]*domain.Khetma),
		events:  make(map[int64][]domain.Event),
	}
}

// CreateKhetma inserts an ACTIVE khetma with 30 EMPTY chapters.
func (m *MemoryStore) CreateKhetma(_ context.Context, groupID int64) (domain.Khetma, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sequence := 0
	for _, k := range m.khetmas {
		if k.GroupID == groupID && k.SequenceNumber > sequence {
			sequence = k.SequenceNumber
		}
	}
	m.nextID++
	khetma := &domain.Khetma{
		ID:             m.nextID,
		GroupID:        groupID,
		SequenceNumber: sequence + 1,
		Status:         domain.KhetmaActive,
		Chapters:       make([]domain.Chapter, 0, domain.ChapterCount),
		CreatedAt:      time.Now().UTC(),
	}
	for n := 1; n <= domain.ChapterCount; n++ {
		khetma.Chapters = append(khetma.Chapters, domain.Chapter{
			KhetmaID: khetma.ID,
			Number:   n,
			Status:   domain.ChapterEmpty,
		})
	}
	m.khetmas[khetma.ID] = khetma
	return snapshot(khetma), nil
}

// GetKhetma returns a snapshot of the khetma and its chapters.
func (m *MemoryStore) GetKhetma(_ context.Context, id int64) (domain.Khetma, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	khetma, ok := m.khetmas[id]
	if !ok {
		return domain.Khetma{}, false, nil
	}
	return snapshot(khetma), true, nil
}

// GetKhetmaBySequence returns a group's khetma by sequence number.
func (m *MemoryStore) GetKhetmaBySequence(_ context.Context, groupID int64, sequence int) (domain.Khetma, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, khetma := range m.khetmas {
		if khetma.GroupID == groupID && khetma.SequenceNumber == sequence {
			return snapshot(khetma), true, nil
		}
	}
	return domain.Khetma{}, false, nil
}

// GetLatestKhetma returns the group's most recent khetma.
func (m *MemoryStore) GetLatestKhetma(_ context.Context, groupID int64) (domain.Khetma, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *domain.Khetma
	for _, khetma := range m.khetmas {
		if khetma.GroupID != groupID {
			continue
		}
		if latest == nil || khetma.SequenceNumber > latest.SequenceNumber {
			latest = khetma
		}
	}
	if latest == nil {
		return domain.Khetma{}, false, nil
	}
	return snapshot(latest), true, nil
}

// ListKhetmas returns the group's khetmas in sequence order.
func (m *MemoryStore) ListKhetmas(_ context.Context, groupID int64) ([]domain.Khetma, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var khetmas []domain.Khetma
	for _, khetma := range m.khetmas {
		if khetma.GroupID == groupID {
			khetmas = append(khetmas, snapshot(khetma))
		}
	}
	sort.Slice(khetmas, func(i, j int) bool {
		return khetmas[i].SequenceNumber < khetmas[j].SequenceNumber
	})
	return khetmas, nil
}

// GetChapter returns a snapshot of one chapter.
func (m *MemoryStore) GetChapter(_ context.Context, khetmaID int64, number int) (domain.Chapter, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chapter, ok := m.findChapter(khetmaID, number)
	if !ok {
		return domain.Chapter{}, false, nil
	}
	return *chapter, true, nil
}

// CompareAndSetChapter swaps the chapter's state under the store lock,
// only when the current status still matches expected.
func (m *MemoryStore) CompareAndSetChapter(_ context.Context, khetmaID int64, number int, expected *domain.ChapterStatus, ch domain.Chapter) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chapter, ok := m.findChapter(khetmaID, number)
	if !ok {
		return false, nil
	}
	if expected != nil && chapter.Status != *expected {
		return false, nil
	}
	chapter.Status = ch.Status
	chapter.OwnerID = ch.OwnerID
	chapter.OwnerName = ch.OwnerName
	return true, nil
}

// GetChaptersByOwner lists chapters owned by the actor, across all
// khetmas when khetmaID is zero.
func (m *MemoryStore) GetChaptersByOwner(_ context.Context, ownerID int64, khetmaID int64) ([]domain.Chapter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var chapters []domain.Chapter
	for _, khetma := range m.khetmas {
		if khetmaID != 0 && khetma.ID != khetmaID {
			continue
		}
		for _, chapter := range khetma.Chapters {
			if chapter.OwnerID == ownerID && chapter.Status != domain.ChapterEmpty {
				chapters = append(chapters, chapter)
			}
		}
	}
	sort.Slice(chapters, func(i, j int) bool {
		if chapters[i].KhetmaID != chapters[j].KhetmaID {
			return chapters[i].KhetmaID < chapters[j].KhetmaID
		}
		return chapters[i].Number < chapters[j].Number
	})
	return chapters, nil
}

// SetKhetmaStatus updates a khetma's lifecycle status.
func (m *MemoryStore) SetKhetmaStatus(_ context.Context, id int64, status domain.KhetmaStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if khetma, ok := m.khetmas[id]; ok {
		khetma.Status = status
	}
	return nil
}

// AppendEvent records a transition event.
func (m *MemoryStore) AppendEvent(_ context.Context, ev domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[ev.KhetmaID] = append(m.events[ev.KhetmaID], ev)
	return nil
}

// ListEvents returns a khetma's events, most recent first.
func (m *MemoryStore) ListEvents(_ context.Context, khetmaID int64, limit int) ([]domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored := m.events[khetmaID]
	if limit <= 0 || limit > len(stored) {
		limit = len(stored)
	}
	events := make([]domain.Event, 0, limit)
	for i := len(stored) - 1; i >= 0 && len(events) < limit; i-- {
		events = append(events, stored[i])
	}
	return events, nil
}

func (m *MemoryStore) findChapter(khetmaID int64, number int) (*domain.Chapter, bool) {
	khetma, ok := m.khetmas[khetmaID]
	if !ok {
		return nil, false
	}
	for i := range khetma.Chapters {
		if khetma.Chapters[i].Number == number {
			return &khetma.Chapters[i], true
		}
	}
	return nil, false
}

func snapshot(k *domain.Khetma) domain.Khetma {
	out := *k
	out.Chapters = append([]domain.Chapter(nil), k.Chapters...)
	return out
}
