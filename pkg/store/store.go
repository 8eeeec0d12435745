package store

import (
	"context"

	"khetmabot/pkg/domain"
)

// Store is the single durable owner of khetma state. Every logical
// engine operation maps onto one atomic store call; in particular all
// chapter mutation goes through CompareAndSetChapter.
type Store interface {
	// CreateKhetma inserts an ACTIVE khetma with 30 EMPTY chapters as
	// one atomic unit. The sequence number is max(existing)+1 for the
	// group, serialized against concurrent creations.
	CreateKhetma(ctx context.Context, groupID int64) (domain.Khetma, error)

	GetKhetma(ctx context.Context, id int64) (domain.Khetma, bool, error)
	GetKhetmaBySequence(ctx context.Context, groupID int64, sequence int) (domain.Khetma, bool, error)
	GetLatestKhetma(ctx context.Context, groupID int64) (domain.Khetma, bool, error)
	ListKhetmas(ctx context.Context, groupID int64) ([]domain.Khetma, error)

	GetChapter(ctx context.Context, khetmaID int64, number int) (domain.Chapter, bool, error)

	// CompareAndSetChapter writes the chapter's full state only if its
	// current status still equals expected, reporting whether the write
	// took effect. A nil expected skips the check (admin-forced write).
	CompareAndSetChapter(ctx context.Context, khetmaID int64, number int, expected *domain.ChapterStatus, ch domain.Chapter) (bool, error)

	// GetChaptersByOwner lists chapters owned by the actor, across all
	// khetmas of the store when khetmaID is zero.
	GetChaptersByOwner(ctx context.Context, ownerID int64, khetmaID int64) ([]domain.Chapter, error)

	SetKhetmaStatus(ctx context.Context, id int64, status domain.KhetmaStatus) error

	AppendEvent(ctx context.Context, ev domain.Event) error
	ListEvents(ctx context.Context, khetmaID int64, limit int) ([]domain.Event, error)
}
