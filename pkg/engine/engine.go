// Package engine enforces the chapter reservation state machine on top
// of the store. All rule checks live here; the store only guarantees
// atomicity of individual reads and compare-and-set writes.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"khetmabot/pkg/domain"
	"khetmabot/pkg/store"
)

// Publisher fans out transition events to the messaging adapter.
// Publishing is best-effort: failures are logged, never surfaced.
type Publisher interface {
	Publish(ctx context.Context, ev domain.Event) error
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, domain.Event) error { return nil }

// Engine coordinates khetma reservations.
type Engine struct {
	store store.Store
	pub   Publisher
}

// Option customizes engine construction.
type Option func(*Engine)

// WithPublisher routes transition events to pub.
func WithPublisher(pub Publisher) Option {
	return func(e *Engine) {
		if pub != nil {
			e.pub = pub
		}
	}
}

// New constructs the engine on top of a store.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{store: s, pub: NopPublisher{}}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateKhetma starts a new reading campaign for the group. Only group
// admins may start one; admin status comes from the messaging adapter.
func (e *Engine) CreateKhetma(ctx context.Context, groupID int64, actor domain.Actor, isAdmin bool) (domain.Khetma, error) {
	if !isAdmin {
		return domain.Khetma{}, domain.ErrNotAdmin
	}
	khetma, err := e.store.CreateKhetma(ctx, groupID)
	if err != nil {
		return domain.Khetma{}, domain.StorageUnavailable(err)
	}
	e.record(ctx, domain.EventKhetmaCreated, khetma.ID, 0, actor)
	return khetma, nil
}

// GetKhetma returns a snapshot for rendering.
func (e *Engine) GetKhetma(ctx context.Context, id int64) (domain.Khetma, error) {
	khetma, found, err := e.store.GetKhetma(ctx, id)
	if err != nil {
		return domain.Khetma{}, domain.StorageUnavailable(err)
	}
	if !found {
		return domain.Khetma{}, domain.ErrKhetmaNotFound
	}
	return khetma, nil
}

// GetKhetmaBySequence returns a group's khetma by sequence number.
func (e *Engine) GetKhetmaBySequence(ctx context.Context, groupID int64, sequence int) (domain.Khetma, error) {
	khetma, found, err := e.store.GetKhetmaBySequence(ctx, groupID, sequence)
	if err != nil {
		return domain.Khetma{}, domain.StorageUnavailable(err)
	}
	if !found {
		return domain.Khetma{}, domain.ErrKhetmaNotFound
	}
	return khetma, nil
}

// GetLatestKhetma returns the group's current (most recent) khetma.
func (e *Engine) GetLatestKhetma(ctx context.Context, groupID int64) (domain.Khetma, error) {
	khetma, found, err := e.store.GetLatestKhetma(ctx, groupID)
	if err != nil {
		return domain.Khetma{}, domain.StorageUnavailable(err)
	}
	if !found {
		return domain.Khetma{}, domain.ErrKhetmaNotFound
	}
	return khetma, nil
}

// ListKhetmas returns every khetma of a group in sequence order.
func (e *Engine) ListKhetmas(ctx context.Context, groupID int64) ([]domain.Khetma, error) {
	khetmas, err := e.store.ListKhetmas(ctx, groupID)
	if err != nil {
		return nil, domain.StorageUnavailable(err)
	}
	return khetmas, nil
}

// ListEvents returns a khetma's recent transition history.
func (e *Engine) ListEvents(ctx context.Context, khetmaID int64, limit int) ([]domain.Event, error) {
	events, err := e.store.ListEvents(ctx, khetmaID, limit)
	if err != nil {
		return nil, domain.StorageUnavailable(err)
	}
	return events, nil
}

// Reserve claims an EMPTY chapter for the actor.
func (e *Engine) Reserve(ctx context.Context, khetmaID int64, number int, actor domain.Actor) (domain.Chapter, error) {
	chapter, err := e.transition(ctx, khetmaID, number, false, func(c *domain.Chapter) error {
		if c.IsReserved() {
			return domain.ErrAlreadyReserved
		}
		if c.IsFinished() {
			return domain.ErrFinishedAlready
		}
		c.Reserve(actor)
		return nil
	})
	if err != nil {
		return domain.Chapter{}, err
	}
	e.record(ctx, domain.EventChapterReserved, khetmaID, number, actor)
	return chapter, nil
}

// Finish marks a chapter as read. An EMPTY chapter is claimed
// implicitly; a chapter reserved by someone else is refused.
func (e *Engine) Finish(ctx context.Context, khetmaID int64, number int, actor domain.Actor) (domain.Chapter, error) {
	chapter, err := e.transition(ctx, khetmaID, number, false, func(c *domain.Chapter) error {
		if c.IsFinished() {
			return domain.ErrFinishedAlready
		}
		if c.IsReserved() && !c.OwnedBy(actor.ID) {
			return domain.ErrNotOwned
		}
		if c.IsAvailable() {
			c.Reserve(actor)
		}
		c.MarkFinished()
		return nil
	})
	if err != nil {
		return domain.Chapter{}, err
	}
	e.record(ctx, domain.EventChapterFinished, khetmaID, number, actor)
	e.recomputeCompletion(ctx, khetmaID, actor)
	return chapter, nil
}

// Withdraw releases a chapter back to EMPTY. The owner may withdraw a
// reservation; only admins may withdraw a FINISHED chapter or one
// reserved by someone else.
func (e *Engine) Withdraw(ctx context.Context, khetmaID int64, number int, actor domain.Actor, isAdmin bool) (domain.Chapter, error) {
	chapter, err := e.transition(ctx, khetmaID, number, isAdmin, func(c *domain.Chapter) error {
		if c.IsAvailable() {
			return domain.ErrAlreadyEmpty
		}
		if !isAdmin {
			if c.IsFinished() {
				return domain.ErrFinishedAlready
			}
			if !c.OwnedBy(actor.ID) {
				return domain.ErrNotOwned
			}
		}
		c.MarkEmpty()
		return nil
	})
	if err != nil {
		return domain.Chapter{}, err
	}
	e.record(ctx, domain.EventChapterWithdrawn, khetmaID, number, actor)
	e.recomputeCompletion(ctx, khetmaID, actor)
	return chapter, nil
}

// ChapterFailure reports why one chapter of a bulk operation failed.
type ChapterFailure struct {
	Chapter domain.Chapter     `json:"chapter"`
	Reason  domain.FailureKind `json:"reason"`
}

// BulkResult carries the partial outcome of FinishAll.
type BulkResult struct {
	Finished []domain.Chapter `json:"finished"`
	Failed   []ChapterFailure `json:"failed"`
}

// FinishAll finishes every chapter the actor currently has reserved,
// in one khetma or, with khetmaID zero, across all of them. Chapters
// are evaluated independently: a chapter snatched or finished in the
// meantime becomes a per-chapter failure instead of aborting the batch.
func (e *Engine) FinishAll(ctx context.Context, actor domain.Actor, khetmaID int64) (BulkResult, error) {
	owned, err := e.store.GetChaptersByOwner(ctx, actor.ID, khetmaID)
	if err != nil {
		return BulkResult{}, domain.StorageUnavailable(err)
	}
	var reserved []domain.Chapter
	for _, chapter := range owned {
		if chapter.IsReserved() {
			reserved = append(reserved, chapter)
		}
	}
	if len(reserved) == 0 {
		return BulkResult{}, domain.ErrNoOwnedChapters
	}

	var result BulkResult
	for _, chapter := range reserved {
		finished, err := e.Finish(ctx, chapter.KhetmaID, chapter.Number, actor)
		if err == nil {
			result.Finished = append(result.Finished, finished)
			continue
		}
		var failure *domain.Failure
		if errors.As(err, &failure) && !failure.Fatal() {
			result.Failed = append(result.Failed, ChapterFailure{Chapter: chapter, Reason: failure.Kind})
			continue
		}
		return BulkResult{}, err
	}
	return result, nil
}

// transition runs one load-validate-swap cycle, retrying once when the
// compare-and-set loses a race, so a stale read cannot turn into a
// spurious failure and a hot chapter cannot livelock the caller.
func (e *Engine) transition(ctx context.Context, khetmaID int64, number int, forced bool, mutate func(*domain.Chapter) error) (domain.Chapter, error) {
	const attempts = 2
	for attempt := 0; attempt < attempts; attempt++ {
		current, found, err := e.store.GetChapter(ctx, khetmaID, number)
		if err != nil {
			return domain.Chapter{}, domain.StorageUnavailable(err)
		}
		if !found {
			return domain.Chapter{}, domain.ErrKhetmaNotFound
		}
		next := current
		if err := mutate(&next); err != nil {
			return domain.Chapter{}, err
		}
		expected := &current.Status
		if forced {
			expected = nil
		}
		applied, err := e.store.CompareAndSetChapter(ctx, khetmaID, number, expected, next)
		if err != nil {
			return domain.Chapter{}, domain.StorageUnavailable(err)
		}
		if applied {
			return next, nil
		}
	}
	return domain.Chapter{}, domain.StorageUnavailable(errors.New("chapter state kept changing concurrently"))
}

// recomputeCompletion reconciles the khetma's status with the "all 30
// chapters FINISHED" rule after a transition that may have completed or
// reopened the work. Errors are logged and swallowed: the chapter write
// already succeeded, and the next transition re-runs the rule.
func (e *Engine) recomputeCompletion(ctx context.Context, khetmaID int64, actor domain.Actor) {
	khetma, found, err := e.store.GetKhetma(ctx, khetmaID)
	if err != nil || !found {
		slog.Warn("completion recompute skipped", "khetma_id", khetmaID, "err", err)
		return
	}
	switch {
	case khetma.AllFinished() && khetma.Status == domain.KhetmaActive:
		if err := e.store.SetKhetmaStatus(ctx, khetmaID, domain.KhetmaFinished); err != nil {
			slog.Warn("mark khetma finished failed", "khetma_id", khetmaID, "err", err)
			return
		}
		e.record(ctx, domain.EventKhetmaFinished, khetmaID, 0, actor)
	case !khetma.AllFinished() && khetma.Status == domain.KhetmaFinished:
		if err := e.store.SetKhetmaStatus(ctx, khetmaID, domain.KhetmaActive); err != nil {
			slog.Warn("reopen khetma failed", "khetma_id", khetmaID, "err", err)
			return
		}
		e.record(ctx, domain.EventKhetmaReopened, khetmaID, 0, actor)
	}
}

func (e *Engine) record(ctx context.Context, kind domain.EventKind, khetmaID int64, number int, actor domain.Actor) {
	ev := domain.Event{
		ID:            uuid.NewString(),
		KhetmaID:      khetmaID,
		ChapterNumber: number,
		Kind:          kind,
		Actor:         actor,
		CreatedAt:     time.Now().UTC(),
	}
	if err := e.store.AppendEvent(ctx, ev); err != nil {
		slog.Warn("append event failed", "kind", kind, "khetma_id", khetmaID, "err", err)
	}
	if err := e.pub.Publish(ctx, ev); err != nil {
		slog.Warn("publish event failed", "kind", kind, "khetma_id", khetmaID, "err", err)
	}
}
