package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"khetmabot/pkg/domain"
	"khetmabot/pkg/store"
)

var (
	alice = domain.Actor{ID: 1, DisplayName: "@alice"}
	bob   = domain.Actor{ID: 2, DisplayName: "@bob"}
	admin = domain.Actor{ID: 99, DisplayName: "@admin"}
)

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *store.MemoryStore, domain.Khetma) {
	t.Helper()
	mem := store.NewMemoryStore()
	e := New(mem, opts...)
	khetma, err := e.CreateKhetma(context.Background(), 1000, admin, true)
	if err != nil {
		t.Fatalf("create khetma: %v", err)
	}
	return e, mem, khetma
}

func wantKind(t *testing.T, err error, kind domain.FailureKind) {
	t.Helper()
	var failure *domain.Failure
	if !errors.As(err, &failure) {
		t.Fatalf("expected %s failure, got %v", kind, err)
	}
	if failure.Kind != kind {
		t.Fatalf("expected %s, got %s (%v)", kind, failure.Kind, err)
	}
}

func TestCreateKhetmaRequiresAdmin(t *testing.T) {
	e := New(store.NewMemoryStore())
	_, err := e.CreateKhetma(context.Background(), 5, alice, false)
	wantKind(t, err, domain.KindNotAdmin)

	khetma, err := e.CreateKhetma(context.Background(), 5, admin, true)
	if err != nil {
		t.Fatalf("admin create: %v", err)
	}
	if khetma.SequenceNumber != 1 || len(khetma.Chapters) != domain.ChapterCount {
		t.Fatalf("unexpected khetma: %+v", khetma)
	}
}

func TestScenarioLifecycle(t *testing.T) {
	e, _, khetma := newTestEngine(t)
	ctx := context.Background()

	chapter, err := e.Reserve(ctx, khetma.ID, 5, alice)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !chapter.IsReserved() || chapter.OwnerID != alice.ID {
		t.Fatalf("chapter after reserve: %+v", chapter)
	}

	_, err = e.Reserve(ctx, khetma.ID, 5, bob)
	wantKind(t, err, domain.KindAlreadyReserved)

	chapter, err = e.Finish(ctx, khetma.ID, 5, alice)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if !chapter.IsFinished() || chapter.OwnerID != alice.ID {
		t.Fatalf("chapter after finish: %+v", chapter)
	}

	chapter, err = e.Withdraw(ctx, khetma.ID, 5, admin, true)
	if err != nil {
		t.Fatalf("admin withdraw: %v", err)
	}
	if !chapter.IsAvailable() || chapter.OwnerID != 0 {
		t.Fatalf("chapter after withdraw: %+v", chapter)
	}
}

func TestFinishRules(t *testing.T) {
	e, _, khetma := newTestEngine(t)
	ctx := context.Background()

	// Finishing an empty chapter claims it implicitly.
	chapter, err := e.Finish(ctx, khetma.ID, 3, alice)
	if err != nil {
		t.Fatalf("finish from empty: %v", err)
	}
	if !chapter.IsFinished() || chapter.OwnerID != alice.ID || chapter.OwnerName != "@alice" {
		t.Fatalf("implicit claim missing: %+v", chapter)
	}

	// Second finish by the same actor fails; the first stands.
	_, err = e.Finish(ctx, khetma.ID, 3, alice)
	wantKind(t, err, domain.KindFinishedAlready)

	// A chapter reserved by someone else cannot be finished.
	if _, err := e.Reserve(ctx, khetma.ID, 4, bob); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	_, err = e.Finish(ctx, khetma.ID, 4, alice)
	wantKind(t, err, domain.KindNotOwned)
}

func TestWithdrawRules(t *testing.T) {
	e, _, khetma := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Withdraw(ctx, khetma.ID, 1, alice, false)
	wantKind(t, err, domain.KindAlreadyEmpty)

	if _, err := e.Finish(ctx, khetma.ID, 1, alice); err != nil {
		t.Fatalf("finish: %v", err)
	}
	_, err = e.Withdraw(ctx, khetma.ID, 1, alice, false)
	wantKind(t, err, domain.KindFinishedAlready)

	if _, err := e.Reserve(ctx, khetma.ID, 2, bob); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	_, err = e.Withdraw(ctx, khetma.ID, 2, alice, false)
	wantKind(t, err, domain.KindNotOwned)

	// The owner may withdraw a reservation.
	chapter, err := e.Withdraw(ctx, khetma.ID, 2, bob, false)
	if err != nil || !chapter.IsAvailable() {
		t.Fatalf("owner withdraw: %+v err=%v", chapter, err)
	}

	// Admins may force both cases.
	chapter, err = e.Withdraw(ctx, khetma.ID, 1, admin, true)
	if err != nil || !chapter.IsAvailable() {
		t.Fatalf("admin withdraw of finished: %+v err=%v", chapter, err)
	}
}

func TestOwnerStatusInvariant(t *testing.T) {
	e, mem, khetma := newTestEngine(t)
	ctx := context.Background()

	steps := []func() error{
		func() error { _, err := e.Reserve(ctx, khetma.ID, 8, alice); return err },
		func() error { _, err := e.Finish(ctx, khetma.ID, 8, alice); return err },
		func() error { _, err := e.Withdraw(ctx, khetma.ID, 8, admin, true); return err },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		loaded, _, err := mem.GetKhetma(ctx, khetma.ID)
		if err != nil {
			t.Fatalf("load khetma: %v", err)
		}
		for _, chapter := range loaded.Chapters {
			if (chapter.OwnerID == 0) != (chapter.Status == domain.ChapterEmpty) {
				t.Fatalf("owner/status invariant broken after step %d: %+v", i, chapter)
			}
		}
	}
}

func TestKhetmaNotFound(t *testing.T) {
	e, _, khetma := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Reserve(ctx, 9999, 1, alice)
	wantKind(t, err, domain.KindKhetmaNotFound)

	// Chapter numbers beyond 30 do not exist.
	_, err = e.Reserve(ctx, khetma.ID, 31, alice)
	wantKind(t, err, domain.KindKhetmaNotFound)

	_, err = e.GetKhetma(ctx, 9999)
	wantKind(t, err, domain.KindKhetmaNotFound)
}

func TestConcurrentReserveSingleWinner(t *testing.T) {
	e, _, khetma := newTestEngine(t)
	ctx := context.Background()

	const racers = 8
	var wg sync.WaitGroup
	outcomes := make(chan error, racers)
	for i := 0; i < racers; i++ {
		actor := domain.Actor{ID: int64(10 + i), DisplayName: "@racer"}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Reserve(ctx, khetma.ID, 12, actor)
			outcomes <- err
		}()
	}
	wg.Wait()
	close(outcomes)

	var wins, conflicts int
	for err := range outcomes {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, domain.ErrAlreadyReserved):
			conflicts++
		default:
			t.Fatalf("unexpected outcome: %v", err)
		}
	}
	if wins != 1 || conflicts != racers-1 {
		t.Fatalf("expected 1 winner and %d conflicts, got %d/%d", racers-1, wins, conflicts)
	}
}

func TestTransitionRetriesOnceOnStaleRead(t *testing.T) {
	mem := store.NewMemoryStore()
	flaky := &raceOnFirstCAS{MemoryStore: mem}
	e := New(flaky)
	khetma, err := e.CreateKhetma(context.Background(), 1, admin, true)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Bob sneaks in between alice's read and her compare-and-set. The
	// engine must re-read and surface the accurate failure, not a
	// spurious storage error.
	flaky.armed = true
	_, err = e.Reserve(context.Background(), khetma.ID, 6, alice)
	wantKind(t, err, domain.KindAlreadyReserved)

	chapter, _, _ := mem.GetChapter(context.Background(), khetma.ID, 6)
	if chapter.OwnerID != bob.ID {
		t.Fatalf("interloper should hold the chapter: %+v", chapter)
	}
}

// raceOnFirstCAS lets another actor win the chapter right before the
// first compare-and-set, simulating the stale-read race window.
type raceOnFirstCAS struct {
	*store.MemoryStore
	armed bool
}

func (r *raceOnFirstCAS) CompareAndSetChapter(ctx context.Context, khetmaID int64, number int, expected *domain.ChapterStatus, ch domain.Chapter) (bool, error) {
	if r.armed {
		r.armed = false
		stolen := domain.Chapter{KhetmaID: khetmaID, Number: number}
		stolen.Reserve(bob)
		if _, err := r.MemoryStore.CompareAndSetChapter(ctx, khetmaID, number, nil, stolen); err != nil {
			return false, err
		}
	}
	return r.MemoryStore.CompareAndSetChapter(ctx, khetmaID, number, expected, ch)
}

func TestFinishAll(t *testing.T) {
	e, _, khetma := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Reserve(ctx, khetma.ID, 1, alice); err != nil {
		t.Fatalf("reserve 1: %v", err)
	}
	if _, err := e.Reserve(ctx, khetma.ID, 2, alice); err != nil {
		t.Fatalf("reserve 2: %v", err)
	}

	result, err := e.FinishAll(ctx, alice, khetma.ID)
	if err != nil {
		t.Fatalf("finish all: %v", err)
	}
	if len(result.Finished) != 2 || len(result.Failed) != 0 {
		t.Fatalf("expected [1 2] finished, got %+v", result)
	}
	if result.Finished[0].Number != 1 || result.Finished[1].Number != 2 {
		t.Fatalf("finish order: %+v", result.Finished)
	}

	// Nothing reserved anymore: finished chapters are not re-finishable.
	_, err = e.FinishAll(ctx, alice, khetma.ID)
	wantKind(t, err, domain.KindNoOwnedChapters)
}

func TestFinishAllReportsPartialFailure(t *testing.T) {
	e, _, khetma := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.Reserve(ctx, khetma.ID, 3, alice); err != nil {
		t.Fatalf("reserve 3: %v", err)
	}
	if _, err := e.Reserve(ctx, khetma.ID, 4, alice); err != nil {
		t.Fatalf("reserve 4: %v", err)
	}
	// Chapter 4 changes hands before the batch runs.
	if _, err := e.Withdraw(ctx, khetma.ID, 4, admin, true); err != nil {
		t.Fatalf("admin withdraw: %v", err)
	}
	if _, err := e.Reserve(ctx, khetma.ID, 4, bob); err != nil {
		t.Fatalf("rival reserve: %v", err)
	}

	result, err := e.FinishAll(ctx, alice, khetma.ID)
	if err != nil {
		t.Fatalf("finish all: %v", err)
	}
	if len(result.Finished) != 1 || result.Finished[0].Number != 3 {
		t.Fatalf("expected chapter 3 finished, got %+v", result.Finished)
	}
	if len(result.Failed) != 1 || result.Failed[0].Chapter.Number != 4 || result.Failed[0].Reason != domain.KindNotOwned {
		t.Fatalf("expected chapter 4 NOT_OWNED, got %+v", result.Failed)
	}
}

func TestFinishAllAcrossKhetmas(t *testing.T) {
	e, _, first := newTestEngine(t)
	ctx := context.Background()
	second, err := e.CreateKhetma(ctx, 1000, admin, true)
	if err != nil {
		t.Fatalf("second khetma: %v", err)
	}

	if _, err := e.Reserve(ctx, first.ID, 10, alice); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := e.Reserve(ctx, second.ID, 20, alice); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	result, err := e.FinishAll(ctx, alice, 0)
	if err != nil || len(result.Finished) != 2 {
		t.Fatalf("cross-khetma finish all: %+v err=%v", result, err)
	}
}

func TestCompletionFlipsKhetmaStatus(t *testing.T) {
	recorder := &capturePublisher{}
	e, _, khetma := newTestEngine(t, WithPublisher(recorder))
	ctx := context.Background()

	for n := 1; n <= domain.ChapterCount; n++ {
		if _, err := e.Finish(ctx, khetma.ID, n, alice); err != nil {
			t.Fatalf("finish %d: %v", n, err)
		}
	}
	got, err := e.GetKhetma(ctx, khetma.ID)
	if err != nil {
		t.Fatalf("get khetma: %v", err)
	}
	if got.Status != domain.KhetmaFinished {
		t.Fatalf("khetma should be finished: %+v", got.Status)
	}
	if !recorder.has(domain.EventKhetmaFinished) {
		t.Fatalf("missing completion event: %v", recorder.kinds())
	}

	// Admin withdrawal reopens the khetma.
	if _, err := e.Withdraw(ctx, khetma.ID, 15, admin, true); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	got, _ = e.GetKhetma(ctx, khetma.ID)
	if got.Status != domain.KhetmaActive {
		t.Fatalf("khetma should reopen: %+v", got.Status)
	}
	if !recorder.has(domain.EventKhetmaReopened) {
		t.Fatalf("missing reopen event: %v", recorder.kinds())
	}
}

func TestReservedChaptersDoNotComplete(t *testing.T) {
	e, _, khetma := newTestEngine(t)
	ctx := context.Background()

	for n := 1; n < domain.ChapterCount; n++ {
		if _, err := e.Finish(ctx, khetma.ID, n, alice); err != nil {
			t.Fatalf("finish %d: %v", n, err)
		}
	}
	if _, err := e.Reserve(ctx, khetma.ID, domain.ChapterCount, bob); err != nil {
		t.Fatalf("reserve last: %v", err)
	}
	got, _ := e.GetKhetma(ctx, khetma.ID)
	if got.Status != domain.KhetmaActive {
		t.Fatalf("reserved chapter must not complete the khetma")
	}
}

func TestEventsRecorded(t *testing.T) {
	recorder := &capturePublisher{}
	e, _, khetma := newTestEngine(t, WithPublisher(recorder))
	ctx := context.Background()

	if _, err := e.Reserve(ctx, khetma.ID, 5, alice); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	events, err := e.ListEvents(ctx, khetma.ID, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) == 0 || events[0].Kind != domain.EventChapterReserved {
		t.Fatalf("expected reserve event first, got %+v", events)
	}
	if events[0].Actor != alice || events[0].ChapterNumber != 5 {
		t.Fatalf("event payload: %+v", events[0])
	}
	if !recorder.has(domain.EventChapterReserved) {
		t.Fatalf("publisher missed the event: %v", recorder.kinds())
	}
}

type capturePublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *capturePublisher) Publish(_ context.Context, ev domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *capturePublisher) has(kind domain.EventKind) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ev := range p.events {
		if ev.Kind == kind {
			return true
		}
	}
	return false
}

func (p *capturePublisher) kinds() []domain.EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	kinds := make([]domain.EventKind, 0, len(p.events))
	for _, ev := range p.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}
