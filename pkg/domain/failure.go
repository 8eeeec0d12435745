package domain

import "fmt"

// FailureKind is the stable identifier of a domain failure. The set is
// closed; callers switch on kinds to build user-facing replies.
type FailureKind string

const (
	KindAlreadyReserved    FailureKind = "ALREADY_RESERVED"
	KindFinishedAlready    FailureKind = "FINISHED_ALREADY"
	KindNotOwned           FailureKind = "NOT_OWNED"
	KindAlreadyEmpty       FailureKind = "ALREADY_EMPTY"
	KindKhetmaNotFound     FailureKind = "KHETMA_NOT_FOUND"
	KindNoOwnedChapters    FailureKind = "NO_OWNED_CHAPTERS"
	KindStorageUnavailable FailureKind = "STORAGE_UNAVAILABLE"
	KindNotAdmin           FailureKind = "NOT_ADMIN"
	KindRateLimited        FailureKind = "RATE_LIMITED"
)

// Failure is a typed, expected outcome of engine operations. All rule
// violations are returned as Failures rather than generic errors, and
// every kind except STORAGE_UNAVAILABLE is a routine result of
// concurrent use.
type Failure struct {
	Kind    FailureKind
	Message string
	cause   error
}

func (f *Failure) Error() string {
	if f.cause != nil {
		return fmt.Sprintf("%s: %v", f.Message, f.cause)
	}
	return f.Message
}

func (f *Failure) Unwrap() error { return f.cause }

// Is matches failures by kind, so errors.Is(err, ErrStorageUnavailable)
// holds for any wrapped storage failure.
func (f *Failure) Is(target error) bool {
	t, ok := target.(*Failure)
	return ok && t.Kind == f.Kind
}

// Fatal reports whether the failure aborts the operation rather than
// describing a rule violation.
func (f *Failure) Fatal() bool { return f.Kind == KindStorageUnavailable }

var (
	ErrAlreadyReserved = &Failure{Kind: KindAlreadyReserved, Message: "chapter is already reserved by someone else"}
	ErrFinishedAlready = &Failure{Kind: KindFinishedAlready, Message: "chapter has already been finished"}
	ErrNotOwned        = &Failure{Kind: KindNotOwned, Message: "chapter is reserved under a different name"}
	ErrAlreadyEmpty    = &Failure{Kind: KindAlreadyEmpty, Message: "chapter is not reserved"}
	ErrKhetmaNotFound  = &Failure{Kind: KindKhetmaNotFound, Message: "khetma no longer exists"}
	ErrNoOwnedChapters = &Failure{Kind: KindNoOwnedChapters, Message: "no reserved chapters to finish"}
	ErrNotAdmin        = &Failure{Kind: KindNotAdmin, Message: "only group admins may do this"}
	ErrRateLimited     = &Failure{Kind: KindRateLimited, Message: "too many requests, slow down"}

	// ErrStorageUnavailable is the bare sentinel for errors.Is checks;
	// operations return StorageUnavailable(cause) instead.
	ErrStorageUnavailable = &Failure{Kind: KindStorageUnavailable, Message: "storage is unavailable"}
)

// StorageUnavailable wraps a store error as the single fatal failure
// kind. The engine never retries it; the caller decides.
func StorageUnavailable(cause error) *Failure {
	return &Failure{Kind: KindStorageUnavailable, Message: "storage is unavailable", cause: cause}
}
