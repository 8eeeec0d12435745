package domain

import "time"

// EventKind tags an entry in a khetma's transition history.
type EventKind string

const (
	EventKhetmaCreated    EventKind = "KHETMA_CREATED"
	EventChapterReserved  EventKind = "CHAPTER_RESERVED"
	EventChapterFinished  EventKind = "CHAPTER_FINISHED"
	EventChapterWithdrawn EventKind = "CHAPTER_WITHDRAWN"
	EventKhetmaFinished   EventKind = "KHETMA_FINISHED"
	EventKhetmaReopened   EventKind = "KHETMA_REOPENED"
)

// Event records one successful state transition. The messaging adapter
// consumes events to refresh the pinned khetma message; the store keeps
// them as an audit trail.
type Event struct {
	ID            string    `json:"id"`
	KhetmaID      int64     `json:"khetmaId"`
	ChapterNumber int       `json:"chapterNumber,omitempty"`
	Kind          EventKind `json:"kind"`
	Actor         Actor     `json:"actor"`
	CreatedAt     time.Time `json:"createdAt"`
}
