package domain

import (
	"fmt"
	"time"
)

// ChapterCount is fixed: every khetma is read in exactly 30 parts.
const ChapterCount = 30

type KhetmaStatus string

const (
	KhetmaActive   KhetmaStatus = "ACTIVE"
	KhetmaFinished KhetmaStatus = "FINISHED"
)

// ParseKhetmaStatus validates status text read back from storage.
func ParseKhetmaStatus(s string) (KhetmaStatus, error) {
	switch KhetmaStatus(s) {
	case KhetmaActive, KhetmaFinished:
		return KhetmaStatus(s), nil
	}
	return "", fmt.Errorf("unknown khetma status %q", s)
}

type ChapterStatus string

const (
	ChapterEmpty    ChapterStatus = "EMPTY"
	ChapterReserved ChapterStatus = "RESERVED"
	ChapterFinished ChapterStatus = "FINISHED"
)

// ParseChapterStatus validates status text read back from storage.
func ParseChapterStatus(s string) (ChapterStatus, error) {
	switch ChapterStatus(s) {
	case ChapterEmpty, ChapterReserved, ChapterFinished:
		return ChapterStatus(s), nil
	}
	return "", fmt.Errorf("unknown chapter status %q", s)
}

// Actor identifies the user behind a request. IDs come from the chat
// platform; the messaging adapter resolves them before calling in.
type Actor struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"displayName"`
}

// Chapter is one of the 30 sub-units of a khetma and the unit of
// reservation. OwnerID is zero exactly when Status is EMPTY.
type Chapter struct {
	KhetmaID  int64         `json:"khetmaId"`
	Number    int           `json:"number"`
	Status    ChapterStatus `json:"status"`
	OwnerID   int64         `json:"ownerId,omitempty"`
	OwnerName string        `json:"ownerName,omitempty"`
}

// Reserve claims the chapter for the actor. Legality checks live in the
// engine; this helper just applies the transition.
func (c *Chapter) Reserve(a Actor) {
	c.Status = ChapterReserved
	c.OwnerID = a.ID
	c.OwnerName = a.DisplayName
}

// MarkFinished completes the chapter, keeping the current owner.
func (c *Chapter) MarkFinished() {
	c.Status = ChapterFinished
}

// MarkEmpty releases the chapter back to the pool.
func (c *Chapter) MarkEmpty() {
	c.Status = ChapterEmpty
	c.OwnerID = 0
	c.OwnerName = ""
}

func (c Chapter) IsAvailable() bool { return c.Status == ChapterEmpty }
func (c Chapter) IsReserved() bool  { return c.Status == ChapterReserved }
func (c Chapter) IsFinished() bool  { return c.Status == ChapterFinished }

// OwnedBy reports whether the chapter currently belongs to the actor.
func (c Chapter) OwnedBy(actorID int64) bool {
	return c.Status != ChapterEmpty && c.OwnerID == actorID
}

// Khetma is a reading campaign scoped to one chat group. Values handed
// out by the store are snapshots; mutating them has no durable effect.
type Khetma struct {
	ID             int64        `json:"id"`
	GroupID        int64        `json:"groupId"`
	SequenceNumber int          `json:"sequenceNumber"`
	Status         KhetmaStatus `json:"status"`
	Chapters       []Chapter    `json:"chapters"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// Chapter returns the chapter with the given number, if present.
func (k *Khetma) Chapter(number int) (Chapter, bool) {
	for _, c := range k.Chapters {
		if c.Number == number {
			return c, true
		}
	}
	return Chapter{}, false
}

// EmptyChapters lists chapters still open for reservation.
func (k *Khetma) EmptyChapters() []Chapter {
	var empty []Chapter
	for _, c := range k.Chapters {
		if c.IsAvailable() {
			empty = append(empty, c)
		}
	}
	return empty
}

// AllFinished reports whether every chapter has been read. This is the
// completion rule for the whole khetma; reserved chapters do not count.
func (k *Khetma) AllFinished() bool {
	if len(k.Chapters) != ChapterCount {
		return false
	}
	for _, c := range k.Chapters {
		if !c.IsFinished() {
			return false
		}
	}
	return true
}
