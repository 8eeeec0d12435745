package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"khetmabot/pkg/domain"
)

// GormStore implements Store on GORM. Postgres is the production
// backend; SQLite serves local runs and tests. Atomicity of every
// mutation comes from single conditional UPDATEs and transactions, so
// correctness holds across multiple process instances sharing the
// database.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens a Postgres-backed store and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	return newGormStore(postgres.Open(dsn))
}

// NewSQLiteStore opens a SQLite-backed store at path.
func NewSQLiteStore(path string) (*GormStore, error) {
	return newGormStore(sqlite.Open(path))
}

func newGormStore(dialector gorm.Dialector) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(&GroupModel{}, &KhetmaModel{}, &ChapterModel{}, &KhetmaEventModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// CreateKhetma assigns the next sequence number for the group and
// inserts the khetma plus its 30 EMPTY chapters in one transaction.
// On Postgres the group row is locked so concurrent creations cannot
// read the same max; the unique (group_id, sequence_number) index is
// the backstop, retried once on a duplicate.
func (s *GormStore) CreateKhetma(ctx context.Context, groupID int64) (domain.Khetma, error) {
	for attempt := 0; ; attempt++ {
		khetma, err := s.createKhetma(ctx, groupID)
		if err == nil {
			return khetma, nil
		}
		if attempt == 0 && errors.Is(err, gorm.ErrDuplicatedKey) {
			continue
		}
		return domain.Khetma{}, err
	}
}

func (s *GormStore) createKhetma(ctx context.Context, groupID int64) (domain.Khetma, error) {
	var result domain.Khetma
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		group := GroupModel{ID: groupID, CreatedAt: time.Now().UTC()}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&group).Error; err != nil {
			return fmt.Errorf("ensure group: %w", err)
		}
		if tx.Dialector.Name() != "sqlite" {
			// Serialize the numbering read. SQLite has a single writer,
			// so the lock clause is unnecessary (and unsupported) there.
			var locked GroupModel
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				First(&locked, "group_id = ?", groupID).Error; err != nil {
				return fmt.Errorf("lock group: %w", err)
			}
		}
		var next int
		if err := tx.Model(&KhetmaModel{}).
			Where("group_id = ?", groupID).
			Select("COALESCE(MAX(sequence_number), 0) + 1").
			Scan(&next).Error; err != nil {
			return fmt.Errorf("next sequence number: %w", err)
		}
		khetma := KhetmaModel{
			GroupID:        groupID,
			SequenceNumber: next,
			Status:         string(domain.KhetmaActive),
			CreatedAt:      time.Now().UTC(),
		}
		if err := tx.Create(&khetma).Error; err != nil {
			return err
		}
		chapters := make([]ChapterModel, 0, domain.ChapterCount)
		for n := 1; n <= domain.ChapterCount; n++ {
			chapters = append(chapters, ChapterModel{
				KhetmaID: khetma.ID,
				Number:   n,
				Status:   string(domain.ChapterEmpty),
			})
		}
		if err := tx.Create(&chapters).Error; err != nil {
			return fmt.Errorf("insert chapters: %w", err)
		}
		loaded, err := loadKhetma(tx, "khetma_id = ?", khetma.ID)
		if err != nil {
			return err
		}
		result = loaded
		return nil
	})
	if err != nil {
		return domain.Khetma{}, err
	}
	return result, nil
}

// GetKhetma loads a khetma and all its chapters ordered by number.
func (s *GormStore) GetKhetma(ctx context.Context, id int64) (domain.Khetma, bool, error) {
	return s.getKhetma(ctx, "khetma_id = ?", id)
}

// GetKhetmaBySequence loads a khetma by its per-group sequence number.
func (s *GormStore) GetKhetmaBySequence(ctx context.Context, groupID int64, sequence int) (domain.Khetma, bool, error) {
	return s.getKhetma(ctx, "group_id = ? AND sequence_number = ?", groupID, sequence)
}

// GetLatestKhetma loads the most recently created khetma of a group.
func (s *GormStore) GetLatestKhetma(ctx context.Context, groupID int64) (domain.Khetma, bool, error) {
	var model KhetmaModel
	err := s.db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Order("sequence_number DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Khetma{}, false, nil
		}
		return domain.Khetma{}, false, err
	}
	return s.getKhetma(ctx, "khetma_id = ?", model.ID)
}

func (s *GormStore) getKhetma(ctx context.Context, query string, args ...any) (domain.Khetma, bool, error) {
	khetma, err := loadKhetma(s.db.WithContext(ctx), query, args...)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Khetma{}, false, nil
		}
		return domain.Khetma{}, false, err
	}
	return khetma, true, nil
}

func loadKhetma(tx *gorm.DB, query string, args ...any) (domain.Khetma, error) {
	var model KhetmaModel
	if err := tx.Where(query, args...).First(&model).Error; err != nil {
		return domain.Khetma{}, err
	}
	var chapterModels []ChapterModel
	if err := tx.Where("khetma_id = ?", model.ID).
		Order("number ASC").
		Find(&chapterModels).Error; err != nil {
		return domain.Khetma{}, err
	}
	return khetmaFromModel(model, chapterModels)
}

// ListKhetmas returns all khetmas of a group in sequence order,
// chapters included.
func (s *GormStore) ListKhetmas(ctx context.Context, groupID int64) ([]domain.Khetma, error) {
	var models []KhetmaModel
	if err := s.db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Order("sequence_number ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	khetmas := make([]domain.Khetma, 0, len(models))
	for _, model := range models {
		khetma, err := loadKhetma(s.db.WithContext(ctx), "khetma_id = ?", model.ID)
		if err != nil {
			return nil, err
		}
		khetmas = append(khetmas, khetma)
	}
	return khetmas, nil
}

// GetChapter loads a single chapter.
func (s *GormStore) GetChapter(ctx context.Context, khetmaID int64, number int) (domain.Chapter, bool, error) {
	var model ChapterModel
	err := s.db.WithContext(ctx).
		Where("khetma_id = ? AND number = ?", khetmaID, number).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Chapter{}, false, nil
		}
		return domain.Chapter{}, false, err
	}
	chapter, err := chapterFromModel(model)
	if err != nil {
		return domain.Chapter{}, false, err
	}
	return chapter, true, nil
}

// CompareAndSetChapter conditionally replaces a chapter's state in one
// UPDATE. Two callers racing on the same expected status cannot both
// succeed: the row matches the WHERE clause for exactly one of them.
func (s *GormStore) CompareAndSetChapter(ctx context.Context, khetmaID int64, number int, expected *domain.ChapterStatus, ch domain.Chapter) (bool, error) {
	var ownerID *int64
	var ownerName *string
	if ch.OwnerID != 0 {
		ownerID = &ch.OwnerID
	}
	if ch.OwnerName != "" {
		ownerName = &ch.OwnerName
	}
	query := s.db.WithContext(ctx).Model(&ChapterModel{}).
		Where("khetma_id = ? AND number = ?", khetmaID, number)
	if expected != nil {
		query = query.Where("status = ?", string(*expected))
	}
	res := query.Updates(map[string]any{
		"status":     string(ch.Status),
		"owner_id":   ownerID,
		"owner_name": ownerName,
		"updated_at": time.Now().UTC(),
	})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// GetChaptersByOwner lists chapters owned by ownerID, restricted to one
// khetma when khetmaID is non-zero.
func (s *GormStore) GetChaptersByOwner(ctx context.Context, ownerID int64, khetmaID int64) ([]domain.Chapter, error) {
	query := s.db.WithContext(ctx).Where("owner_id = ?", ownerID)
	if khetmaID != 0 {
		query = query.Where("khetma_id = ?", khetmaID)
	}
	var models []ChapterModel
	if err := query.Order("khetma_id ASC, number ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	chapters := make([]domain.Chapter, 0, len(models))
	for _, model := range models {
		chapter, err := chapterFromModel(model)
		if err != nil {
			return nil, err
		}
		chapters = append(chapters, chapter)
	}
	return chapters, nil
}

// SetKhetmaStatus updates the khetma's lifecycle status.
func (s *GormStore) SetKhetmaStatus(ctx context.Context, id int64, status domain.KhetmaStatus) error {
	return s.db.WithContext(ctx).Model(&KhetmaModel{}).
		Where("khetma_id = ?", id).
		Updates(map[string]any{
			"status":     string(status),
			"updated_at": time.Now().UTC(),
		}).Error
}

// AppendEvent records a transition in the khetma's audit trail.
func (s *GormStore) AppendEvent(ctx context.Context, ev domain.Event) error {
	payload, err := json.Marshal(ev.Actor)
	if err != nil {
		return fmt.Errorf("marshal event actor: %w", err)
	}
	model := KhetmaEventModel{
		ID:            ev.ID,
		KhetmaID:      ev.KhetmaID,
		ChapterNumber: ev.ChapterNumber,
		Kind:          string(ev.Kind),
		Payload:       payload,
		CreatedAt:     ev.CreatedAt,
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

// ListEvents returns the newest events of a khetma, most recent first.
func (s *GormStore) ListEvents(ctx context.Context, khetmaID int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	var models []KhetmaEventModel
	if err := s.db.WithContext(ctx).
		Where("khetma_id = ?", khetmaID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	events := make([]domain.Event, 0, len(models))
	for _, model := range models {
		ev := domain.Event{
			ID:            model.ID,
			KhetmaID:      model.KhetmaID,
			ChapterNumber: model.ChapterNumber,
			Kind:          domain.EventKind(model.Kind),
			CreatedAt:     model.CreatedAt,
		}
		if len(model.Payload) > 0 {
			_ = json.Unmarshal(model.Payload, &ev.Actor)
		}
		events = append(events, ev)
	}
	return events, nil
}

func khetmaFromModel(m KhetmaModel, chapterModels []ChapterModel) (domain.Khetma, error) {
	status, err := domain.ParseKhetmaStatus(m.Status)
	if err != nil {
		return domain.Khetma{}, fmt.Errorf("khetma %d: %w", m.ID, err)
	}
	khetma := domain.Khetma{
		ID:             m.ID,
		GroupID:        m.GroupID,
		SequenceNumber: m.SequenceNumber,
		Status:         status,
		Chapters:       make([]domain.Chapter, 0, len(chapterModels)),
		CreatedAt:      m.CreatedAt,
	}
	for _, cm := range chapterModels {
		chapter, err := chapterFromModel(cm)
		if err != nil {
			return domain.Khetma{}, err
		}
		khetma.Chapters = append(khetma.Chapters, chapter)
	}
	return khetma, nil
}

// chapterFromModel validates the row at the storage boundary: an
// unknown status or an owner/status mismatch is an integrity error,
// never a silent default.
func chapterFromModel(m ChapterModel) (domain.Chapter, error) {
	status, err := domain.ParseChapterStatus(m.Status)
	if err != nil {
		return domain.Chapter{}, fmt.Errorf("chapter %d of khetma %d: %w", m.Number, m.KhetmaID, err)
	}
	chapter := domain.Chapter{
		KhetmaID: m.KhetmaID,
		Number:   m.Number,
		Status:   status,
	}
	if m.OwnerID != nil {
		chapter.OwnerID = *m.OwnerID
	}
	if m.OwnerName != nil {
		chapter.OwnerName = *m.OwnerName
	}
	if (chapter.OwnerID == 0) != (chapter.Status == domain.ChapterEmpty) {
		return domain.Chapter{}, fmt.Errorf("chapter %d of khetma %d: owner does not match status %s", m.Number, m.KhetmaID, status)
	}
	return chapter, nil
}
