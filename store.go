package parentsync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// ============================================================================
// Store
// ============================================================================

// Store is the on-device cache: students, messages with their read state, and
// a small settings table. It is the only data source while offline.
//
// The underlying SQLite connection is a single-writer resource. Every write
// runs inside a transaction under writeMu, so a page merge and a MarkRead on
// the same row can never interleave.
type Store struct {
	db      *gorm.DB
	writeMu sync.Mutex
	log     *zap.Logger
}

// KeyValueStore persists small pieces of process-wide state.
type KeyValueStore interface {
	Setting(ctx context.Context, key string) (string, bool, error)
	PutSetting(ctx context.Context, key, value string) error
	DeleteSetting(ctx context.Context, key string) error
}

// OpenStore opens (creating if needed) the store at path. Use ":memory:" for
// a throwaway store.
func OpenStore(path string, logger *zap.Logger) (*Store, error) {
	dsn := path
	if path != ":memory:" && !strings.Contains(path, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, storageError("open store", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, storageError("open store", err)
	}
	sqlDB.SetMaxOpenConns(1)

	// Additive only: AutoMigrate creates missing tables, columns and indexes.
	if err := db.AutoMigrate(&Student{}, &MessageRow{}, &setting{}); err != nil {
		sqlDB.Close()
		return nil, storageError("migrate store", err)
	}
	return &Store{db: db, log: orNop(logger)}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// write runs fn in a transaction holding the writer lock. The transaction is
// detached from ctx cancellation so a write that has started always finishes
// and never leaves a torn row.
func (s *Store) write(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := s.db.WithContext(context.WithoutCancel(ctx)).Transaction(fn)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrMessageNotFound) {
		return err
	}
	s.log.Error("store write failed", zap.String("op", op), zap.Error(err))
	return storageError(op, err)
}

func (s *Store) read(ctx context.Context, op string, fn func(db *gorm.DB) error) error {
	if err := fn(s.db.WithContext(ctx)); err != nil {
		s.log.Error("store read failed", zap.String("op", op), zap.Error(err))
		return storageError(op, err)
	}
	return nil
}

// ── Students ─────────────────────────────────────────────

// PutStudents upserts every student by id in one transaction. Students missing
// from the slice are left in place.
func (s *Store) PutStudents(ctx context.Context, students []Student) error {
	if len(students) == 0 {
		return nil
	}
	return s.write(ctx, "put students", func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&students).Error
	})
}

// Students returns the cached directory ordered by id.
func (s *Store) Students(ctx context.Context) ([]Student, error) {
	var out []Student
	err := s.read(ctx, "list students", func(db *gorm.DB) error {
		return db.Order("id").Find(&out).Error
	})
	return out, err
}

// StudentByID returns the cached student or nil when unknown.
func (s *Store) StudentByID(ctx context.Context, id int64) (*Student, error) {
	var out []Student
	err := s.read(ctx, "get student", func(db *gorm.DB) error {
		return db.Where("id = ?", id).Limit(1).Find(&out).Error
	})
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return &out[0], nil
}

// ── Messages ─────────────────────────────────────────────

// MergePage upserts a page of server messages for one student inside a single
// transaction and returns the merged rows in the order given.
//
// Each row is re-read inside the transaction before it is written, so local
// read state recorded after the page was fetched is never downgraded.
func (s *Store) MergePage(ctx context.Context, studentID int64, studentNumber string, msgs []Message) ([]MessageRow, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	var merged []MessageRow
	err := s.write(ctx, "merge page", func(tx *gorm.DB) error {
		ids := make([]int64, len(msgs))
		for i, m := range msgs {
			ids[i] = m.ID
		}
		var existing []MessageRow
		if err := tx.Where("id IN ?", ids).Find(&existing).Error; err != nil {
			return err
		}
		byID := make(map[int64]*MessageRow, len(existing))
		for i := range existing {
			byID[existing[i].ID] = &existing[i]
		}

		rows := make([]MessageRow, len(msgs))
		for i, m := range msgs {
			rows[i] = mergeMessage(byID[m.ID], m, studentID, studentNumber)
		}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&rows).Error; err != nil {
			return err
		}
		merged = rows
		return nil
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

// mergeMessage reconciles a server message with the cached row.
//
// A server viewed_at is authoritative and yields the confirmed state
// (1, viewed_at, 1). Without it, any local read state is kept as is.
func mergeMessage(local *MessageRow, m Message, studentID int64, studentNumber string) MessageRow {
	row := MessageRow{
		ID:            m.ID,
		StudentNumber: studentNumber,
		StudentID:     studentID,
		Title:         m.Title,
		Content:       m.Content,
		Priority:      m.Priority,
		GroupName:     m.GroupName,
		EditedAt:      utcPtr(m.EditedAt),
		Images:        datatypes.JSONSlice[string](m.Images),
		SentTime:      m.SentTime.UTC(),
	}
	if row.StudentNumber == "" && local != nil {
		row.StudentNumber = local.StudentNumber
	}

	switch {
	case m.ViewedAt != nil:
		row.ReadStatus = 1
		row.ReadTime = utcPtr(m.ViewedAt)
		row.SentStatus = 1
	case local != nil && local.ReadStatus == 1:
		row.ReadStatus = 1
		row.ReadTime = local.ReadTime
		row.SentStatus = local.SentStatus
	}
	return row
}

// Page returns a cached page for a student ordered by sent_time descending.
func (s *Store) Page(ctx context.Context, studentID int64, offset, limit int) ([]MessageRow, error) {
	var out []MessageRow
	err := s.read(ctx, "read page", func(db *gorm.DB) error {
		return db.Where("student_id = ?", studentID).
			Order("sent_time DESC").Order("id DESC").
			Offset(offset).Limit(limit).
			Find(&out).Error
	})
	return out, err
}

// Message returns one cached row or nil when unknown.
func (s *Store) Message(ctx context.Context, id int64) (*MessageRow, error) {
	var out []MessageRow
	err := s.read(ctx, "get message", func(db *gorm.DB) error {
		return db.Where("id = ?", id).Limit(1).Find(&out).Error
	})
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return &out[0], nil
}

// MarkRead records a local read. It reports whether the row changed; marking
// an already-read message keeps its original read_time.
func (s *Store) MarkRead(ctx context.Context, id int64, at time.Time) (bool, error) {
	changed := false
	err := s.write(ctx, "mark read", func(tx *gorm.DB) error {
		res := tx.Model(&MessageRow{}).
			Where("id = ? AND read_status = 0", id).
			Updates(map[string]any{"read_status": 1, "read_time": at.UTC()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			changed = true
			return nil
		}
		var n int64
		if err := tx.Model(&MessageRow{}).Where("id = ?", id).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("mark read %d: %w", id, ErrMessageNotFound)
		}
		return nil
	})
	return changed, err
}

// UnsentReceipts returns up to limit ids that were read locally but not yet
// acknowledged, oldest read first. studentID 0 selects all students.
func (s *Store) UnsentReceipts(ctx context.Context, studentID int64, limit int) ([]int64, error) {
	var ids []int64
	err := s.read(ctx, "list unsent receipts", func(db *gorm.DB) error {
		q := db.Model(&MessageRow{}).Where("read_status = 1 AND sent_status = 0")
		if studentID != 0 {
			q = q.Where("student_id = ?", studentID)
		}
		return q.Order("read_time").Order("id").Limit(limit).Pluck("id", &ids).Error
	})
	return ids, err
}

// StudentsWithUnsentReceipts lists the students that have pending receipts.
func (s *Store) StudentsWithUnsentReceipts(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.read(ctx, "list students with receipts", func(db *gorm.DB) error {
		return db.Model(&MessageRow{}).
			Where("read_status = 1 AND sent_status = 0").
			Distinct("student_id").Order("student_id").
			Pluck("student_id", &ids).Error
	})
	return ids, err
}

// PendingReceiptCount counts receipts waiting for the server.
func (s *Store) PendingReceiptCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.read(ctx, "count unsent receipts", func(db *gorm.DB) error {
		return db.Model(&MessageRow{}).Where("read_status = 1 AND sent_status = 0").Count(&n).Error
	})
	return n, err
}

// MarkSent flips sent_status for acknowledged ids in one transaction. Rows
// that are not read are skipped so sent never precedes read.
func (s *Store) MarkSent(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var n int64
	err := s.write(ctx, "mark sent", func(tx *gorm.DB) error {
		res := tx.Model(&MessageRow{}).
			Where("id IN ? AND read_status = 1 AND sent_status = 0", ids).
			Update("sent_status", 1)
		n = res.RowsAffected
		return res.Error
	})
	return int(n), err
}

// Reset removes every cached student and message. Settings are kept.
func (s *Store) Reset(ctx context.Context) error {
	return s.write(ctx, "reset store", func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&MessageRow{}).Error; err != nil {
			return err
		}
		return tx.Where("1 = 1").Delete(&Student{}).Error
	})
}

// ── Settings ─────────────────────────────────────────────

// Setting returns the stored value for key.
func (s *Store) Setting(ctx context.Context, key string) (string, bool, error) {
	var out []setting
	err := s.read(ctx, "get setting", func(db *gorm.DB) error {
		return db.Where("name = ?", key).Limit(1).Find(&out).Error
	})
	if err != nil || len(out) == 0 {
		return "", false, err
	}
	return out[0].Value, true, nil
}

// PutSetting upserts key.
func (s *Store) PutSetting(ctx context.Context, key, value string) error {
	return s.write(ctx, "put setting", func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&setting{Name: key, Value: value}).Error
	})
}

// DeleteSetting removes key if present.
func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	return s.write(ctx, "delete setting", func(tx *gorm.DB) error {
		return tx.Where("name = ?", key).Delete(&setting{}).Error
	})
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
