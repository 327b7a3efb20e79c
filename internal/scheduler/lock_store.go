package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/huangang/fleetcron/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LockStore persists task lock rows. Every method is a single statement whose
// predicate is evaluated by the database; none of them read then write.
type LockStore interface {
	// TryAcquire claims name for owner if no row exists or the existing row
	// expired at or before now.
	TryAcquire(ctx context.Context, name, owner string, now, expiresAt time.Time) (bool, error)
	// Refresh moves expires_at forward for a row still owned by owner.
	Refresh(ctx context.Context, name, owner string, expiresAt time.Time) (bool, error)
	// Release deletes the row only if owner holds it.
	Release(ctx context.Context, name, owner string) (bool, error)
	ReleaseAll(ctx context.Context, owner string) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	UpdateLastRun(ctx context.Context, name, owner string, at time.Time) error
	// Get returns nil without error when no row exists.
	Get(ctx context.Context, name string) (*models.TaskLock, error)
}

type gormLockStore struct {
	db *gorm.DB
}

// NewLockStore returns a LockStore backed by the task_locks table.
func NewLockStore(db *gorm.DB) LockStore {
	return &gormLockStore{db: db}
}

func (s *gormLockStore) TryAcquire(ctx context.Context, name, owner string, now, expiresAt time.Time) (bool, error) {
	// Take over an expired lease. The WHERE clause is re-checked by the
	// database under its row lock, so two racing takeovers cannot both win.
	res := s.db.WithContext(ctx).
		Model(&models.TaskLock{}).
		Where("task_name = ? AND expires_at <= ?", name, now).
		Updates(map[string]interface{}{
			"locked_by":  owner,
			"locked_at":  now,
			"expires_at": expiresAt,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	// No expired row: claim a fresh one. A live row makes this a no-op.
	lock := models.TaskLock{
		TaskName:  name,
		LockedBy:  owner,
		LockedAt:  now,
		ExpiresAt: expiresAt,
	}
	res = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&lock)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *gormLockStore) Refresh(ctx context.Context, name, owner string, expiresAt time.Time) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.TaskLock{}).
		Where("task_name = ? AND locked_by = ?", name, owner).
		Update("expires_at", expiresAt)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *gormLockStore) Release(ctx context.Context, name, owner string) (bool, error) {
	res := s.db.WithContext(ctx).
		Where("task_name = ? AND locked_by = ?", name, owner).
		Delete(&models.TaskLock{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *gormLockStore) ReleaseAll(ctx context.Context, owner string) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("locked_by = ?", owner).
		Delete(&models.TaskLock{})
	return res.RowsAffected, res.Error
}

func (s *gormLockStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at < ?", now).
		Delete(&models.TaskLock{})
	return res.RowsAffected, res.Error
}

func (s *gormLockStore) UpdateLastRun(ctx context.Context, name, owner string, at time.Time) error {
	return s.db.WithContext(ctx).
		Model(&models.TaskLock{}).
		Where("task_name = ? AND locked_by = ?", name, owner).
		Update("last_run_at", at).Error
}

func (s *gormLockStore) Get(ctx context.Context, name string) (*models.TaskLock, error) {
	var lock models.TaskLock
	err := s.db.WithContext(ctx).Where("task_name = ?", name).First(&lock).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &lock, nil
}
