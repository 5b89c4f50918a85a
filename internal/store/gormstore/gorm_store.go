package gormstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"warden/internal/deployment"
	"warden/internal/store"
	storemodel "warden/internal/store/model"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type deploymentModel = storemodel.DeploymentModel
type signalHistoryModel = storemodel.SignalHistoryModel

// 生命周期写入遇到并发版本冲突时的重试次数
const lifecycleRetries = 3

// Options 描述底层数据库。Driver 为 sqlite 时使用 Path，postgres 时使用 DSN。
type Options struct {
	Driver       string
	Path         string
	DSN          string
	MaxOpenConns int
}

// GormStore implements store.Repository on top of Gorm (SQLite or Postgres).
type GormStore struct {
	db *gorm.DB
}

var (
	_ store.Repository = (*GormStore)(nil)
	_ store.Leaser     = (*GormStore)(nil)
)

// New opens the database described by opts and migrates the schema.
func New(opts Options) (*GormStore, error) {
	dialector, err := openDialector(opts)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	return NewFromDB(db, opts.MaxOpenConns)
}

// NewFromDB wraps an already opened connection.
func NewFromDB(db *gorm.DB, maxOpen int) (*GormStore, error) {
	if db == nil {
		return nil, fmt.Errorf("gorm db 不能为空")
	}
	if err := db.AutoMigrate(&deploymentModel{}, &signalHistoryModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
		sqlDB.SetMaxIdleConns(maxOpen)
	}
	return &GormStore{db: db}, nil
}

func openDialector(opts Options) (gorm.Dialector, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", "sqlite":
		path := strings.TrimSpace(opts.Path)
		if path == "" {
			return nil, fmt.Errorf("gorm store: sqlite 路径不能为空")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&cache=shared", path)
		return sqlite.Open(dsn), nil
	case "postgres":
		if strings.TrimSpace(opts.DSN) == "" {
			return nil, fmt.Errorf("gorm store: postgres dsn 不能为空")
		}
		return postgres.Open(opts.DSN), nil
	default:
		return nil, fmt.Errorf("gorm store: unsupported driver %s", opts.Driver)
	}
}

// Close closes the underlying database connection.
func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SQLDB exposes the underlying *sql.DB for health checks.
func (s *GormStore) SQLDB() (*sql.DB, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	return s.db.DB()
}

func (s *GormStore) Create(ctx context.Context, d *deployment.Deployment) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	if d == nil {
		return fmt.Errorf("nil deployment")
	}
	var existing int64
	if err := s.db.WithContext(ctx).Unscoped().Model(&deploymentModel{}).Where("id = ?", d.ID).Count(&existing).Error; err != nil {
		return err
	}
	if existing > 0 {
		return fmt.Errorf("%w: %s", store.ErrExists, d.ID)
	}
	d.Version = 1
	m, err := newDeploymentModel(d)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(&m).Error
}

func (s *GormStore) Load(ctx context.Context, id string) (*deployment.Deployment, error) {
	return s.load(s.db.WithContext(ctx), id)
}

func (s *GormStore) load(tx *gorm.DB, id string) (*deployment.Deployment, error) {
	var m deploymentModel
	if err := tx.Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return deploymentModelToDomain(m)
}

// SaveCycle 条件更新：仅当版本未变时写入，并在同一事务中追加信号历史。
func (s *GormStore) SaveCycle(ctx context.Context, d *deployment.Deployment, expectedVersion int64, history []store.SignalRecord) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.casUpdate(tx, d, expectedVersion); err != nil {
			return err
		}
		if len(history) == 0 {
			return nil
		}
		rows := make([]signalHistoryModel, 0, len(history))
		for _, rec := range history {
			rec.DeploymentID = d.ID
			m, err := newSignalHistoryModel(rec)
			if err != nil {
				return err
			}
			rows = append(rows, m)
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return err
	}
	d.Version = expectedVersion + 1
	return nil
}

func (s *GormStore) casUpdate(tx *gorm.DB, d *deployment.Deployment, expectedVersion int64) error {
	next := d.Clone()
	next.Version = expectedVersion + 1
	m, err := newDeploymentModel(next)
	if err != nil {
		return err
	}
	res := tx.Model(&deploymentModel{}).
		Where("id = ? AND version = ?", d.ID, expectedVersion).
		Select("*").
		Omit("id", "created_at", "deleted_at", "lease_owner", "lease_until").
		Updates(&m)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	var n int64
	if err := tx.Model(&deploymentModel{}).Where("id = ?", d.ID).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return store.ErrStale
}

// UpdateLifecycle 读-改-写；与周期提交冲突时重新读取并重放 mutate。
func (s *GormStore) UpdateLifecycle(ctx context.Context, id string, mutate store.Mutator) (*deployment.Deployment, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	var lastErr error
	for attempt := 0; attempt < lifecycleRetries; attempt++ {
		var out *deployment.Deployment
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			cur, err := s.load(tx, id)
			if err != nil {
				return err
			}
			changed, err := mutate(cur)
			if err != nil {
				return err
			}
			if !changed {
				out = cur
				return nil
			}
			if err := s.casUpdate(tx, cur, cur.Version); err != nil {
				return err
			}
			cur.Version++
			out = cur
			return nil
		})
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, store.ErrStale) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// AcquireLease 条件更新租约列；过期或自己持有的租约可被（续）占。
func (s *GormStore) AcquireLease(ctx context.Context, id, owner string, now time.Time, ttl time.Duration) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("gorm store 未初始化")
	}
	if strings.TrimSpace(owner) == "" {
		return false, fmt.Errorf("lease owner 不能为空")
	}
	res := s.db.WithContext(ctx).Model(&deploymentModel{}).
		Where("id = ?", id).
		Where("(lease_owner = ? OR lease_until < ?)", owner, now.UnixMilli()).
		Updates(map[string]any{
			"lease_owner": owner,
			"lease_until": now.Add(ttl).UnixMilli(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&deploymentModel{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return false, err
	}
	if n == 0 {
		return false, store.ErrNotFound
	}
	return false, nil
}

func (s *GormStore) ReleaseLease(ctx context.Context, id, owner string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	return s.db.WithContext(ctx).Model(&deploymentModel{}).
		Where("id = ? AND lease_owner = ?", id, owner).
		Updates(map[string]any{"lease_owner": "", "lease_until": int64(0)}).Error
}

func (s *GormStore) ListRunnable(ctx context.Context) ([]*deployment.Deployment, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	var models []deploymentModel
	err := s.db.WithContext(ctx).
		Where("status IN ?", []string{string(deployment.StatusActive), string(deployment.StatusError)}).
		Order("id ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]*deployment.Deployment, 0, len(models))
	for _, m := range models {
		d, err := deploymentModelToDomain(m)
		if err != nil {
			return nil, fmt.Errorf("deployment %s: %w", m.ID, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// Delete 软删除；历史记录保留。
func (s *GormStore) Delete(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&deploymentModel{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *GormStore) ListSignals(ctx context.Context, id string, limit int) ([]store.SignalRecord, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store 未初始化")
	}
	q := s.db.WithContext(ctx).Where("deployment_id = ?", id).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []signalHistoryModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]store.SignalRecord, 0, len(models))
	for _, m := range models {
		out = append(out, signalHistoryModelToRecord(m))
	}
	return out, nil
}

// Ping 用于健康检查。
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.SQLDB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}
