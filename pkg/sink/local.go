package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/testoor/pkg/config"
	"github.com/ethpandaops/testoor/pkg/result"
	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store is the local durable sink plus the read side used by reports,
// history and the results API.
type Store interface {
	Sink

	Open(ctx context.Context) error

	GetRun(ctx context.Context, runID string) (*RunRow, error)
	ListRuns(ctx context.Context, since time.Time, platform string, limit int) ([]RunRow, error)
	ListOutcomes(ctx context.Context, runID string) ([]OutcomeRow, error)
	ListCategories(ctx context.Context, runID string) ([]CategoryRow, error)
}

// Compile-time interface check.
var _ Store = (*localStore)(nil)

type localStore struct {
	log logrus.FieldLogger
	cfg *config.LocalSinkConfig
	db  *gorm.DB
}

// NewLocalStore creates the local sink backed by the configured database
// driver (sqlite or postgres).
func NewLocalStore(log logrus.FieldLogger, cfg *config.LocalSinkConfig) Store {
	return &localStore{
		log: log.WithField("component", "sink.local"),
		cfg: cfg,
	}
}

// Open opens the database connection and runs migrations.
func (s *localStore) Open(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return &UnavailableError{Sink: s.Name(), Err: fmt.Errorf("opening database: %w", err)}
	}

	s.db = db

	if err := s.db.WithContext(ctx).AutoMigrate(
		&RunRow{},
		&OutcomeRow{},
		&CategoryRow{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Local sink connected")

	return nil
}

func (s *localStore) Name() string {
	return "local"
}

// WriteRun creates the run row or, if the run already exists, updates
// its lifecycle fields. Keyed by run ID so redelivery is a no-op.
func (s *localStore) WriteRun(ctx context.Context, run *result.Run) error {
	if s.db == nil {
		return &UnavailableError{Sink: s.Name(), Err: fmt.Errorf("store not opened")}
	}

	row := runRow(run)

	var existing RunRow

	err := s.db.WithContext(ctx).
		Where("run_id = ?", row.RunID).
		First(&existing).Error

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
			return &UnavailableError{Sink: s.Name(), Err: fmt.Errorf("creating run: %w", err)}
		}
	case err != nil:
		return &UnavailableError{Sink: s.Name(), Err: fmt.Errorf("looking up run: %w", err)}
	default:
		row.ID = existing.ID
		if err := s.db.WithContext(ctx).Save(row).Error; err != nil {
			return &UnavailableError{Sink: s.Name(), Err: fmt.Errorf("updating run: %w", err)}
		}
	}

	return nil
}

// WriteOutcome appends one outcome row. Rewriting the same attempt keeps
// the first row (outcome records are immutable once written).
func (s *localStore) WriteOutcome(ctx context.Context, rec *result.OutcomeRecord) error {
	if s.db == nil {
		return &UnavailableError{Sink: s.Name(), Err: fmt.Errorf("store not opened")}
	}

	row := outcomeRow(rec)

	err := s.db.WithContext(ctx).
		Where(
			"run_id = ? AND test_unit_id = ? AND attempt_number = ?",
			row.RunID, row.TestUnitID, row.AttemptNumber,
		).
		FirstOrCreate(row).Error
	if err != nil {
		return &UnavailableError{Sink: s.Name(), Err: fmt.Errorf("writing outcome: %w", err)}
	}

	return nil
}

// WriteCategory attaches a failure category, keyed by outcome identity.
func (s *localStore) WriteCategory(ctx context.Context, cat *result.FailureCategory) error {
	if s.db == nil {
		return &UnavailableError{Sink: s.Name(), Err: fmt.Errorf("store not opened")}
	}

	row := categoryRow(cat)

	err := s.db.WithContext(ctx).
		Where(
			"run_id = ? AND test_unit_id = ? AND attempt_number = ?",
			row.RunID, row.TestUnitID, row.AttemptNumber,
		).
		FirstOrCreate(row).Error
	if err != nil {
		return &UnavailableError{Sink: s.Name(), Err: fmt.Errorf("writing category: %w", err)}
	}

	return nil
}

// Close closes the underlying database connection.
func (s *localStore) Close() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

func (s *localStore) GetRun(ctx context.Context, runID string) (*RunRow, error) {
	var row RunRow
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		First(&row).Error; err != nil {
		return nil, fmt.Errorf("getting run %s: %w", runID, err)
	}

	return &row, nil
}

func (s *localStore) ListRuns(ctx context.Context, since time.Time, platform string, limit int) ([]RunRow, error) {
	q := s.db.WithContext(ctx).Order("started_at DESC")

	if !since.IsZero() {
		q = q.Where("started_at >= ?", since)
	}

	if platform != "" {
		q = q.Where("platform = ?", platform)
	}

	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []RunRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	return rows, nil
}

func (s *localStore) ListOutcomes(ctx context.Context, runID string) ([]OutcomeRow, error) {
	var rows []OutcomeRow
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("test_unit_id ASC, attempt_number ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing outcomes: %w", err)
	}

	return rows, nil
}

func (s *localStore) ListCategories(ctx context.Context, runID string) ([]CategoryRow, error) {
	var rows []CategoryRow
	if err := s.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("test_unit_id ASC, attempt_number ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing categories: %w", err)
	}

	return rows, nil
}
