package writestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/convsync/pkg/types"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// entityRow is the current state of one entity
type entityRow struct {
	EntityID    string    `gorm:"primaryKey;column:entity_id"`
	EntityType  string    `gorm:"not null"`
	Version     uint64    `gorm:"not null"`
	Deleted     bool      `gorm:"not null;default:false"`
	Payload     *string   `gorm:"type:text"`
	CommittedAt time.Time `gorm:"not null"`
}

func (entityRow) TableName() string {
	return "entities"
}

// changeRow is one change-log entry, written in the same transaction as entityRow
type changeRow struct {
	Seq         uint64    `gorm:"primaryKey;autoIncrement"`
	EntityType  string    `gorm:"not null"`
	EntityID    string    `gorm:"not null;index:idx_change_log_entity"`
	Version     uint64    `gorm:"not null;index:idx_change_log_entity"`
	Operation   string    `gorm:"not null"`
	Payload     *string   `gorm:"type:text"`
	CommittedAt time.Time `gorm:"not null;index"`
}

func (changeRow) TableName() string {
	return "change_log"
}

func (c *changeRow) event() types.ChangeEvent {
	ev := types.ChangeEvent{
		Sequence:    c.Seq,
		EntityType:  types.EntityType(c.EntityType),
		EntityID:    c.EntityID,
		Version:     c.Version,
		Operation:   types.Operation(c.Operation),
		CommittedAt: c.CommittedAt.UTC(),
	}
	if c.Payload != nil {
		ev.Payload = []byte(*c.Payload)
	}
	return ev
}

// PostgresStore is a write store on PostgreSQL through GORM
type PostgresStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewPostgresStore connects to dsn
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &PostgresStore{db: db, now: time.Now}
	if err := s.Ping(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the entities and change_log tables
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&entityRow{}, &changeRow{}); err != nil {
		return fmt.Errorf("migrate postgres: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return types.Transient("writestore.ping", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return types.Transient("writestore.ping", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *PostgresStore) Execute(ctx context.Context, cmd *types.Command) (*types.Commit, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}

	var commit *types.Commit
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current entityRow
		exists := true
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("entity_id = ?", cmd.EntityID).
			Take(&current).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			exists = false
		} else if err != nil {
			return types.Transient("writestore.select", err)
		}

		version, err := nextVersion(cmd, exists, current.EntityType, current.Version, current.Deleted)
		if err != nil {
			return err
		}

		committedAt := s.now().UTC()
		var payload *string
		if cmd.Operation == types.OperationUpsert {
			p := string(cmd.Payload)
			payload = &p
		}

		row := entityRow{
			EntityID:    cmd.EntityID,
			EntityType:  string(cmd.EntityType),
			Version:     version,
			Deleted:     cmd.Operation == types.OperationDelete,
			Payload:     payload,
			CommittedAt: committedAt,
		}
		if err := tx.Save(&row).Error; err != nil {
			return types.Transient("writestore.write", err)
		}

		change := changeRow{
			EntityType:  string(cmd.EntityType),
			EntityID:    cmd.EntityID,
			Version:     version,
			Operation:   string(cmd.Operation),
			Payload:     payload,
			CommittedAt: committedAt,
		}
		if err := tx.Create(&change).Error; err != nil {
			return types.Transient("writestore.change_log", err)
		}

		ev := change.event()
		commit = &types.Commit{
			CommandID:   cmd.ID,
			EntityType:  cmd.EntityType,
			EntityID:    cmd.EntityID,
			Version:     version,
			Sequence:    change.Seq,
			Operation:   cmd.Operation,
			Payload:     ev.Payload,
			CommittedAt: committedAt,
			Projection:  types.ProjectionNotAttempted,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return commit, nil
}

func (s *PostgresStore) Load(ctx context.Context, entityType types.EntityType, entityID string) (*types.EntityState, error) {
	var row entityRow
	err := s.db.WithContext(ctx).Where("entity_id = ?", entityID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%s %s: %w", entityType, entityID, types.ErrNotFound)
	}
	if err != nil {
		return nil, types.Transient("writestore.load", err)
	}
	if entityType != "" && row.EntityType != string(entityType) {
		return nil, fmt.Errorf("entity %s is a %s, not a %s", entityID, row.EntityType, entityType)
	}

	state := &types.EntityState{
		EntityType:  types.EntityType(row.EntityType),
		EntityID:    row.EntityID,
		Version:     row.Version,
		Deleted:     row.Deleted,
		CommittedAt: row.CommittedAt.UTC(),
	}
	if row.Payload != nil {
		state.Payload = []byte(*row.Payload)
	}
	return state, nil
}

func (s *PostgresStore) Changes(ctx context.Context, afterSeq uint64, limit int) ([]types.ChangeEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []changeRow
	err := s.db.WithContext(ctx).
		Where("seq > ?", afterSeq).
		Order("seq ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, types.Transient("writestore.changes", err)
	}

	events := make([]types.ChangeEvent, 0, len(rows))
	for i := range rows {
		events = append(events, rows[i].event())
	}
	return events, nil
}

func (s *PostgresStore) ChangesAt(ctx context.Context, seqs []uint64) ([]types.ChangeEvent, error) {
	if len(seqs) == 0 {
		return nil, nil
	}
	var rows []changeRow
	err := s.db.WithContext(ctx).
		Where("seq IN ?", seqs).
		Order("seq ASC").
		Find(&rows).Error
	if err != nil {
		return nil, types.Transient("writestore.changes", err)
	}

	events := make([]types.ChangeEvent, 0, len(rows))
	for i := range rows {
		events = append(events, rows[i].event())
	}
	return events, nil
}

func (s *PostgresStore) PurgeChanges(ctx context.Context, uptoSeq uint64, olderThan time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("seq <= ? AND committed_at < ?", uptoSeq, olderThan).
		Delete(&changeRow{})
	if res.Error != nil {
		return 0, types.Transient("writestore.purge", res.Error)
	}
	return res.RowsAffected, nil
}
