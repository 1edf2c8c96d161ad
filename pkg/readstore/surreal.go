package readstore

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/cuemby/convsync/pkg/types"
	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/connection/gorillaws"
	"github.com/surrealdb/surrealdb.go/surrealcbor"
)

const surrealTable = "projection"

// SurrealConfig addresses a SurrealDB namespace and database
type SurrealConfig struct {
	URL       string
	Namespace string
	Database  string
	Username  string
	Password  string
}

// SurrealStore keeps projections as documents in one SurrealDB table. A
// deletion leaves a document with deleted=true at the delete version, which
// serves as the tombstone. Conditional writes are single UPSERT ... WHERE
// statements, so the version check and the write are atomic per record.
type SurrealStore struct {
	db *surrealdb.DB
}

type surrealProjection struct {
	EntityType  string    `json:"entity_type"`
	EntityID    string    `json:"entity_id"`
	Version     uint64    `json:"version"`
	SessionID   string    `json:"session_id"`
	ParentID    string    `json:"parent_id"`
	OwnerID     string    `json:"owner_id"`
	Payload     string    `json:"payload"`
	CommittedAt time.Time `json:"committed_at"`
	Deleted     bool      `json:"deleted"`
}

type versionRow struct {
	Version uint64 `json:"version"`
}

// NewSurrealStore connects over WebSocket using the surrealcbor codec
func NewSurrealStore(ctx context.Context, cfg SurrealConfig) (*SurrealStore, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	conf := connection.NewConfig(u)
	codec := surrealcbor.New()
	conf.Marshaler = codec
	conf.Unmarshaler = codec

	db, err := surrealdb.FromConnection(ctx, gorillaws.New(conf))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SurrealDB: %w", err)
	}

	if cfg.Username != "" && cfg.Password != "" {
		if _, err := db.SignIn(ctx, map[string]any{
			"user": cfg.Username,
			"pass": cfg.Password,
		}); err != nil {
			db.Close(ctx)
			return nil, fmt.Errorf("failed to authenticate: %w", err)
		}
	}

	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("failed to use namespace/database: %w", err)
	}

	return &SurrealStore{db: db}, nil
}

// Migrate defines the layout indexes
func (s *SurrealStore) Migrate(ctx context.Context) error {
	query := `
DEFINE INDEX IF NOT EXISTS projection_session ON projection FIELDS session_id;
DEFINE INDEX IF NOT EXISTS projection_parent ON projection FIELDS parent_id;
DEFINE INDEX IF NOT EXISTS projection_owner ON projection FIELDS owner_id;`
	if _, err := surrealdb.Query[any](ctx, s.db, query, nil); err != nil {
		return fmt.Errorf("failed to define projection indexes: %w", err)
	}
	return nil
}

func (s *SurrealStore) Close() error {
	return s.db.Close(context.Background())
}

func (s *SurrealStore) Ping(ctx context.Context) error {
	if _, err := surrealdb.Query[any](ctx, s.db, "RETURN true", nil); err != nil {
		return types.Transient("readstore.ping", err)
	}
	return nil
}

func (s *SurrealStore) Upsert(ctx context.Context, entity *types.ProjectedEntity) error {
	doc := surrealProjection{
		EntityType:  string(entity.EntityType),
		EntityID:    entity.EntityID,
		Version:     entity.Version,
		SessionID:   entity.SessionID,
		ParentID:    entity.ParentID,
		OwnerID:     entity.OwnerID,
		Payload:     string(entity.Payload),
		CommittedAt: entity.CommittedAt,
	}
	query := `UPSERT type::thing($tb, $id) CONTENT $doc
WHERE version = NONE OR version < $version OR (version = $version AND deleted != true)
RETURN version`

	return s.conditionalWrite(ctx, "readstore.upsert", query, entity.EntityID, entity.Version, doc)
}

func (s *SurrealStore) Delete(ctx context.Context, entityType types.EntityType, entityID string, version uint64) error {
	doc := surrealProjection{
		EntityType: string(entityType),
		EntityID:   entityID,
		Version:    version,
		Deleted:    true,
	}
	query := `UPSERT type::thing($tb, $id) CONTENT $doc
WHERE version = NONE OR version <= $version
RETURN version`

	return s.conditionalWrite(ctx, "readstore.delete", query, entityID, version, doc)
}

func (s *SurrealStore) conditionalWrite(ctx context.Context, op, query, entityID string, version uint64, doc surrealProjection) error {
	result, err := surrealdb.Query[[]versionRow](ctx, s.db, query, map[string]any{
		"tb":      surrealTable,
		"id":      entityID,
		"version": version,
		"doc":     doc,
	})
	if err != nil {
		return types.Transient(op, err)
	}
	if result == nil || len(*result) == 0 || len((*result)[0].Result) == 0 {
		return fmt.Errorf("%s write at version %d rejected: %w", entityID, version, types.ErrStaleWrite)
	}
	return nil
}

func (s *SurrealStore) Get(ctx context.Context, entityID string) (*types.ProjectedEntity, error) {
	query := `SELECT * OMIT id FROM type::thing($tb, $id) WHERE deleted != true`
	entities, err := s.query(ctx, "readstore.get", query, map[string]any{"tb": surrealTable, "id": entityID})
	if err != nil {
		return nil, err
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("projection %s: %w", entityID, types.ErrNotFound)
	}
	return entities[0], nil
}

func (s *SurrealStore) ListBySession(ctx context.Context, sessionID string) ([]*types.ProjectedEntity, error) {
	return s.list(ctx, "session_id", sessionID)
}

func (s *SurrealStore) ListByParent(ctx context.Context, parentID string) ([]*types.ProjectedEntity, error) {
	return s.list(ctx, "parent_id", parentID)
}

func (s *SurrealStore) ListByOwner(ctx context.Context, ownerID string) ([]*types.ProjectedEntity, error) {
	return s.list(ctx, "owner_id", ownerID)
}

func (s *SurrealStore) list(ctx context.Context, field, key string) ([]*types.ProjectedEntity, error) {
	if key == "" {
		return nil, fmt.Errorf("empty %s", field)
	}
	// field is one of three constants above, never caller input
	query := fmt.Sprintf(`SELECT * OMIT id FROM projection WHERE %s = $key AND deleted != true ORDER BY entity_id`, field)
	return s.query(ctx, "readstore.list", query, map[string]any{"key": key})
}

func (s *SurrealStore) query(ctx context.Context, op, query string, params map[string]any) ([]*types.ProjectedEntity, error) {
	result, err := surrealdb.Query[[]surrealProjection](ctx, s.db, query, params)
	if err != nil {
		return nil, types.Transient(op, err)
	}
	if result == nil || len(*result) == 0 {
		return nil, nil
	}

	docs := (*result)[0].Result
	entities := make([]*types.ProjectedEntity, 0, len(docs))
	for _, doc := range docs {
		entities = append(entities, &types.ProjectedEntity{
			EntityType:  types.EntityType(doc.EntityType),
			EntityID:    doc.EntityID,
			Version:     doc.Version,
			SessionID:   doc.SessionID,
			ParentID:    doc.ParentID,
			OwnerID:     doc.OwnerID,
			Payload:     []byte(doc.Payload),
			CommittedAt: doc.CommittedAt,
		})
	}
	return entities, nil
}
