package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jamesprial/vmorch/internal/model"
)

const (
	createTable = `CREATE TABLE IF NOT EXISTS vm_registry (
  vm_id      TEXT PRIMARY KEY,
  config     JSONB NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`
	upsertVM = `INSERT INTO vm_registry (vm_id, config, updated_at) VALUES ($1, $2, now())
ON CONFLICT (vm_id) DO UPDATE SET config = EXCLUDED.config, updated_at = now()`
	pruneVMs  = `DELETE FROM vm_registry WHERE NOT (vm_id = ANY($1))`
	selectVMs = `SELECT vm_id, config FROM vm_registry ORDER BY vm_id`
)

// DB is the part of *pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Postgres keeps one JSONB row per VM in vm_registry.
type Postgres struct {
	db    DB
	close func()
	log   *zap.Logger
}

// OpenPostgres connects a pool to dsn and creates the table when missing.
func OpenPostgres(ctx context.Context, dsn string, log *zap.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to parse connection string: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to initialize pool: %w", err)
	}
	p := NewPostgres(pool, log)
	p.close = pool.Close
	if err := p.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	p.log.Info("connected to postgres",
		zap.String("host", cfg.ConnConfig.Host), zap.Int32("max_conns", cfg.MaxConns))
	return p, nil
}

func NewPostgres(db DB, log *zap.Logger) *Postgres {
	if log == nil {
		log = zap.NewNop()
	}
	return &Postgres{db: db, log: log.Named("store")}
}

func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, createTable); err != nil {
		return fmt.Errorf("postgres: create vm_registry: %w", err)
	}
	return nil
}

func (p *Postgres) Load(ctx context.Context) (map[string]*model.VMConfig, error) {
	rows, err := p.db.Query(ctx, selectVMs)
	if err != nil {
		return nil, fmt.Errorf("postgres: load registry: %w", err)
	}
	defer rows.Close()

	out := map[string]*model.VMConfig{}
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("postgres: scan vm row: %w", err)
		}
		var vm model.VMConfig
		if err := json.Unmarshal(raw, &vm); err != nil {
			return nil, fmt.Errorf("postgres: decode vm %q: %w", id, err)
		}
		vm.ID = id
		out[id] = &vm
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: load registry: %w", err)
	}
	p.log.Info("registry loaded", zap.Int("vms", len(out)))
	return out, nil
}

// Save upserts every VM and deletes rows for VMs no longer in the registry,
// in one batch so the table never holds a partial registry.
func (p *Postgres) Save(ctx context.Context, registry map[string]*model.VMConfig) (err error) {
	ids := make([]string, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	batch := &pgx.Batch{}
	for _, id := range ids {
		raw, err := json.Marshal(registry[id])
		if err != nil {
			return fmt.Errorf("postgres: encode vm %q: %w", id, err)
		}
		batch.Queue(upsertVM, id, raw)
	}
	batch.Queue(pruneVMs, ids)

	br := p.db.SendBatch(ctx, batch)
	defer func() {
		if closeErr := br.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("postgres: save batch close: %w", closeErr)
		}
	}()
	for i := 0; i < batch.Len(); i++ {
		if _, err = br.Exec(); err != nil {
			return fmt.Errorf("postgres: save registry (command %d): %w", i, err)
		}
	}
	return nil
}

func (p *Postgres) Close() {
	if p.close != nil {
		p.close()
	}
}
