package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rsheftel/barrunner/order"
	"github.com/rsheftel/barrunner/position"
)

// PostgresStore implements Store against a pgx/v5 connection pool,
// storing each snapshot row as JSONB so the schema never trails the
// Order/Position field set.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and ensures the two snapshot tables
// exist.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("persistence: connecting: %w", err)
	}
	s := &PostgresStore{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS order_snapshots (
			source     TEXT NOT NULL,
			bartime    TIMESTAMPTZ NOT NULL,
			order_uuid TEXT NOT NULL,
			payload    JSONB NOT NULL,
			PRIMARY KEY (source, bartime, order_uuid)
		);
		CREATE TABLE IF NOT EXISTS position_snapshots (
			source       TEXT NOT NULL,
			bartime      TIMESTAMPTZ NOT NULL,
			strategy_id  TEXT NOT NULL,
			product_type TEXT NOT NULL,
			symbol       TEXT NOT NULL,
			payload      JSONB NOT NULL,
			PRIMARY KEY (source, bartime, strategy_id, product_type, symbol)
		);
	`)
	if err != nil {
		return fmt.Errorf("persistence: ensuring schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool.
func (s *PostgresStore) Close() { s.pool.Close() }

func (s *PostgresStore) SaveOrders(ctx context.Context, source string, ts time.Time, orders []*order.Order) error {
	for _, o := range orders {
		payload, err := json.Marshal(o.ToDict())
		if err != nil {
			return fmt.Errorf("persistence: marshaling order %s: %w", o.UUID, err)
		}
		_, err = s.pool.Exec(ctx, `
			INSERT INTO order_snapshots (source, bartime, order_uuid, payload)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (source, bartime, order_uuid) DO UPDATE SET payload = EXCLUDED.payload
		`, source, ts, o.UUID, payload)
		if err != nil {
			return fmt.Errorf("persistence: saving order %s: %w", o.UUID, err)
		}
	}
	return nil
}

func (s *PostgresStore) GetOrders(ctx context.Context, source string, ts time.Time) ([]map[string]any, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT payload FROM order_snapshots WHERE source = $1 AND bartime = $2
	`, source, ts)
	if err != nil {
		return nil, fmt.Errorf("persistence: querying orders: %w", err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("persistence: scanning order row: %w", err)
		}
		var dict map[string]any
		if err := json.Unmarshal(payload, &dict); err != nil {
			return nil, fmt.Errorf("persistence: unmarshaling order row: %w", err)
		}
		out = append(out, dict)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SavePositions(ctx context.Context, source string, ts time.Time, positions []position.Position) error {
	for _, p := range positions {
		payload, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("persistence: marshaling position %s: %w", p.Key, err)
		}
		_, err = s.pool.Exec(ctx, `
			INSERT INTO position_snapshots (source, bartime, strategy_id, product_type, symbol, payload)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (source, bartime, strategy_id, product_type, symbol) DO UPDATE SET payload = EXCLUDED.payload
		`, source, ts, p.Key.StrategyID, p.Key.ProductType, p.Key.Symbol, payload)
		if err != nil {
			return fmt.Errorf("persistence: saving position %s: %w", p.Key, err)
		}
	}
	return nil
}

func (s *PostgresStore) GetPositions(ctx context.Context, source string, ts time.Time) ([]position.Position, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT payload FROM position_snapshots WHERE source = $1 AND bartime = $2
	`, source, ts)
	if err != nil {
		return nil, fmt.Errorf("persistence: querying positions: %w", err)
	}
	defer rows.Close()

	var out []position.Position
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("persistence: scanning position row: %w", err)
		}
		var p position.Position
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("persistence: unmarshaling position row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
