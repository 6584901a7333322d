package custody

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// uniqueViolation is the Postgres SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// PostgresStore keeps records in the custody_records table (migrations/).
// Indexed fields are columns; the full record lives in the data column.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore returns a store over db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (p *PostgresStore) Create(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO custody_records (
			id, signature, user_id, signer, market_id, type, status,
			taken_custody_at, updated_at, data
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		rec.ID, rec.Signature, rec.UserID, rec.Signer, nullable(rec.MarketID()), rec.Type, rec.Status,
		rec.TakenCustodyAt, rec.UpdatedAt, data,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		if pqErr.Constraint == "custody_records_signature_key" {
			return ErrDuplicateCustody
		}
		return ErrIDCollision
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	return p.one(ctx, `SELECT data FROM custody_records WHERE id = $1`, id)
}

func (p *PostgresStore) GetBySignature(ctx context.Context, signature string) (*Record, error) {
	return p.one(ctx, `SELECT data FROM custody_records WHERE signature = $1`, signature)
}

func (p *PostgresStore) Update(ctx context.Context, rec *Record, prev Status) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE custody_records
		SET status = $2, updated_at = $3, data = $4
		WHERE id = $1 AND status = $5
	`, rec.ID, rec.Status, rec.UpdatedAt, data, prev)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := p.Get(ctx, rec.ID); err != nil {
			return err
		}
		return ErrConcurrentUpdate
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM custody_records WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const listOrder = ` ORDER BY taken_custody_at ASC, id ASC`

func (p *PostgresStore) ListByUser(ctx context.Context, userID string) ([]*Record, error) {
	return p.many(ctx, `SELECT data FROM custody_records WHERE user_id = $1`+listOrder, userID)
}

func (p *PostgresStore) ListBySigner(ctx context.Context, signer string) ([]*Record, error) {
	return p.many(ctx, `SELECT data FROM custody_records WHERE signer = $1`+listOrder, signer)
}

func (p *PostgresStore) ListByMarket(ctx context.Context, marketID string) ([]*Record, error) {
	return p.many(ctx, `SELECT data FROM custody_records WHERE market_id = $1`+listOrder, marketID)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status) ([]*Record, error) {
	return p.many(ctx, `SELECT data FROM custody_records WHERE status = $1`+listOrder, status)
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) one(ctx context.Context, query string, arg any) (*Record, error) {
	var data []byte
	err := p.db.QueryRowContext(ctx, query, arg).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return &rec, nil
}

func (p *PostgresStore) many(ctx context.Context, query string, arg any) ([]*Record, error) {
	rows, err := p.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Record
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}
