package escrow

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/mbd888/escrowgate/internal/attest"
)

// PostgresStore persists escrows and their events in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) NextID(ctx context.Context) (uint64, error) {
	var id int64
	if err := p.db.QueryRowContext(ctx, `SELECT nextval('escrow_id_seq')`).Scan(&id); err != nil {
		return 0, err
	}
	return uint64(id), nil //nolint:gosec // sequence starts at 1
}

func (p *PostgresStore) Create(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			id, agent_addr, provider_addr, amount, asset_kind, asset_token,
			endpoint, delivery_hash, receipt_hash, state,
			created_at, delivered_at, timeout_ms, locked, updated_at
		) VALUES (
			$1, $2, $3, $4::NUMERIC(78,0), $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14::NUMERIC(78,0), $15
		)`,
		int64(e.ID), string(e.Agent), string(e.Provider), e.Amount.String(), //nolint:gosec // ids come from the sequence
		string(e.Asset.Kind), nullString(e.Asset.Token),
		e.Endpoint, nullHash(e.DeliveryHash), nullHash(e.ReceiptHash), string(e.State),
		e.CreatedAt, nullTime(e.DeliveredAt), e.Timeout.Milliseconds(), lockedString(e.Locked), e.UpdatedAt,
	)
	return err
}

const escrowColumns = `id, agent_addr, provider_addr, amount::TEXT, asset_kind, asset_token,
		       endpoint, delivery_hash, receipt_hash, state,
		       created_at, delivered_at, timeout_ms, locked::TEXT, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id uint64) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrows WHERE id = $1`, int64(id)) //nolint:gosec // ids come from the sequence

	e, err := scanEscrow(row)
	if err == sql.ErrNoRows {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

// Update writes the mutable columns. Immutable fields (parties, amount,
// asset, endpoint, timeout) are never rewritten.
func (p *PostgresStore) Update(ctx context.Context, e *Escrow) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrows SET
			delivery_hash = $1, receipt_hash = $2, state = $3,
			delivered_at = $4, locked = $5::NUMERIC(78,0), updated_at = $6
		WHERE id = $7`,
		nullHash(e.DeliveryHash), nullHash(e.ReceiptHash), string(e.State),
		nullTime(e.DeliveredAt), lockedString(e.Locked), e.UpdatedAt,
		int64(e.ID), //nolint:gosec // ids come from the sequence
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEscrowNotFound
	}
	return nil
}

func (p *PostgresStore) ListByPrincipal(ctx context.Context, principal Principal, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE agent_addr = $1 OR provider_addr = $1
		ORDER BY id DESC
		LIMIT $2`, string(principal), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

func (p *PostgresStore) ListDue(ctx context.Context, state State, now time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrows
		WHERE state = $1
		  AND (CASE WHEN state = 'delivered' THEN delivered_at ELSE created_at END)
		      + timeout_ms * INTERVAL '1 millisecond' < $2
		ORDER BY id ASC
		LIMIT $3`, string(state), now, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEscrows(rows)
}

// Append inserts an event and fills in its sequence number.
func (p *PostgresStore) Append(ctx context.Context, ev *Event) error {
	var matched sql.NullBool
	if ev.Matched != nil {
		matched = sql.NullBool{Bool: *ev.Matched, Valid: true}
	}
	return p.db.QueryRowContext(ctx, `
		INSERT INTO escrow_events (
			type, escrow_id, actor, counterparty, amount, fee, hash, matched, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING seq`,
		string(ev.Type), int64(ev.EscrowID), string(ev.Actor), //nolint:gosec // ids come from the sequence
		nullString(string(ev.Counterparty)), nullString(ev.Amount), nullString(ev.Fee),
		nullString(ev.Hash), matched, ev.CreatedAt,
	).Scan(&ev.Seq)
}

const eventColumns = `seq, type, escrow_id, actor, counterparty, amount, fee, hash, matched, created_at`

func (p *PostgresStore) Since(ctx context.Context, afterSeq int64, limit int) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM escrow_events
		WHERE seq > $1
		ORDER BY seq ASC
		LIMIT $2`, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

func (p *PostgresStore) ByEscrow(ctx context.Context, escrowID uint64) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM escrow_events
		WHERE escrow_id = $1
		ORDER BY seq ASC`, int64(escrowID)) //nolint:gosec // ids come from the sequence
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanEvents(rows)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(s scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		id           int64
		agent        string
		provider     string
		amountStr    string
		assetKind    string
		assetToken   sql.NullString
		deliveryHash sql.NullString
		receiptHash  sql.NullString
		state        string
		deliveredAt  sql.NullTime
		timeoutMs    int64
		lockedStr    string
	)

	err := s.Scan(
		&id, &agent, &provider, &amountStr, &assetKind, &assetToken,
		&e.Endpoint, &deliveryHash, &receiptHash, &state,
		&e.CreatedAt, &deliveredAt, &timeoutMs, &lockedStr, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.ID = uint64(id) //nolint:gosec // sequence values are positive
	e.Agent = Principal(agent)
	e.Provider = Principal(provider)
	e.Asset = Asset{Kind: AssetKind(assetKind), Token: assetToken.String}
	e.State = State(state)
	e.Timeout = time.Duration(timeoutMs) * time.Millisecond
	if deliveredAt.Valid {
		t := deliveredAt.Time
		e.DeliveredAt = &t
	}

	var ok bool
	if e.Amount, ok = new(big.Int).SetString(amountStr, 10); !ok {
		return nil, fmt.Errorf("escrow %d: bad amount %q", id, amountStr)
	}
	if e.Locked, ok = new(big.Int).SetString(lockedStr, 10); !ok {
		return nil, fmt.Errorf("escrow %d: bad locked amount %q", id, lockedStr)
	}
	if deliveryHash.Valid {
		if e.DeliveryHash, err = attest.ParseHash(deliveryHash.String); err != nil {
			return nil, err
		}
	}
	if receiptHash.Valid {
		if e.ReceiptHash, err = attest.ParseHash(receiptHash.String); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func scanEscrows(rows *sql.Rows) ([]*Escrow, error) {
	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var result []*Event
	for rows.Next() {
		ev := &Event{}
		var (
			typ          string
			escrowID     int64
			actor        string
			counterparty sql.NullString
			amount       sql.NullString
			fee          sql.NullString
			hash         sql.NullString
			matched      sql.NullBool
		)
		if err := rows.Scan(&ev.Seq, &typ, &escrowID, &actor, &counterparty,
			&amount, &fee, &hash, &matched, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Type = EventType(typ)
		ev.EscrowID = uint64(escrowID) //nolint:gosec // sequence values are positive
		ev.Actor = Principal(actor)
		ev.Counterparty = Principal(counterparty.String)
		ev.Amount = amount.String
		ev.Fee = fee.String
		ev.Hash = hash.String
		if matched.Valid {
			m := matched.Bool
			ev.Matched = &m
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullHash(h attest.Hash) sql.NullString {
	if h.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: h.Hex(), Valid: true}
}

func lockedString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

var (
	_ Store      = (*PostgresStore)(nil)
	_ EventStore = (*PostgresStore)(nil)
)
