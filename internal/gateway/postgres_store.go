package gateway

import (
	"context"
	"database/sql"

	"github.com/mbd888/escrowgate/internal/pagination"
)

// PostgresStore persists mediation logs in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed mediation log store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateLog(ctx context.Context, log *MediationLog) error {
	var escrowID sql.NullInt64
	if log.EscrowID != nil {
		escrowID = sql.NullInt64{Int64: int64(*log.EscrowID), Valid: true} //nolint:gosec // ids fit in BIGINT
	}
	var upstream sql.NullInt32
	if log.UpstreamStatus != 0 {
		upstream = sql.NullInt32{Int32: int32(log.UpstreamStatus), Valid: true} //nolint:gosec // HTTP status
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO mediation_logs (
			id, request_id, escrow_id, listing_id, endpoint,
			method, path, outcome, status_code, upstream_status,
			price, data_hash, latency_ms, error, created_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15
		)`,
		log.ID, nullString(log.RequestID), escrowID, log.ListingID, log.Endpoint,
		log.Method, log.Path, string(log.Outcome), log.StatusCode, upstream,
		nullString(log.Price), nullString(log.DataHash), log.LatencyMs, nullString(log.Error), log.CreatedAt,
	)
	return err
}

const logColumns = `id, request_id, escrow_id, listing_id, endpoint,
	method, path, outcome, status_code, upstream_status,
	price, data_hash, latency_ms, error, created_at`

func (p *PostgresStore) ListByEscrow(ctx context.Context, escrowID uint64, limit int) ([]*MediationLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+logColumns+`
		FROM mediation_logs
		WHERE escrow_id = $1
		ORDER BY created_at ASC
		LIMIT $2`, int64(escrowID), limit) //nolint:gosec // ids fit in BIGINT
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanLogs(rows)
}

func (p *PostgresStore) ListRecent(ctx context.Context, limit int, before *pagination.Cursor) ([]*MediationLog, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if before == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+logColumns+`
			FROM mediation_logs
			ORDER BY created_at DESC, id DESC
			LIMIT $1`, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+logColumns+`
			FROM mediation_logs
			WHERE (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $1`, limit, before.CreatedAt, before.ID)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanLogs(rows)
}

// --- scanners ---

func scanLogs(rows *sql.Rows) ([]*MediationLog, error) {
	var result []*MediationLog
	for rows.Next() {
		l := &MediationLog{}
		var (
			requestID, price, dataHash, errMsg sql.NullString
			escrowID                           sql.NullInt64
			upstream                           sql.NullInt32
			outcome                            string
		)
		err := rows.Scan(
			&l.ID, &requestID, &escrowID, &l.ListingID, &l.Endpoint,
			&l.Method, &l.Path, &outcome, &l.StatusCode, &upstream,
			&price, &dataHash, &l.LatencyMs, &errMsg, &l.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		l.Outcome = Outcome(outcome)
		l.RequestID = requestID.String
		l.Price = price.String
		l.DataHash = dataHash.String
		l.Error = errMsg.String
		if escrowID.Valid {
			id := uint64(escrowID.Int64) //nolint:gosec // stored from a uint64
			l.EscrowID = &id
		}
		if upstream.Valid {
			l.UpstreamStatus = int(upstream.Int32)
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Compile-time assertion.
var _ Store = (*PostgresStore)(nil)
