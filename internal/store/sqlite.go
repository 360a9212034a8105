// Package store provides the sqlite-backed implementation of
// core.IEventStore: an append-only event log per position, plus the mutable
// snapshot, order and intent rows derived from it.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	_ "github.com/mattn/go-sqlite3"

	"github.com/posedge/engine/internal/core"
)

func decimalOrZero(s sql.NullString) (decimal.Decimal, error) {
	if !s.Valid || s.String == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s.String)
}

// SQLiteStore implements core.IEventStore over database/sql + go-sqlite3.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite database at path, enables WAL
// mode for crash recovery, and applies the schema.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// DB exposes the underlying handle for callers that need to run their own
// checks against it (the runtime host's database health probe).
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Append inserts one event row and overwrites the position's snapshot row in
// the same transaction, so the two can never drift (invariant I6).
func (s *SQLiteStore) Append(ctx context.Context, positionId core.PositionId, eventType core.EventType, payload []byte, snapshot core.Position) (int64, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (position_id, type, data, created_at) VALUES (?, ?, ?, ?)`,
		string(positionId), string(eventType), string(payload), now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to append event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read event seq: %w", err)
	}

	if err := upsertSnapshot(ctx, tx, snapshot); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit append: %w", err)
	}
	return seq, nil
}

func upsertSnapshot(ctx context.Context, tx *sql.Tx, snapshot core.Position) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	// A round-trip check against silent marshal corruption, matching the
	// teacher's validation step before a snapshot is ever persisted.
	var probe core.Position
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("snapshot validation failed: %w", err)
	}
	checksum := sha256.Sum256(data)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO positions (id, account_id, symbol, side, state, snapshot, checksum, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			account_id=excluded.account_id,
			symbol=excluded.symbol,
			side=excluded.side,
			state=excluded.state,
			snapshot=excluded.snapshot,
			checksum=excluded.checksum,
			updated_at=excluded.updated_at
	`, string(snapshot.Id), snapshot.AccountId, string(snapshot.Symbol), string(snapshot.Side),
		string(snapshot.State), string(data), checksum[:], time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to upsert snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the position's last-written snapshot, verifying its
// checksum. Returns (nil, nil) if no snapshot row exists yet.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context, positionId core.PositionId) (*core.Position, error) {
	var data string
	var checksum []byte
	err := s.db.QueryRowContext(ctx, `SELECT snapshot, checksum FROM positions WHERE id = ?`, string(positionId)).
		Scan(&data, &checksum)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	computed := sha256.Sum256([]byte(data))
	if len(checksum) != len(computed) {
		return nil, fmt.Errorf("checksum length mismatch for position %s", positionId)
	}
	for i := range computed {
		if checksum[i] != computed[i] {
			return nil, fmt.Errorf("checksum mismatch for position %s: snapshot corrupted", positionId)
		}
	}

	var p core.Position
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &p, nil
}

// LoadEvents returns every event recorded for a position, in seq order.
func (s *SQLiteStore) LoadEvents(ctx context.Context, positionId core.PositionId) ([]core.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, position_id, type, data, created_at FROM events WHERE position_id = ? ORDER BY seq ASC`,
		string(positionId))
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	defer rows.Close()

	var events []core.Event
	for rows.Next() {
		var ev core.Event
		var pid, typ, data string
		var createdAtNanos int64
		if err := rows.Scan(&ev.Seq, &pid, &typ, &data, &createdAtNanos); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.PositionId = core.PositionId(pid)
		ev.Type = core.EventType(typ)
		ev.Data = json.RawMessage(data)
		ev.CreatedAt = time.Unix(0, createdAtNanos).UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

// RebuildSnapshot replays a position's full event stream through core.Fold,
// ignoring whatever cached snapshot currently sits in the positions table.
// This is the store's answer to property P3 (snapshot == fold(events)).
func (s *SQLiteStore) RebuildSnapshot(ctx context.Context, positionId core.PositionId) (core.Position, error) {
	events, err := s.LoadEvents(ctx, positionId)
	if err != nil {
		return core.Position{}, err
	}
	return core.Fold(events)
}

// ListActive returns the snapshot of every position whose state counts as
// open (Armed/Entering/Active/Exiting) — used at startup to resume engine
// tasks and by the reconciler.
func (s *SQLiteStore) ListActive(ctx context.Context) ([]core.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT snapshot FROM positions
		WHERE state IN ('ARMED','ENTERING','ACTIVE','EXITING')
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active positions: %w", err)
	}
	defer rows.Close()

	var out []core.Position
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan position snapshot: %w", err)
		}
		var p core.Position
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal position snapshot: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveOrder inserts or updates an order row keyed by its id, so re-saving
// the same order never creates a duplicate row; a different id with an
// already-stored client_order_id is rejected by that column's unique index
// (invariant I5).
func (s *SQLiteStore) SaveOrder(ctx context.Context, order core.Order) error {
	priceStr := nullableDecimal(order.Price)
	stopStr := nullableDecimal(order.StopPrice)
	fillPriceStr := nullableDecimal(order.FillPrice)
	var filledAt sql.NullInt64
	if order.FilledAt != nil {
		filledAt = sql.NullInt64{Int64: order.FilledAt.UnixNano(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (id, position_id, exchange_order_id, client_order_id, symbol, side, order_type,
			qty, price, stop_price, status, filled_qty, fill_price, filled_at, fee_paid, retry_count, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			exchange_order_id=excluded.exchange_order_id,
			status=excluded.status,
			filled_qty=excluded.filled_qty,
			fill_price=excluded.fill_price,
			filled_at=excluded.filled_at,
			fee_paid=excluded.fee_paid,
			retry_count=excluded.retry_count,
			last_error=excluded.last_error
	`,
		string(order.Id), string(order.PositionId), order.ExchangeOrderId, string(order.ClientOrderId),
		string(order.Symbol), string(order.Side), string(order.OrderType),
		order.Qty.Decimal().String(), priceStr, stopStr, string(order.Status),
		order.FilledQty.String(), fillPriceStr, filledAt, order.FeePaid.String(),
		order.RetryCount, order.LastError, order.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

func nullableDecimal(p *core.Price) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: p.Decimal().String(), Valid: true}
}

// LoadOrder fetches an order by its internal id.
func (s *SQLiteStore) LoadOrder(ctx context.Context, id core.OrderId) (*core.Order, error) {
	return s.scanOrder(ctx, `SELECT id, position_id, exchange_order_id, client_order_id, symbol, side, order_type,
		qty, price, stop_price, status, filled_qty, fill_price, filled_at, fee_paid, retry_count, last_error, created_at
		FROM orders WHERE id = ?`, string(id))
}

// LoadOrderByClientId fetches an order by its exchange-facing idempotency
// key, the lookup the intent journal and reconciler use to discover whether
// a previously-submitted order already exists (property P4).
func (s *SQLiteStore) LoadOrderByClientId(ctx context.Context, clientOrderId core.ClientOrderId) (*core.Order, error) {
	return s.scanOrder(ctx, `SELECT id, position_id, exchange_order_id, client_order_id, symbol, side, order_type,
		qty, price, stop_price, status, filled_qty, fill_price, filled_at, fee_paid, retry_count, last_error, created_at
		FROM orders WHERE client_order_id = ?`, string(clientOrderId))
}

func (s *SQLiteStore) scanOrder(ctx context.Context, query string, arg string) (*core.Order, error) {
	row := s.db.QueryRowContext(ctx, query, arg)

	var o core.Order
	var id, positionId, symbol, side, orderType, status, qtyStr, filledQtyStr, feePaidStr string
	var priceStr, stopStr, fillPriceStr sql.NullString
	var filledAt sql.NullInt64
	var createdAtNanos int64

	err := row.Scan(&id, &positionId, &o.ExchangeOrderId, &o.ClientOrderId, &symbol, &side, &orderType,
		&qtyStr, &priceStr, &stopStr, &status, &filledQtyStr, &fillPriceStr, &filledAt, &feePaidStr,
		&o.RetryCount, &o.LastError, &createdAtNanos)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}

	o.Id = core.OrderId(id)
	o.PositionId = core.PositionId(positionId)
	o.Symbol = core.Symbol(symbol)
	o.Side = core.OrderSide(side)
	o.OrderType = core.OrderType(orderType)
	o.Status = core.OrderStatus(status)
	o.CreatedAt = time.Unix(0, createdAtNanos).UTC()

	qty, err := decimalOrZero(qtyStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt order quantity: %w", err)
	}
	q, err := core.NewQuantity(qty)
	if err != nil {
		return nil, fmt.Errorf("corrupt order quantity: %w", err)
	}
	o.Qty = q

	if o.FilledQty, err = decimalOrZero(filledQtyStr); err != nil {
		return nil, fmt.Errorf("corrupt filled qty: %w", err)
	}
	if o.FeePaid, err = decimalOrZero(feePaidStr); err != nil {
		return nil, fmt.Errorf("corrupt fee paid: %w", err)
	}
	if p, err := nullablePrice(priceStr); err != nil {
		return nil, err
	} else {
		o.Price = p
	}
	if p, err := nullablePrice(stopStr); err != nil {
		return nil, err
	} else {
		o.StopPrice = p
	}
	if p, err := nullablePrice(fillPriceStr); err != nil {
		return nil, err
	} else {
		o.FillPrice = p
	}
	if filledAt.Valid {
		t := time.Unix(0, filledAt.Int64).UTC()
		o.FilledAt = &t
	}

	return &o, nil
}

// AppendIntent inserts a new intent row. The (id, position_id) primary key
// means re-recording the same intent id is a programming error, not a
// retried-on-purpose path — retries go through Process/LoadIntent instead.
func (s *SQLiteStore) AppendIntent(ctx context.Context, intent core.Intent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO intents (id, position_id, type, data, status, result, error, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, string(intent.Id), string(intent.PositionId), string(intent.Type), string(intent.Data),
		string(intent.Status), string(intent.Result), intent.Error, intent.CreatedAt.UnixNano(), nullableTime(intent.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to append intent: %w", err)
	}
	return nil
}

// MarkIntent updates an intent's terminal status and result, completing the
// idempotent-execution cycle that IIntentJournal.Process drives.
func (s *SQLiteStore) MarkIntent(ctx context.Context, id core.IntentId, positionId core.PositionId, status core.IntentStatus, result []byte, errMsg string) error {
	var completedAt sql.NullInt64
	if status == core.IntentCompleted || status == core.IntentFailed {
		completedAt = sql.NullInt64{Int64: time.Now().UnixNano(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE intents SET status = ?, result = ?, error = ?, completed_at = ?
		WHERE id = ? AND position_id = ?
	`, string(status), string(result), errMsg, completedAt, string(id), string(positionId))
	if err != nil {
		return fmt.Errorf("failed to mark intent: %w", err)
	}
	return nil
}

// LoadIntent fetches one intent by its primary key.
func (s *SQLiteStore) LoadIntent(ctx context.Context, id core.IntentId, positionId core.PositionId) (*core.Intent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, position_id, type, data, status, result, error, created_at, completed_at
		FROM intents WHERE id = ? AND position_id = ?
	`, string(id), string(positionId))

	var intent core.Intent
	var idStr, pidStr, typ, data, status, result sql.NullString
	var createdAtNanos int64
	var completedAt sql.NullInt64

	err := row.Scan(&idStr, &pidStr, &typ, &data, &status, &result, &intent.Error, &createdAtNanos, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load intent: %w", err)
	}

	intent.Id = core.IntentId(idStr.String)
	intent.PositionId = core.PositionId(pidStr.String)
	intent.Type = core.IntentType(typ.String)
	intent.Data = json.RawMessage(data.String)
	intent.Status = core.IntentStatus(status.String)
	intent.Result = json.RawMessage(result.String)
	intent.CreatedAt = time.Unix(0, createdAtNanos).UTC()
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64).UTC()
		intent.CompletedAt = &t
	}
	return &intent, nil
}

// ListPendingIntents returns every intent still Pending or Processing (not
// Completed or Failed), the set IIntentJournal.ReplayPending resolves at
// startup.
func (s *SQLiteStore) ListPendingIntents(ctx context.Context) ([]core.Intent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, position_id, type, data, status, result, error, created_at, completed_at
		FROM intents WHERE status IN ('PENDING', 'PROCESSING')
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending intents: %w", err)
	}
	defer rows.Close()

	var out []core.Intent
	for rows.Next() {
		var intent core.Intent
		var idStr, pidStr, typ, data, status, result sql.NullString
		var createdAtNanos int64
		var completedAt sql.NullInt64
		if err := rows.Scan(&idStr, &pidStr, &typ, &data, &status, &result, &intent.Error, &createdAtNanos, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan intent: %w", err)
		}
		intent.Id = core.IntentId(idStr.String)
		intent.PositionId = core.PositionId(pidStr.String)
		intent.Type = core.IntentType(typ.String)
		intent.Data = json.RawMessage(data.String)
		intent.Status = core.IntentStatus(status.String)
		intent.Result = json.RawMessage(result.String)
		intent.CreatedAt = time.Unix(0, createdAtNanos).UTC()
		if completedAt.Valid {
			t := time.Unix(0, completedAt.Int64).UTC()
			intent.CompletedAt = &t
		}
		out = append(out, intent)
	}
	return out, rows.Err()
}

func nullableTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func nullablePrice(s sql.NullString) (*core.Price, error) {
	if !s.Valid {
		return nil, nil
	}
	d, err := decimalOrZero(s)
	if err != nil {
		return nil, err
	}
	p, err := core.NewPrice(d)
	if err != nil {
		return nil, fmt.Errorf("corrupt stored price: %w", err)
	}
	return &p, nil
}

var _ core.IEventStore = (*SQLiteStore)(nil)
