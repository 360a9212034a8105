package store

// schema creates every table the engine persists to, idempotently. There is
// no external migration tool in this stack (spec §6.1): the schema is small,
// fixed, and owned in-process.
const schema = `
CREATE TABLE IF NOT EXISTS positions (
	id                      TEXT PRIMARY KEY,
	account_id              TEXT NOT NULL,
	symbol                  TEXT NOT NULL,
	side                    TEXT NOT NULL,
	state                   TEXT NOT NULL,
	snapshot                TEXT NOT NULL,
	checksum                BLOB NOT NULL,
	updated_at              INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_positions_state ON positions(state);
CREATE INDEX IF NOT EXISTS idx_positions_symbol ON positions(symbol);

CREATE TABLE IF NOT EXISTS events (
	seq                     INTEGER PRIMARY KEY AUTOINCREMENT,
	position_id             TEXT NOT NULL,
	type                    TEXT NOT NULL,
	data                    TEXT NOT NULL,
	created_at              INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_position ON events(position_id, seq);

CREATE TABLE IF NOT EXISTS orders (
	id                      TEXT PRIMARY KEY,
	position_id             TEXT NOT NULL,
	exchange_order_id       TEXT NOT NULL DEFAULT '',
	client_order_id         TEXT NOT NULL,
	symbol                  TEXT NOT NULL,
	side                    TEXT NOT NULL,
	order_type              TEXT NOT NULL,
	qty                     TEXT NOT NULL,
	price                   TEXT,
	stop_price              TEXT,
	status                  TEXT NOT NULL,
	filled_qty              TEXT NOT NULL DEFAULT '0',
	fill_price              TEXT,
	filled_at               INTEGER,
	fee_paid                TEXT NOT NULL DEFAULT '0',
	retry_count             INTEGER NOT NULL DEFAULT 0,
	last_error              TEXT NOT NULL DEFAULT '',
	created_at              INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_client_order_id ON orders(client_order_id);
CREATE INDEX IF NOT EXISTS idx_orders_position ON orders(position_id);

CREATE TABLE IF NOT EXISTS intents (
	id                      TEXT NOT NULL,
	position_id             TEXT NOT NULL,
	type                    TEXT NOT NULL,
	data                    TEXT NOT NULL,
	status                  TEXT NOT NULL,
	result                  TEXT,
	error                   TEXT NOT NULL DEFAULT '',
	created_at              INTEGER NOT NULL,
	completed_at            INTEGER,
	PRIMARY KEY (id, position_id)
);
CREATE INDEX IF NOT EXISTS idx_intents_status ON intents(status);
`
