package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS deposit_attempts (
	attempt_id BYTEA PRIMARY KEY,
	account BYTEA NOT NULL,
	pool BYTEA NOT NULL,
	token BYTEA NOT NULL,
	amount NUMERIC(78,0) NOT NULL,
	operation_id BIGINT NOT NULL,

	state SMALLINT NOT NULL,

	approved BOOLEAN NOT NULL DEFAULT FALSE,
	approve_tx_hash BYTEA,
	deposit_tx_hash BYTEA,
	fail_reason TEXT,

	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT attempt_id_len CHECK (octet_length(attempt_id) = 32),
	CONSTRAINT account_len CHECK (octet_length(account) = 20),
	CONSTRAINT pool_len CHECK (octet_length(pool) = 20),
	CONSTRAINT token_len CHECK (octet_length(token) = 20),
	CONSTRAINT amount_positive CHECK (amount > 0),
	CONSTRAINT operation_id_nonneg CHECK (operation_id >= 0),
	CONSTRAINT state_range CHECK (state >= 1 AND state <= 5),
	CONSTRAINT approve_tx_hash_len CHECK (approve_tx_hash IS NULL OR octet_length(approve_tx_hash) = 32),
	CONSTRAINT deposit_tx_hash_len CHECK (deposit_tx_hash IS NULL OR octet_length(deposit_tx_hash) = 32)
);

CREATE INDEX IF NOT EXISTS deposit_attempts_state_idx ON deposit_attempts (state);
CREATE INDEX IF NOT EXISTS deposit_attempts_account_idx ON deposit_attempts (account);
`
