package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS vault_deposits (
	tx_hash BYTEA PRIMARY KEY,
	chain_id BIGINT NOT NULL,
	account BYTEA NOT NULL,
	token BYTEA NOT NULL,
	symbol TEXT NOT NULL,
	amount TEXT NOT NULL,
	assets TEXT NOT NULL,

	state SMALLINT NOT NULL,
	block_number BIGINT,
	fail_reason TEXT NOT NULL DEFAULT '',

	submitted_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT tx_hash_len CHECK (octet_length(tx_hash) = 32),
	CONSTRAINT account_len CHECK (octet_length(account) = 20),
	CONSTRAINT token_len CHECK (octet_length(token) = 20),
	CONSTRAINT chain_id_pos CHECK (chain_id > 0),
	CONSTRAINT assets_digits CHECK (assets ~ '^[0-9]+$'),
	CONSTRAINT state_range CHECK (state >= 1 AND state <= 3)
);

CREATE INDEX IF NOT EXISTS vault_deposits_account_idx ON vault_deposits (account, submitted_at DESC);
`
