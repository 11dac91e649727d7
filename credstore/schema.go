package credstore

const Schema = `
CREATE TABLE IF NOT EXISTS tokens (
	token TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	account_id TEXT NOT NULL,
	password TEXT NOT NULL,
	server TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS owners (
	owner_id TEXT PRIMARY KEY,
	token TEXT NOT NULL REFERENCES tokens(token)
);

CREATE INDEX IF NOT EXISTS idx_tokens_owner ON tokens(owner_id);
`
