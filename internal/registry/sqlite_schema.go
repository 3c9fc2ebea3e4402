package registry

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS stores (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  id TEXT NOT NULL UNIQUE,
  created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS entries (
  store_id TEXT NOT NULL,
  req_key TEXT NOT NULL,
  response BLOB NOT NULL,
  updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
  PRIMARY KEY (store_id, req_key)
);

CREATE INDEX IF NOT EXISTS entries_by_key ON entries(req_key);
`
