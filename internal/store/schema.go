package store

const schemaSQL = `
CREATE TABLE IF NOT EXISTS threads (
  id TEXT PRIMARY KEY,
  external_key TEXT NOT NULL UNIQUE,
  status TEXT NOT NULL,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS contexts (
  id TEXT PRIMARY KEY,
  thread_id TEXT NOT NULL,
  key TEXT,
  status TEXT NOT NULL,
  content TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  FOREIGN KEY(thread_id) REFERENCES threads(id)
);

CREATE INDEX IF NOT EXISTS idx_contexts_key ON contexts(key);

CREATE TABLE IF NOT EXISTS executions (
  id TEXT PRIMARY KEY,
  thread_id TEXT NOT NULL,
  context_id TEXT NOT NULL,
  trigger_item_id TEXT NOT NULL,
  reaction_item_id TEXT,
  status TEXT NOT NULL,
  error TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  FOREIGN KEY(thread_id) REFERENCES threads(id),
  FOREIGN KEY(context_id) REFERENCES contexts(id)
);

CREATE INDEX IF NOT EXISTS idx_executions_context ON executions(context_id, created_at);

CREATE TABLE IF NOT EXISTS steps (
  id TEXT PRIMARY KEY,
  execution_id TEXT NOT NULL,
  iteration INTEGER NOT NULL,
  status TEXT NOT NULL,
  kind TEXT NOT NULL,
  error TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  FOREIGN KEY(execution_id) REFERENCES executions(id)
);

CREATE INDEX IF NOT EXISTS idx_steps_execution ON steps(execution_id, iteration);

CREATE TABLE IF NOT EXISTS items (
  id TEXT PRIMARY KEY,
  thread_id TEXT NOT NULL,
  execution_id TEXT NOT NULL,
  type TEXT NOT NULL,
  channel TEXT,
  status TEXT NOT NULL,
  parts TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  FOREIGN KEY(thread_id) REFERENCES threads(id)
);

CREATE INDEX IF NOT EXISTS idx_items_execution ON items(execution_id);

CREATE TABLE IF NOT EXISTS parts (
  key TEXT PRIMARY KEY,
  step_id TEXT NOT NULL,
  idx INTEGER NOT NULL,
  type TEXT NOT NULL,
  payload TEXT,
  created_at TEXT NOT NULL,
  FOREIGN KEY(step_id) REFERENCES steps(id)
);

CREATE INDEX IF NOT EXISTS idx_parts_step ON parts(step_id, idx);

CREATE TABLE IF NOT EXISTS approvals (
  token TEXT PRIMARY KEY,
  approved INTEGER NOT NULL,
  comment TEXT,
  args TEXT,
  created_at TEXT NOT NULL
);
`
