package storage

const (
	initSchemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    id         TEXT PRIMARY KEY,
    purpose    TEXT NOT NULL,
    device_id  TEXT NOT NULL,
    config     TEXT,
    start_time TIMESTAMP NOT NULL,
    end_time   TIMESTAMP,
    error      TEXT
);

CREATE TABLE IF NOT EXISTS scan_progress (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id    TEXT NOT NULL REFERENCES sessions (id),
    timestamp     TIMESTAMP NOT NULL,
    cycle         INTEGER NOT NULL,
    fraction      REAL,
    frequency     REAL,
    freqs_scanned INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS waterfall_rows (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id      TEXT NOT NULL REFERENCES sessions (id),
    timestamp       TIMESTAMP NOT NULL,
    start_frequency REAL NOT NULL,
    end_frequency   REAL NOT NULL,
    bins            BLOB NOT NULL
);`

	initIndexesSQL = `
CREATE INDEX IF NOT EXISTS idx_scan_progress_session ON scan_progress (session_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_waterfall_rows_session ON waterfall_rows (session_id, timestamp);`

	insertSessionSQL = `
INSERT INTO sessions (id,
                      purpose,
                      device_id,
                      config,
                      start_time)
VALUES (?, ?, ?, ?, ?)`

	endSessionSQL = `
UPDATE sessions
SET end_time = ?,
    error    = ?
WHERE id = ?`

	selectSessionSQL = `
SELECT id,
       purpose,
       device_id,
       config,
       start_time,
       end_time,
       error
FROM sessions
WHERE id = ?`

	selectSessionsSQL = `
SELECT id,
       purpose,
       device_id,
       config,
       start_time,
       end_time,
       error
FROM sessions
ORDER BY start_time`

	insertScanProgressSQL = `
INSERT INTO scan_progress (session_id,
                           timestamp,
                           cycle,
                           fraction,
                           frequency,
                           freqs_scanned)
VALUES (?, ?, ?, ?, ?, ?)`

	insertWaterfallRowsSQL = `
INSERT INTO waterfall_rows (session_id,
                            timestamp,
                            start_frequency,
                            end_frequency,
                            bins)
VALUES `

	selectWaterfallRowsSQL = `
SELECT timestamp,
       start_frequency,
       end_frequency,
       bins
FROM waterfall_rows
WHERE session_id = ?`
)
