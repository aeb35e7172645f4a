// Package recorder persists triggered alerts and own-trade fills to a
// size-capped SQLite database. It is a write-mostly audit log: the client
// never reads it back to restore state.
package recorder

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charleschow/kraken-stream/internal/telemetry"
	"github.com/charleschow/kraken-stream/market"

	_ "modernc.org/sqlite"
)

const (
	maxStoreBytes  int64   = 256 << 20 // 256 MiB
	evictPct       float64 = 0.10      // evict oldest 10% of rows
	vacuumInterval         = 10        // incremental vacuum every N evictions
)

const schema = `
CREATE TABLE IF NOT EXISTS alerts (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	strategy     TEXT NOT NULL,
	symbol       TEXT NOT NULL,
	message      TEXT NOT NULL,
	price        REAL NOT NULL,
	triggered_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS own_trades (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	trade_id     TEXT NOT NULL,
	order_id     TEXT NOT NULL,
	symbol       TEXT NOT NULL,
	side         TEXT NOT NULL,
	price        REAL NOT NULL,
	qty          REAL NOT NULL,
	fee          REAL NOT NULL,
	fee_currency TEXT NOT NULL,
	executed_at  TEXT NOT NULL
);`

// Store is a FIFO SQLite history capped at ~256 MiB. The oldest 10% of
// rows in each table are evicted when the budget is exceeded.
type Store struct {
	db           *sql.DB
	mu           sync.Mutex
	cachedSize   int64
	rowCount     int64
	evictCounter int
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create recorder dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	var avMode int
	if err := db.QueryRow(`PRAGMA auto_vacuum`).Scan(&avMode); err != nil {
		db.Close()
		return nil, fmt.Errorf("read auto_vacuum: %w", err)
	}
	if avMode != 2 {
		if _, err := db.Exec(`PRAGMA auto_vacuum = INCREMENTAL`); err != nil {
			db.Close()
			return nil, fmt.Errorf("set auto_vacuum: %w", err)
		}
		if _, err := db.Exec(`VACUUM`); err != nil {
			telemetry.Warnf("recorder: VACUUM to enable auto_vacuum failed: %v", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init recorder schema: %w", err)
	}

	s := &Store{db: db}
	s.refreshSize()
	db.QueryRow(`SELECT (SELECT COUNT(*) FROM alerts) + (SELECT COUNT(*) FROM own_trades)`).Scan(&s.rowCount)
	return s, nil
}

// RecordAlert appends one triggered alert.
func (s *Store) RecordAlert(a market.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO alerts (strategy, symbol, message, price, triggered_at) VALUES (?,?,?,?,?)`,
		a.StrategyName, a.Symbol, a.Message, a.Price,
		a.TriggeredAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	s.afterInsert()
	return nil
}

// RecordOwnTrade appends one fill on the account's own orders.
func (s *Store) RecordOwnTrade(t market.OwnTrade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO own_trades (trade_id, order_id, symbol, side, price, qty, fee, fee_currency, executed_at)
		 VALUES (?,?,?,?,?,?,?,?,?)`,
		t.TradeID, t.OrderID, t.Symbol, t.Side.String(), t.Price, t.Quantity,
		t.Fee, t.FeeCurrency, t.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert own trade: %w", err)
	}
	s.afterInsert()
	return nil
}

// RecentAlerts returns the newest alerts, most recent first.
func (s *Store) RecentAlerts(limit int) ([]market.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT strategy, symbol, message, price, triggered_at
		 FROM alerts ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []market.Alert
	for rows.Next() {
		var a market.Alert
		var ts string
		if err := rows.Scan(&a.StrategyName, &a.Symbol, &a.Message, &a.Price, &ts); err != nil {
			return nil, err
		}
		a.TriggeredAt, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, a)
	}
	return out, rows.Err()
}

// afterInsert updates bookkeeping and evicts when over budget.
// Caller holds mu.
func (s *Store) afterInsert() {
	s.rowCount++
	s.refreshSize()
	if s.cachedSize > maxStoreBytes {
		s.evict()
	}
}

// refreshSize re-reads the database file size from SQLite pragmas.
// Caller holds mu.
func (s *Store) refreshSize() {
	var size int64
	row := s.db.QueryRow(`SELECT COALESCE(page_count * page_size, 0) FROM pragma_page_count(), pragma_page_size()`)
	if err := row.Scan(&size); err == nil {
		s.cachedSize = size
	}
}

// evict deletes the oldest 10% of each table's rows (at least one row per
// table). Caller holds mu.
func (s *Store) evict() {
	var deleted, target int64
	for _, table := range []string{"alerts", "own_trades"} {
		var rows int64
		if err := s.db.QueryRow(fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&rows); err != nil {
			telemetry.Warnf("recorder count %s: %v", table, err)
			continue
		}
		toDelete := int64(float64(rows) * evictPct)
		if toDelete < 1 {
			toDelete = 1
		}
		target += toDelete

		res, err := s.db.Exec(fmt.Sprintf(
			`DELETE FROM %s WHERE id IN (SELECT id FROM %s ORDER BY id ASC LIMIT ?)`,
			table, table), toDelete)
		if err != nil {
			telemetry.Warnf("recorder evict %s: %v", table, err)
			continue
		}
		n, _ := res.RowsAffected()
		deleted += n
	}

	s.rowCount -= deleted
	s.evictCounter++
	telemetry.Infof("recorder: evicted %d rows (target %d)", deleted, target)

	if s.evictCounter%vacuumInterval == 0 {
		s.db.Exec(`PRAGMA incremental_vacuum`)
	}
	s.refreshSize()
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
