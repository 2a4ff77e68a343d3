// Package marketdata provides cached market data access: the SQLite candle
// store, incremental indicators, and the WebSocket-first ticker facade with
// REST fallback.
package marketdata

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/JohnCCarter/Genesis-sub002/internal/core"
	"github.com/JohnCCarter/Genesis-sub002/pkg/telemetry"
)

// CandleStore persists OHLCV bars in SQLite keyed by (symbol, timeframe,
// mts). Writes are serialized through a single mutex; SQLite handles
// concurrent readers via WAL.
type CandleStore struct {
	db      *sql.DB
	writeMu sync.Mutex
	metrics *telemetry.MetricsHolder
}

// NewCandleStore opens (creating if needed) the candle database at dbPath.
func NewCandleStore(dbPath string, metrics *telemetry.MetricsHolder) (*CandleStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open candle database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping candle database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	// Prices are stored as text so decimal values round-trip exactly.
	schema := `CREATE TABLE IF NOT EXISTS candles (
		symbol      TEXT    NOT NULL,
		timeframe   TEXT    NOT NULL,
		mts         INTEGER NOT NULL,
		open        TEXT    NOT NULL,
		close       TEXT    NOT NULL,
		high        TEXT    NOT NULL,
		low         TEXT    NOT NULL,
		volume      TEXT    NOT NULL,
		inserted_at INTEGER NOT NULL,
		PRIMARY KEY (symbol, timeframe, mts)
	)`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create candles table: %w", err)
	}

	return &CandleStore{db: db, metrics: metrics}, nil
}

// Upsert writes candles in one transaction. Re-writing an existing
// (symbol, timeframe, mts) key replaces the row, which is how in-progress
// bars converge to their final values.
func (s *CandleStore) Upsert(ctx context.Context, candles []core.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO candles
		(symbol, timeframe, mts, open, close, high, low, volume, inserted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixMilli()
	for _, c := range candles {
		if _, err := stmt.ExecContext(ctx,
			c.Symbol, c.Timeframe, c.MTS,
			c.Open.String(), c.Close.String(), c.High.String(), c.Low.String(), c.Volume.String(),
			now,
		); err != nil {
			return fmt.Errorf("failed to upsert candle %s:%s@%d: %w", c.Symbol, c.Timeframe, c.MTS, err)
		}
	}

	return tx.Commit()
}

// LoadRecent returns up to limit bars for the pair, newest first.
func (s *CandleStore) LoadRecent(ctx context.Context, symbol, timeframe string, limit int) ([]core.Candle, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT mts, open, close, high, low, volume
		FROM candles WHERE symbol = ? AND timeframe = ?
		ORDER BY mts DESC LIMIT ?`, symbol, timeframe, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}
	defer rows.Close()

	var candles []core.Candle
	for rows.Next() {
		var (
			mts                     int64
			open, cls, high, low, v string
		)
		if err := rows.Scan(&mts, &open, &cls, &high, &low, &v); err != nil {
			return nil, fmt.Errorf("failed to scan candle row: %w", err)
		}
		c, err := candleFromRow(symbol, timeframe, mts, open, cls, high, low, v)
		if err != nil {
			return nil, err
		}
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// RowCount reports the stored bar count for one pair.
func (s *CandleStore) RowCount(ctx context.Context, symbol, timeframe string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM candles WHERE symbol = ? AND timeframe = ?`,
		symbol, timeframe).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count candles: %w", err)
	}
	return n, nil
}

// EnforceRetention deletes bars older than maxAge, then trims each
// (symbol, timeframe) pair down to maxRowsPerPair keeping the newest rows.
// It returns the number of rows deleted and refreshes the per-pair row
// gauge.
func (s *CandleStore) EnforceRetention(ctx context.Context, maxAge time.Duration, maxRowsPerPair int) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var deleted int64

	cutoff := time.Now().Add(-maxAge).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM candles WHERE mts < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete aged candles: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		deleted += n
	}

	if maxRowsPerPair > 0 {
		pairs, err := s.overCapPairs(ctx, maxRowsPerPair)
		if err != nil {
			return deleted, err
		}
		for _, p := range pairs {
			res, err := s.db.ExecContext(ctx, `DELETE FROM candles
				WHERE symbol = ? AND timeframe = ? AND rowid IN (
					SELECT rowid FROM candles WHERE symbol = ? AND timeframe = ?
					ORDER BY mts DESC LIMIT -1 OFFSET ?
				)`, p.symbol, p.timeframe, p.symbol, p.timeframe, maxRowsPerPair)
			if err != nil {
				return deleted, fmt.Errorf("failed to trim %s:%s: %w", p.symbol, p.timeframe, err)
			}
			if n, err := res.RowsAffected(); err == nil {
				deleted += n
			}
		}
	}

	if err := s.refreshRowGauges(ctx); err != nil {
		return deleted, err
	}
	return deleted, nil
}

type pairKey struct {
	symbol    string
	timeframe string
}

func (s *CandleStore) overCapPairs(ctx context.Context, maxRows int) ([]pairKey, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT symbol, timeframe FROM candles
		GROUP BY symbol, timeframe HAVING COUNT(*) > ?`, maxRows)
	if err != nil {
		return nil, fmt.Errorf("failed to find over-cap pairs: %w", err)
	}
	defer rows.Close()

	var pairs []pairKey
	for rows.Next() {
		var p pairKey
		if err := rows.Scan(&p.symbol, &p.timeframe); err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

func (s *CandleStore) refreshRowGauges(ctx context.Context) error {
	if s.metrics == nil {
		return nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT symbol, timeframe, COUNT(*)
		FROM candles GROUP BY symbol, timeframe`)
	if err != nil {
		return fmt.Errorf("failed to refresh row gauges: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p pairKey
			n int64
		)
		if err := rows.Scan(&p.symbol, &p.timeframe, &n); err != nil {
			return err
		}
		s.metrics.SetCandleCacheRows(p.symbol, p.timeframe, n)
	}
	return rows.Err()
}

func (s *CandleStore) Close() error {
	return s.db.Close()
}

func candleFromRow(symbol, timeframe string, mts int64, open, cls, high, low, volume string) (core.Candle, error) {
	c := core.Candle{Symbol: symbol, Timeframe: timeframe, MTS: mts}
	var err error
	if c.Open, err = decimal.NewFromString(open); err != nil {
		return c, fmt.Errorf("bad open %q at %d: %w", open, mts, err)
	}
	if c.Close, err = decimal.NewFromString(cls); err != nil {
		return c, fmt.Errorf("bad close %q at %d: %w", cls, mts, err)
	}
	if c.High, err = decimal.NewFromString(high); err != nil {
		return c, fmt.Errorf("bad high %q at %d: %w", high, mts, err)
	}
	if c.Low, err = decimal.NewFromString(low); err != nil {
		return c, fmt.Errorf("bad low %q at %d: %w", low, mts, err)
	}
	if c.Volume, err = decimal.NewFromString(volume); err != nil {
		return c, fmt.Errorf("bad volume %q at %d: %w", volume, mts, err)
	}
	return c, nil
}
