// Package decisionstore persists the engine's decision cache, decision log,
// trade history, capital history, and judge audit trail to an embedded
// SQLite database, with an in-process TTL mirror in front of the decision
// cache to avoid a query on every Phase 3 cache check.
package decisionstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/iara-trader/engine/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS decision_cache (
	symbol TEXT NOT NULL,
	portfolio_hash TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	verdict TEXT NOT NULL,
	score REAL NOT NULL,
	entry TEXT NOT NULL,
	stop TEXT NOT NULL,
	tp1 TEXT NOT NULL,
	tp2 TEXT NOT NULL,
	justification TEXT NOT NULL,
	PRIMARY KEY (symbol, portfolio_hash, timestamp)
);

CREATE TABLE IF NOT EXISTS decision_log (
	id TEXT PRIMARY KEY,
	symbol TEXT NOT NULL,
	verdict TEXT NOT NULL,
	score REAL NOT NULL,
	entry TEXT NOT NULL,
	stop TEXT NOT NULL,
	tp1 TEXT NOT NULL,
	tp2 TEXT NOT NULL,
	justification TEXT NOT NULL,
	alerts TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS trade_history (
	id TEXT PRIMARY KEY,
	symbol TEXT NOT NULL,
	direction TEXT NOT NULL,
	entry_price TEXT NOT NULL,
	entry_time TEXT NOT NULL,
	exit_price TEXT,
	exit_time TEXT,
	quantity INTEGER NOT NULL,
	pnl TEXT,
	pnl_percent REAL,
	reason TEXT,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS capital_history (
	date TEXT PRIMARY KEY,
	capital TEXT NOT NULL,
	realized_pnl TEXT NOT NULL,
	unrealized_pnl TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS guardian_state (
	key TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS judge_audit (
	id TEXT PRIMARY KEY,
	timestamp TEXT NOT NULL,
	symbol TEXT NOT NULL,
	origin TEXT NOT NULL,
	prompt TEXT,
	result TEXT NOT NULL,
	score REAL NOT NULL,
	direction TEXT NOT NULL,
	justification TEXT NOT NULL
);
`

// Store is the embedded Decision Store.
type Store struct {
	logger *zap.Logger
	db     *sqlx.DB

	cacheExpiry time.Duration
	mirrorMu    sync.RWMutex
	mirror      map[string]cachedDecision
}

type cachedDecision struct {
	entry     types.DecisionCacheEntry
	expiresAt time.Time
}

// New opens (creating if absent) the SQLite file at path and applies the
// schema.
func New(logger *zap.Logger, path string, cacheExpiry time.Duration) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("decisionstore: opening %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("decisionstore: applying schema: %w", err)
	}

	s := &Store{
		logger:      logger.Named("decisionstore"),
		db:          db,
		cacheExpiry: cacheExpiry,
		mirror:      make(map[string]cachedDecision),
	}
	if err := s.warmMirror(context.Background()); err != nil {
		logger.Warn("decisionstore: warming cache mirror", zap.Error(err))
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func mirrorKey(symbol, portfolioHash string) string { return symbol + "|" + portfolioHash }

func (s *Store) warmMirror(ctx context.Context) error {
	cutoff := time.Now().Add(-s.cacheExpiry)
	rows, err := s.queryCacheSince(ctx, cutoff)
	if err != nil {
		return err
	}
	s.mirrorMu.Lock()
	defer s.mirrorMu.Unlock()
	for _, e := range rows {
		s.mirror[mirrorKey(e.Symbol, e.PortfolioHash)] = cachedDecision{entry: e, expiresAt: e.Timestamp.Add(s.cacheExpiry)}
	}
	return nil
}

type cacheRow struct {
	Symbol        string `db:"symbol"`
	PortfolioHash string `db:"portfolio_hash"`
	Timestamp     string `db:"timestamp"`
	Verdict       string `db:"verdict"`
	Score         float64 `db:"score"`
	Entry         string `db:"entry"`
	Stop          string `db:"stop"`
	TP1           string `db:"tp1"`
	TP2           string `db:"tp2"`
	Justification string `db:"justification"`
}

func (s *Store) queryCacheSince(ctx context.Context, cutoff time.Time) ([]types.DecisionCacheEntry, error) {
	var rows []cacheRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT symbol, portfolio_hash, timestamp, verdict, score, entry, stop, tp1, tp2, justification
		 FROM decision_cache WHERE timestamp >= ?`, cutoff.UTC().Format(time.RFC3339Nano)); err != nil {
		return nil, fmt.Errorf("decisionstore: querying decision_cache: %w", err)
	}
	out := make([]types.DecisionCacheEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowToEntry(r))
	}
	return out, nil
}

func rowToEntry(r cacheRow) types.DecisionCacheEntry {
	ts, _ := time.Parse(time.RFC3339Nano, r.Timestamp)
	entry, _ := decimal.NewFromString(r.Entry)
	stop, _ := decimal.NewFromString(r.Stop)
	tp1, _ := decimal.NewFromString(r.TP1)
	tp2, _ := decimal.NewFromString(r.TP2)
	return types.DecisionCacheEntry{
		Symbol:        r.Symbol,
		PortfolioHash: r.PortfolioHash,
		Timestamp:     ts,
		Decision: types.TradeDecision{
			Symbol:        r.Symbol,
			Verdict:       types.Verdict(r.Verdict),
			FinalScore:    r.Score,
			Entry:         entry,
			Stop:          stop,
			TP1:           tp1,
			TP2:           tp2,
			Justification: r.Justification,
			Timestamp:     ts,
			PortfolioHash: r.PortfolioHash,
		},
	}
}

// GetCachedDecision returns the most recent cached verdict for (symbol,
// portfolioHash) if one exists and has not expired. The mirror is checked
// first; a miss falls through to the database in case another process
// instance wrote the row (not expected in this single-process engine, but
// keeps the mirror from being the sole source of truth).
func (s *Store) GetCachedDecision(ctx context.Context, symbol, portfolioHash string) (types.DecisionCacheEntry, bool) {
	key := mirrorKey(symbol, portfolioHash)

	s.mirrorMu.RLock()
	cached, ok := s.mirror[key]
	s.mirrorMu.RUnlock()
	if ok && time.Now().Before(cached.expiresAt) {
		return cached.entry, true
	}

	var rows []cacheRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT symbol, portfolio_hash, timestamp, verdict, score, entry, stop, tp1, tp2, justification
		 FROM decision_cache WHERE symbol = ? AND portfolio_hash = ? ORDER BY timestamp DESC LIMIT 1`,
		symbol, portfolioHash); err != nil {
		s.logger.Warn("querying decision cache", zap.Error(err), zap.String("symbol", symbol))
		return types.DecisionCacheEntry{}, false
	}
	if len(rows) == 0 {
		return types.DecisionCacheEntry{}, false
	}
	entry := rowToEntry(rows[0])
	if time.Since(entry.Timestamp) > s.cacheExpiry {
		return types.DecisionCacheEntry{}, false
	}
	s.mirrorMu.Lock()
	s.mirror[key] = cachedDecision{entry: entry, expiresAt: entry.Timestamp.Add(s.cacheExpiry)}
	s.mirrorMu.Unlock()
	return entry, true
}

// PutCachedDecision stores a fresh verdict, keyed by the portfolio
// composition hash in effect when it was computed.
func (s *Store) PutCachedDecision(ctx context.Context, d types.TradeDecision) error {
	ts := d.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decision_cache (symbol, portfolio_hash, timestamp, verdict, score, entry, stop, tp1, tp2, justification)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(symbol, portfolio_hash, timestamp) DO UPDATE SET
			verdict = excluded.verdict, score = excluded.score, entry = excluded.entry, stop = excluded.stop,
			tp1 = excluded.tp1, tp2 = excluded.tp2, justification = excluded.justification`,
		d.Symbol, d.PortfolioHash, ts.UTC().Format(time.RFC3339Nano), string(d.Verdict), d.FinalScore,
		d.Entry.String(), d.Stop.String(), d.TP1.String(), d.TP2.String(), d.Justification)
	if err != nil {
		return fmt.Errorf("decisionstore: caching decision for %s: %w", d.Symbol, err)
	}

	s.mirrorMu.Lock()
	s.mirror[mirrorKey(d.Symbol, d.PortfolioHash)] = cachedDecision{
		entry:     types.DecisionCacheEntry{Symbol: d.Symbol, PortfolioHash: d.PortfolioHash, Timestamp: ts, Decision: d},
		expiresAt: ts.Add(s.cacheExpiry),
	}
	s.mirrorMu.Unlock()
	return nil
}

// ClearOldCache deletes decision_cache rows older than the configured
// cache expiry and drops their mirror entries.
func (s *Store) ClearOldCache(ctx context.Context) error {
	cutoff := time.Now().Add(-s.cacheExpiry)
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM decision_cache WHERE timestamp < ?`, cutoff.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("decisionstore: clearing expired cache: %w", err)
	}

	s.mirrorMu.Lock()
	now := time.Now()
	for key, cached := range s.mirror {
		if now.After(cached.expiresAt) {
			delete(s.mirror, key)
		}
	}
	s.mirrorMu.Unlock()
	return nil
}

// SaveGuardianState upserts a Guardian task's serialized snapshot
// (watchdog price rings, sentinel seen-headlines) under its key.
func (s *Store) SaveGuardianState(ctx context.Context, key string, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO guardian_state (key, payload, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		key, string(payload), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("decisionstore: saving guardian state %q: %w", key, err)
	}
	return nil
}

// LoadGuardianState returns the stored snapshot for key, reporting false
// when none has been saved yet.
func (s *Store) LoadGuardianState(ctx context.Context, key string) ([]byte, bool, error) {
	var payloads []string
	if err := s.db.SelectContext(ctx, &payloads,
		`SELECT payload FROM guardian_state WHERE key = ?`, key); err != nil {
		return nil, false, fmt.Errorf("decisionstore: loading guardian state %q: %w", key, err)
	}
	if len(payloads) == 0 {
		return nil, false, nil
	}
	return []byte(payloads[0]), true, nil
}

// AppendDecisionLog writes an immutable decision-log row.
func (s *Store) AppendDecisionLog(ctx context.Context, d types.TradeDecision, alerts string) error {
	row := types.DecisionLogRow{
		ID:            uuid.NewString(),
		Symbol:        d.Symbol,
		Verdict:       d.Verdict,
		Score:         d.FinalScore,
		Entry:         d.Entry,
		Stop:          d.Stop,
		TP1:           d.TP1,
		TP2:           d.TP2,
		Justification: d.Justification,
		Timestamp:     d.Timestamp,
		CreatedAt:     time.Now(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decision_log (id, symbol, verdict, score, entry, stop, tp1, tp2, justification, alerts, timestamp, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.Symbol, string(row.Verdict), row.Score, row.Entry.String(), row.Stop.String(),
		row.TP1.String(), row.TP2.String(), row.Justification, alerts,
		row.Timestamp.UTC().Format(time.RFC3339Nano), row.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("decisionstore: appending decision log for %s: %w", d.Symbol, err)
	}
	return nil
}

// OpenTrade writes a trade_history row on fill.
func (s *Store) OpenTrade(ctx context.Context, t types.TradeHistoryRow) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trade_history (id, symbol, direction, entry_price, entry_time, quantity, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Symbol, string(t.Direction), t.EntryPrice.String(),
		t.EntryTime.UTC().Format(time.RFC3339Nano), t.Quantity, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("decisionstore: opening trade for %s: %w", t.Symbol, err)
	}
	return nil
}

// CloseTrade fills in the exit side of a trade_history row.
func (s *Store) CloseTrade(ctx context.Context, id string, exitPrice decimal.Decimal, exitTime time.Time, pnl decimal.Decimal, pnlPercent float64, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE trade_history SET exit_price = ?, exit_time = ?, pnl = ?, pnl_percent = ?, reason = ? WHERE id = ?`,
		exitPrice.String(), exitTime.UTC().Format(time.RFC3339Nano), pnl.String(), pnlPercent, reason, id)
	if err != nil {
		return fmt.Errorf("decisionstore: closing trade %s: %w", id, err)
	}
	return nil
}

// AppendCapitalSnapshot upserts today's capital_history row.
func (s *Store) AppendCapitalSnapshot(ctx context.Context, snap types.CapitalSnapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO capital_history (date, capital, realized_pnl, unrealized_pnl) VALUES (?, ?, ?, ?)
		 ON CONFLICT(date) DO UPDATE SET capital = excluded.capital, realized_pnl = excluded.realized_pnl, unrealized_pnl = excluded.unrealized_pnl`,
		snap.Date, snap.Capital.String(), snap.RealizedPnL.String(), snap.UnrealizedPnL.String())
	if err != nil {
		return fmt.Errorf("decisionstore: appending capital snapshot for %s: %w", snap.Date, err)
	}
	return nil
}

// CapitalHistory returns the most recent limit daily snapshots, oldest
// first.
func (s *Store) CapitalHistory(ctx context.Context, limit int) ([]types.CapitalSnapshot, error) {
	type row struct {
		Date          string `db:"date"`
		Capital       string `db:"capital"`
		RealizedPnL   string `db:"realized_pnl"`
		UnrealizedPnL string `db:"unrealized_pnl"`
	}
	var rows []row
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT date, capital, realized_pnl, unrealized_pnl FROM capital_history ORDER BY date DESC LIMIT ?`, limit); err != nil {
		return nil, fmt.Errorf("decisionstore: querying capital_history: %w", err)
	}
	out := make([]types.CapitalSnapshot, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		r := rows[i]
		capital, _ := decimal.NewFromString(r.Capital)
		realized, _ := decimal.NewFromString(r.RealizedPnL)
		unrealized, _ := decimal.NewFromString(r.UnrealizedPnL)
		out[len(rows)-1-i] = types.CapitalSnapshot{Date: r.Date, Capital: capital, RealizedPnL: realized, UnrealizedPnL: unrealized}
	}
	return out, nil
}

// RecentDecisionLog returns the most recent limit decision_log rows, newest
// first, for the operator API.
func (s *Store) RecentDecisionLog(ctx context.Context, limit int) ([]types.DecisionLogRow, error) {
	type row struct {
		ID            string `db:"id"`
		Symbol        string `db:"symbol"`
		Verdict       string `db:"verdict"`
		Score         float64 `db:"score"`
		Entry         string `db:"entry"`
		Stop          string `db:"stop"`
		TP1           string `db:"tp1"`
		TP2           string `db:"tp2"`
		Justification string `db:"justification"`
		Alerts        string `db:"alerts"`
		Timestamp     string `db:"timestamp"`
		CreatedAt     string `db:"created_at"`
	}
	var rows []row
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT id, symbol, verdict, score, entry, stop, tp1, tp2, justification, alerts, timestamp, created_at
		 FROM decision_log ORDER BY timestamp DESC LIMIT ?`, limit); err != nil {
		return nil, fmt.Errorf("decisionstore: querying decision_log: %w", err)
	}
	out := make([]types.DecisionLogRow, 0, len(rows))
	for _, r := range rows {
		entry, _ := decimal.NewFromString(r.Entry)
		stop, _ := decimal.NewFromString(r.Stop)
		tp1, _ := decimal.NewFromString(r.TP1)
		tp2, _ := decimal.NewFromString(r.TP2)
		ts, _ := time.Parse(time.RFC3339Nano, r.Timestamp)
		createdAt, _ := time.Parse(time.RFC3339Nano, r.CreatedAt)
		out = append(out, types.DecisionLogRow{
			ID: r.ID, Symbol: r.Symbol, Verdict: types.Verdict(r.Verdict), Score: r.Score,
			Entry: entry, Stop: stop, TP1: tp1, TP2: tp2, Justification: r.Justification,
			Alerts: r.Alerts, Timestamp: ts, CreatedAt: createdAt,
		})
	}
	return out, nil
}

// AppendJudgeAudit writes an append-only judge_audit row through the
// AuditSink interface the Judge depends on.
func (s *Store) AppendJudgeAudit(ctx context.Context, entry types.JudgeAuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO judge_audit (id, timestamp, symbol, origin, prompt, result, score, direction, justification)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Timestamp.UTC().Format(time.RFC3339Nano), entry.Symbol, entry.Origin, entry.Prompt,
		string(entry.Result), entry.Score, string(entry.Direction), entry.Justification)
	if err != nil {
		return fmt.Errorf("decisionstore: appending judge audit for %s: %w", entry.Symbol, err)
	}
	return nil
}
