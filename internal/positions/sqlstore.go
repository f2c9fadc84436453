package positions

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/kestrelq/ladderengine/internal/models"
)

// row is the sqlx scan target for a trades row; decimal fields persist
// as their string form, matching the teacher's pattern of storing
// numeric-as-text columns in SQLite to avoid float round-trip drift.
type row struct {
	TradeID       string         `db:"trade_id"`
	Symbol        string         `db:"symbol"`
	PositionIndex int            `db:"position_index"`
	EntryTs       int64          `db:"entry_ts"`
	EntryPrice    string         `db:"entry_price"`
	Qty           int64          `db:"qty"`
	Mode          string         `db:"mode"`
	StopPctCfg    string         `db:"stop_pct_cfg"`
	TargetPctCfg  string         `db:"target_pct_cfg"`
	RankGMAtEntry string         `db:"rank_gm_at_entry"`

	HighestSinceEntry string `db:"highest_since_entry"`
	CurrentStopPrice  string `db:"current_stop_price"`
	CurrentTargetPrice string `db:"current_target_price"`
	GttID             sql.NullString `db:"gtt_id"`
	OrderID           sql.NullString `db:"order_id"`
	Status            string         `db:"status"`
	ProtectionCompromised bool        `db:"protection_compromised"`

	ExitTs      sql.NullInt64  `db:"exit_ts"`
	ExitPrice   sql.NullString `db:"exit_price"`
	RealizedPnL sql.NullString `db:"realized_pnl"`
	ExitReason  sql.NullString `db:"exit_reason"`
}

func (r row) toTrade() models.Trade {
	t := models.Trade{
		TradeID: r.TradeID, Symbol: models.Symbol(r.Symbol), Index: models.PositionIndex(r.PositionIndex),
		EntryTs: time.Unix(0, r.EntryTs), EntryPrice: mustDec(r.EntryPrice), Qty: r.Qty,
		Mode: models.TradingMode(r.Mode), StopPctCfg: mustDec(r.StopPctCfg), TargetPctCfg: mustDec(r.TargetPctCfg),
		RankGMAtEntry: mustDec(r.RankGMAtEntry),
		HighestSinceEntry: mustDec(r.HighestSinceEntry), CurrentStopPrice: mustDec(r.CurrentStopPrice),
		CurrentTargetPrice: mustDec(r.CurrentTargetPrice),
		GttID: r.GttID.String, OrderID: r.OrderID.String, Status: models.TradeStatus(r.Status),
		ProtectionCompromised: r.ProtectionCompromised,
	}
	if r.ExitTs.Valid {
		t.ExitTs = time.Unix(0, r.ExitTs.Int64)
	}
	if r.ExitPrice.Valid {
		t.ExitPrice = mustDec(r.ExitPrice.String)
	}
	if r.RealizedPnL.Valid {
		t.RealizedPnL = mustDec(r.RealizedPnL.String)
	}
	if r.ExitReason.Valid {
		t.ExitReason = models.ExitReason(r.ExitReason.String)
	}
	return t
}

func mustDec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// SQLStore is the sqlx/modernc.org/sqlite backed Store. Mode selects a
// distinct table-suffix namespace (trades_paper/trades_live,
// candles is shared across modes since candle data is market data, not
// position state).
type SQLStore struct {
	db *sqlx.DB

	mu   sync.RWMutex
	mode models.TradingMode
}

// NewSQLStore opens (creating if necessary) the sqlite database at
// path, runs migrations for both mode namespaces, and returns a Store
// starting in the given mode.
func NewSQLStore(path string, startMode models.TradingMode) (*SQLStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}
	s := &SQLStore{db: db, mode: startMode}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) tradesTable() string {
	return "trades_" + string(s.Mode())
}

func (s *SQLStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS trades_paper (
		trade_id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		position_index INTEGER NOT NULL,
		entry_ts INTEGER NOT NULL,
		entry_price TEXT NOT NULL,
		qty INTEGER NOT NULL,
		mode TEXT NOT NULL,
		stop_pct_cfg TEXT NOT NULL,
		target_pct_cfg TEXT NOT NULL,
		rank_gm_at_entry TEXT NOT NULL,
		highest_since_entry TEXT NOT NULL,
		current_stop_price TEXT NOT NULL,
		current_target_price TEXT NOT NULL,
		gtt_id TEXT,
		order_id TEXT,
		status TEXT NOT NULL,
		protection_compromised INTEGER NOT NULL DEFAULT 0,
		exit_ts INTEGER,
		exit_price TEXT,
		realized_pnl TEXT,
		exit_reason TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_trades_paper_order ON trades_paper(order_id);
	CREATE INDEX IF NOT EXISTS idx_trades_paper_gtt ON trades_paper(gtt_id);
	CREATE INDEX IF NOT EXISTS idx_trades_paper_symbol ON trades_paper(symbol, position_index);

	CREATE TABLE IF NOT EXISTS trades_live (
		trade_id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		position_index INTEGER NOT NULL,
		entry_ts INTEGER NOT NULL,
		entry_price TEXT NOT NULL,
		qty INTEGER NOT NULL,
		mode TEXT NOT NULL,
		stop_pct_cfg TEXT NOT NULL,
		target_pct_cfg TEXT NOT NULL,
		rank_gm_at_entry TEXT NOT NULL,
		highest_since_entry TEXT NOT NULL,
		current_stop_price TEXT NOT NULL,
		current_target_price TEXT NOT NULL,
		gtt_id TEXT,
		order_id TEXT,
		status TEXT NOT NULL,
		protection_compromised INTEGER NOT NULL DEFAULT 0,
		exit_ts INTEGER,
		exit_price TEXT,
		realized_pnl TEXT,
		exit_reason TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_trades_live_order ON trades_live(order_id);
	CREATE INDEX IF NOT EXISTS idx_trades_live_gtt ON trades_live(gtt_id);
	CREATE INDEX IF NOT EXISTS idx_trades_live_symbol ON trades_live(symbol, position_index);

	CREATE TABLE IF NOT EXISTS candles (
		timeframe TEXT NOT NULL,
		symbol TEXT NOT NULL,
		bar_start INTEGER NOT NULL,
		open TEXT NOT NULL,
		high TEXT NOT NULL,
		low TEXT NOT NULL,
		close TEXT NOT NULL,
		volume INTEGER NOT NULL,
		PRIMARY KEY (timeframe, symbol, bar_start)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLStore) Mode() models.TradingMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// SetMode swaps the active namespace. The caller (supervisor) is
// responsible for pausing the scanner/trailing worker around this
// call per spec §4.9's transactional setMode.
func (s *SQLStore) SetMode(mode models.TradingMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
	return nil
}

func (s *SQLStore) CreatePending(t *models.Trade) (string, error) {
	if t.TradeID == "" {
		t.TradeID = uuid.NewString()
	}
	t.Status = models.TradeStatusPending
	table := s.tradesTable()
	targetPrice := decimal.Zero
	if !t.TargetPctCfg.IsZero() {
		targetPrice = t.EntryPrice.Mul(decimal.NewFromInt(1).Add(t.TargetPctCfg.Div(decimal.NewFromInt(100))))
	}
	_, err := s.db.NamedExec(fmt.Sprintf(`
		INSERT OR REPLACE INTO %s
		(trade_id, symbol, position_index, entry_ts, entry_price, qty, mode,
		 stop_pct_cfg, target_pct_cfg, rank_gm_at_entry,
		 highest_since_entry, current_stop_price, current_target_price,
		 gtt_id, order_id, status, protection_compromised)
		VALUES
		(:trade_id, :symbol, :position_index, :entry_ts, :entry_price, :qty, :mode,
		 :stop_pct_cfg, :target_pct_cfg, :rank_gm_at_entry,
		 :highest_since_entry, :current_stop_price, :current_target_price,
		 :gtt_id, :order_id, :status, :protection_compromised)
	`, table), map[string]interface{}{
		"trade_id": t.TradeID, "symbol": string(t.Symbol), "position_index": int(t.Index),
		"entry_ts": t.EntryTs.UnixNano(), "entry_price": t.EntryPrice.String(), "qty": t.Qty,
		"mode": string(t.Mode), "stop_pct_cfg": t.StopPctCfg.String(), "target_pct_cfg": t.TargetPctCfg.String(),
		"rank_gm_at_entry": t.RankGMAtEntry.String(),
		"highest_since_entry": t.EntryPrice.String(), "current_stop_price": decimal.Zero.String(),
		"current_target_price": targetPrice.String(),
		"gtt_id": nil, "order_id": nil, "status": string(models.TradeStatusPending),
		"protection_compromised": false,
	})
	if err != nil {
		return "", fmt.Errorf("create pending trade: %w", err)
	}
	return t.TradeID, nil
}

func (s *SQLStore) Activate(tradeID, orderID, gttID string) error {
	table := s.tradesTable()
	cur, err := s.Get(tradeID)
	if err != nil {
		return err
	}
	if cur.Status != models.TradeStatusPending {
		return &models.InvalidStateTransition{Entity: "Trade", From: string(cur.Status), To: string(models.TradeStatusOpen)}
	}
	_, err = s.db.Exec(fmt.Sprintf(`UPDATE %s SET order_id=?, gtt_id=?, status=? WHERE trade_id=?`, table),
		orderID, gttID, string(models.TradeStatusOpen), tradeID)
	return err
}

// UpdateEntryPrice rewrites entry_price and highest_since_entry to the
// broker-confirmed fill price while the Trade is still pending, and is
// a no-op otherwise. Stop and target prices are not recomputed from the
// fill price.
func (s *SQLStore) UpdateEntryPrice(tradeID string, filledPrice decimal.Decimal) error {
	table := s.tradesTable()
	cur, err := s.Get(tradeID)
	if err != nil {
		return err
	}
	if cur.Status != models.TradeStatusPending {
		return nil
	}
	_, err = s.db.Exec(fmt.Sprintf(`UPDATE %s SET entry_price=?, highest_since_entry=? WHERE trade_id=?`, table),
		filledPrice.String(), filledPrice.String(), tradeID)
	return err
}

func (s *SQLStore) UpdateStop(tradeID string, newStop decimal.Decimal, newGttID string) error {
	table := s.tradesTable()
	cur, err := s.Get(tradeID)
	if err != nil {
		return err
	}
	if newStop.LessThan(cur.CurrentStopPrice) {
		return &models.InvalidStateTransition{Entity: "ConditionalOrder", From: cur.CurrentStopPrice.String(), To: newStop.String()}
	}
	if newGttID == "" {
		newGttID = cur.GttID
	}
	_, err = s.db.Exec(fmt.Sprintf(`UPDATE %s SET current_stop_price=?, gtt_id=? WHERE trade_id=?`, table),
		newStop.String(), newGttID, tradeID)
	return err
}

// UpdateHighest persists a new observed high-water mark. Called by the
// trailing worker on every tick that sets a new high, regardless of
// whether the stop itself moves.
func (s *SQLStore) UpdateHighest(tradeID string, newHighest decimal.Decimal) error {
	table := s.tradesTable()
	cur, err := s.Get(tradeID)
	if err != nil {
		return err
	}
	if newHighest.LessThanOrEqual(cur.HighestSinceEntry) {
		return nil
	}
	_, err = s.db.Exec(fmt.Sprintf(`UPDATE %s SET highest_since_entry=? WHERE trade_id=?`, table),
		newHighest.String(), tradeID)
	return err
}

func (s *SQLStore) Close(tradeID string, exitPrice decimal.Decimal, exitTs time.Time, pnl decimal.Decimal, reason models.ExitReason) error {
	table := s.tradesTable()
	_, err := s.db.Exec(fmt.Sprintf(`UPDATE %s SET status=?, exit_ts=?, exit_price=?, realized_pnl=?, exit_reason=? WHERE trade_id=?`, table),
		string(models.TradeStatusClosed), exitTs.UnixNano(), exitPrice.String(), pnl.String(), string(reason), tradeID)
	return err
}

func (s *SQLStore) MarkFailed(tradeID string, reason string) error {
	table := s.tradesTable()
	_, err := s.db.Exec(fmt.Sprintf(`UPDATE %s SET status=? WHERE trade_id=?`, table), string(models.TradeStatusFailed), tradeID)
	return err
}

func (s *SQLStore) MarkProtectionCompromised(tradeID string) error {
	table := s.tradesTable()
	_, err := s.db.Exec(fmt.Sprintf(`UPDATE %s SET protection_compromised=1 WHERE trade_id=?`, table), tradeID)
	return err
}

func (s *SQLStore) Get(tradeID string) (*models.Trade, error) {
	table := s.tradesTable()
	var r row
	err := s.db.Get(&r, fmt.Sprintf(`SELECT * FROM %s WHERE trade_id=?`, table), tradeID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("trade not found: %s", tradeID)
	}
	if err != nil {
		return nil, err
	}
	t := r.toTrade()
	return &t, nil
}

func (s *SQLStore) OpenByKey(symbol models.Symbol, index models.PositionIndex) (*models.Trade, error) {
	table := s.tradesTable()
	var r row
	err := s.db.Get(&r, fmt.Sprintf(`SELECT * FROM %s WHERE symbol=? AND position_index=? AND status=?`, table),
		string(symbol), int(index), string(models.TradeStatusOpen))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t := r.toTrade()
	return &t, nil
}

func (s *SQLStore) OpenBySymbol(symbol models.Symbol) ([]models.Trade, error) {
	table := s.tradesTable()
	var rows []row
	err := s.db.Select(&rows, fmt.Sprintf(`SELECT * FROM %s WHERE symbol=? AND status=? ORDER BY position_index`, table),
		string(symbol), string(models.TradeStatusOpen))
	if err != nil {
		return nil, err
	}
	return toTrades(rows), nil
}

func (s *SQLStore) OpenAll() ([]models.Trade, error) {
	table := s.tradesTable()
	var rows []row
	err := s.db.Select(&rows, fmt.Sprintf(`SELECT * FROM %s WHERE status=?`, table), string(models.TradeStatusOpen))
	if err != nil {
		return nil, err
	}
	return toTrades(rows), nil
}

func (s *SQLStore) ByOrderID(orderID string) (*models.Trade, error) {
	table := s.tradesTable()
	var r row
	err := s.db.Get(&r, fmt.Sprintf(`SELECT * FROM %s WHERE order_id=?`, table), orderID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t := r.toTrade()
	return &t, nil
}

func (s *SQLStore) ByGttID(gttID string) (*models.Trade, error) {
	table := s.tradesTable()
	var r row
	err := s.db.Get(&r, fmt.Sprintf(`SELECT * FROM %s WHERE gtt_id=?`, table), gttID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t := r.toTrade()
	return &t, nil
}

// SaveCandle upserts one OHLCV bar; re-delivery of the same
// (timeframe, symbol, barStart) is idempotent via INSERT OR REPLACE,
// matching the teacher's database.go pattern.
func (s *SQLStore) SaveCandle(c models.Candle) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO candles (timeframe, symbol, bar_start, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, string(c.Timeframe), string(c.Symbol), c.StartTs.Unix(), c.Open.String(), c.High.String(), c.Low.String(), c.Close.String(), c.Volume)
	return err
}

func toTrades(rows []row) []models.Trade {
	out := make([]models.Trade, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toTrade())
	}
	return out
}
