package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"futures-trading-bot/internal/bot"
	"futures-trading-bot/internal/exchange"
	"futures-trading-bot/internal/market"
)

var (
	_ bot.TradeStore    = (*DB)(nil)
	_ market.EntryStore = (*DB)(nil)
)

// ==================== TRADES ====================

// SaveTrade records a completed trade
func (db *DB) SaveTrade(ctx context.Context, trade bot.TradeRecord) error {
	query := `
		INSERT INTO trades (
			id, bot_id, symbol, side, size, entry_price, exit_price,
			pnl, pnl_percent, reason, opened_at, closed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`

	_, err := db.Pool.Exec(ctx, query,
		trade.ID,
		trade.BotID,
		trade.Symbol,
		string(trade.Side),
		trade.Size,
		trade.EntryPrice,
		trade.ExitPrice,
		trade.PnL,
		trade.PnLPercent,
		trade.Reason,
		trade.OpenedAt,
		trade.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save trade: %w", err)
	}
	return nil
}

// GetTradeHistory retrieves closed trades, newest first
func (db *DB) GetTradeHistory(ctx context.Context, limit, offset int) ([]bot.TradeRecord, error) {
	query := `
		SELECT id, bot_id, symbol, side, size, entry_price, exit_price,
			pnl, pnl_percent, reason, opened_at, closed_at
		FROM trades
		ORDER BY closed_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := db.Pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get trade history: %w", err)
	}
	defer rows.Close()

	var trades []bot.TradeRecord
	for rows.Next() {
		var trade bot.TradeRecord
		var side string
		err := rows.Scan(
			&trade.ID, &trade.BotID, &trade.Symbol, &side, &trade.Size,
			&trade.EntryPrice, &trade.ExitPrice, &trade.PnL, &trade.PnLPercent,
			&trade.Reason, &trade.OpenedAt, &trade.ClosedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trade.Side = exchange.PositionSide(side)
		trades = append(trades, trade)
	}

	return trades, rows.Err()
}

// TradeStats aggregates the closed-trade history
type TradeStats struct {
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"`
	TotalPnL      float64 `json:"total_pnl"`
}

// GetTradeStats computes totals over the full trade history
func (db *DB) GetTradeStats(ctx context.Context) (TradeStats, error) {
	query := `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE pnl > 0),
			COUNT(*) FILTER (WHERE pnl < 0),
			COALESCE(SUM(pnl), 0)
		FROM trades`

	var stats TradeStats
	err := db.Pool.QueryRow(ctx, query).Scan(
		&stats.TotalTrades, &stats.WinningTrades, &stats.LosingTrades, &stats.TotalPnL,
	)
	if err != nil {
		return TradeStats{}, fmt.Errorf("failed to get trade stats: %w", err)
	}

	if stats.TotalTrades > 0 {
		stats.WinRate = float64(stats.WinningTrades) / float64(stats.TotalTrades) * 100
	}
	return stats, nil
}

// ==================== MATURE COINS ====================

// LoadMatureCoins retrieves all verified maturity entries
func (db *DB) LoadMatureCoins(ctx context.Context) ([]market.MatureCoinEntry, error) {
	query := `
		SELECT symbol, first_seen, candle_count, passes_volatility_bounds,
			passes_rsi_bounds, last_verified
		FROM mature_coins
		ORDER BY symbol`

	rows, err := db.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load mature coins: %w", err)
	}
	defer rows.Close()

	var entries []market.MatureCoinEntry
	for rows.Next() {
		var entry market.MatureCoinEntry
		err := rows.Scan(
			&entry.Symbol, &entry.FirstSeen, &entry.CandleCount,
			&entry.PassesVolatilityBounds, &entry.PassesRSIBounds, &entry.LastVerified,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mature coin: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, rows.Err()
}

// SaveMatureCoin upserts one maturity entry
func (db *DB) SaveMatureCoin(ctx context.Context, entry market.MatureCoinEntry) error {
	query := `
		INSERT INTO mature_coins (
			symbol, first_seen, candle_count, passes_volatility_bounds,
			passes_rsi_bounds, last_verified, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (symbol) DO UPDATE SET
			candle_count = EXCLUDED.candle_count,
			passes_volatility_bounds = EXCLUDED.passes_volatility_bounds,
			passes_rsi_bounds = EXCLUDED.passes_rsi_bounds,
			last_verified = EXCLUDED.last_verified,
			updated_at = EXCLUDED.updated_at`

	_, err := db.Pool.Exec(ctx, query,
		entry.Symbol,
		entry.FirstSeen,
		entry.CandleCount,
		entry.PassesVolatilityBounds,
		entry.PassesRSIBounds,
		entry.LastVerified,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to save mature coin %s: %w", entry.Symbol, err)
	}
	return nil
}

// DeleteMatureCoin removes a delisted symbol's entry
func (db *DB) DeleteMatureCoin(ctx context.Context, symbol string) error {
	_, err := db.Pool.Exec(ctx, `DELETE FROM mature_coins WHERE symbol = $1`, symbol)
	if err != nil {
		return fmt.Errorf("failed to delete mature coin %s: %w", symbol, err)
	}
	return nil
}

// ==================== ENGINE CONFIG ====================

// SaveEngineConfig appends a new configuration document and returns its
// version. Versions only grow; the latest row is the active config.
func (db *DB) SaveEngineConfig(ctx context.Context, document []byte, updatedBy string) (int64, error) {
	query := `
		INSERT INTO engine_config (document, updated_by)
		VALUES ($1, $2)
		RETURNING version`

	var version int64
	if err := db.Pool.QueryRow(ctx, query, document, updatedBy).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to save engine config: %w", err)
	}
	return version, nil
}

// LoadEngineConfig returns the latest configuration document and its
// version. A missing document is not an error; the caller falls back
// to file and environment configuration.
func (db *DB) LoadEngineConfig(ctx context.Context) ([]byte, int64, error) {
	query := `
		SELECT document, version
		FROM engine_config
		ORDER BY version DESC
		LIMIT 1`

	var document []byte
	var version int64
	err := db.Pool.QueryRow(ctx, query).Scan(&document, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to load engine config: %w", err)
	}
	return document, version, nil
}
