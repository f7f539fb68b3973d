package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"futures-trading-bot/config"
	"futures-trading-bot/internal/bot"
	"futures-trading-bot/internal/database"
	"futures-trading-bot/internal/exchange"
	"futures-trading-bot/internal/logging"
)

// SymbolStats aggregates closed trades for one symbol
type SymbolStats struct {
	Symbol        string
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	TotalPnL      float64
	TotalWins     float64
	TotalLosses   float64
	WinRate       float64
	AvgPnL        float64
}

const pageSize = 500

func main() {
	fmt.Println("📊 Trade History Analysis")
	fmt.Println(strings.Repeat("=", 80))

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("❌ Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if !cfg.DatabaseConfig.Enabled {
		fmt.Println("❌ Database is disabled in config, nothing to analyze")
		os.Exit(1)
	}

	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	}, logging.Nop())
	if err != nil {
		fmt.Printf("❌ Failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stats, err := db.GetTradeStats(ctx)
	if err != nil {
		fmt.Printf("❌ Failed to load trade stats: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("\n💰 Closed Trades: %d\n", stats.TotalTrades)
	fmt.Printf("🟢 Winners: %d\n", stats.WinningTrades)
	fmt.Printf("🔴 Losers: %d\n", stats.LosingTrades)
	fmt.Printf("📈 Win Rate: %.1f%%\n", stats.WinRate)
	fmt.Printf("💵 Total PnL: %+.2f\n", stats.TotalPnL)

	if stats.TotalTrades == 0 {
		fmt.Println("\n❌ No trade history found")
		return
	}

	fmt.Println("\n🔄 Loading trade history...")
	var trades []bot.TradeRecord
	for offset := 0; ; offset += pageSize {
		page, err := db.GetTradeHistory(ctx, pageSize, offset)
		if err != nil {
			fmt.Printf("❌ Failed to load trades: %v\n", err)
			os.Exit(1)
		}
		trades = append(trades, page...)
		if len(page) < pageSize {
			break
		}
	}
	fmt.Printf("   Loaded %d trades\n", len(trades))

	symbolStats := make(map[string]*SymbolStats)
	sidePnL := make(map[exchange.PositionSide]float64)
	sideCount := make(map[exchange.PositionSide]int)
	reasonPnL := make(map[string]float64)
	reasonCount := make(map[string]int)

	for _, t := range trades {
		s, exists := symbolStats[t.Symbol]
		if !exists {
			s = &SymbolStats{Symbol: t.Symbol}
			symbolStats[t.Symbol] = s
		}
		s.TotalTrades++
		s.TotalPnL += t.PnL
		if t.PnL > 0 {
			s.WinningTrades++
			s.TotalWins += t.PnL
		} else if t.PnL < 0 {
			s.LosingTrades++
			s.TotalLosses += t.PnL
		}

		sidePnL[t.Side] += t.PnL
		sideCount[t.Side]++
		reasonPnL[t.Reason] += t.PnL
		reasonCount[t.Reason]++
	}

	var sortedStats []*SymbolStats
	for _, s := range symbolStats {
		s.WinRate = float64(s.WinningTrades) / float64(s.TotalTrades) * 100
		s.AvgPnL = s.TotalPnL / float64(s.TotalTrades)
		sortedStats = append(sortedStats, s)
	}
	sort.Slice(sortedStats, func(i, j int) bool {
		return sortedStats[i].TotalPnL > sortedStats[j].TotalPnL
	})

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("📈 TRADE PERFORMANCE BY SYMBOL")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Println("┌──────────────┬────────┬─────────┬─────────┬──────────────┬──────────────┬──────────┐")
	fmt.Println("│ Symbol       │ Trades │ Winners │ Losers  │ Total PnL    │ Avg PnL      │ Win Rate │")
	fmt.Println("├──────────────┼────────┼─────────┼─────────┼──────────────┼──────────────┼──────────┤")

	for _, s := range sortedStats {
		emoji := "🟢"
		if s.TotalPnL < 0 {
			emoji = "🔴"
		}
		fmt.Printf("│ %s %-10s │ %6d │ %7d │ %7d │ %+12.2f │ %+12.2f │ %7.1f%% │\n",
			emoji, truncate(s.Symbol, 10),
			s.TotalTrades, s.WinningTrades, s.LosingTrades,
			s.TotalPnL, s.AvgPnL, s.WinRate)
	}

	fmt.Println("├──────────────┼────────┼─────────┼─────────┼──────────────┼──────────────┼──────────┤")
	avgPnL := stats.TotalPnL / float64(stats.TotalTrades)
	fmt.Printf("│ 📊 TOTAL     │ %6d │ %7d │ %7d │ %+12.2f │ %+12.2f │ %7.1f%% │\n",
		stats.TotalTrades, stats.WinningTrades, stats.LosingTrades,
		stats.TotalPnL, avgPnL, stats.WinRate)
	fmt.Println("└──────────────┴────────┴─────────┴─────────┴──────────────┴──────────────┴──────────┘")

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("↕️  PERFORMANCE BY DIRECTION")
	fmt.Println(strings.Repeat("=", 80))
	for _, side := range []exchange.PositionSide{exchange.PositionSideLong, exchange.PositionSideShort} {
		if sideCount[side] == 0 {
			continue
		}
		fmt.Printf("   %-5s: %4d trades │ PnL %+10.2f │ Avg %+8.2f\n",
			side, sideCount[side], sidePnL[side], sidePnL[side]/float64(sideCount[side]))
	}

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("🚪 PERFORMANCE BY EXIT REASON")
	fmt.Println(strings.Repeat("=", 80))
	var reasons []string
	for r := range reasonCount {
		reasons = append(reasons, r)
	}
	sort.Slice(reasons, func(i, j int) bool {
		return reasonPnL[reasons[i]] > reasonPnL[reasons[j]]
	})
	for _, r := range reasons {
		name := r
		if name == "" {
			name = "(unrecorded)"
		}
		fmt.Printf("   %-20s: %4d trades │ PnL %+10.2f\n", truncate(name, 20), reasonCount[r], reasonPnL[r])
	}

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("🔴 WORST PERFORMING SYMBOLS")
	fmt.Println(strings.Repeat("=", 80))

	worstCount := 0
	for i := len(sortedStats) - 1; i >= 0 && worstCount < 5; i-- {
		s := sortedStats[i]
		if s.TotalPnL < 0 {
			avgLoss := 0.0
			if s.LosingTrades > 0 {
				avgLoss = s.TotalLosses / float64(s.LosingTrades)
			}
			fmt.Printf("   🔴 %s: %+.2f total │ %d losses │ Avg loss: %.2f │ Win rate: %.1f%%\n",
				s.Symbol, s.TotalPnL, s.LosingTrades, avgLoss, s.WinRate)
			worstCount++
		}
	}
	if worstCount == 0 {
		fmt.Println("   None")
	}

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("🟢 BEST PERFORMING SYMBOLS")
	fmt.Println(strings.Repeat("=", 80))

	bestCount := 0
	for _, s := range sortedStats {
		if s.TotalPnL > 0 && bestCount < 5 {
			avgWin := 0.0
			if s.WinningTrades > 0 {
				avgWin = s.TotalWins / float64(s.WinningTrades)
			}
			fmt.Printf("   🟢 %s: %+.2f total │ %d wins │ Avg win: %.2f │ Win rate: %.1f%%\n",
				s.Symbol, s.TotalPnL, s.WinningTrades, avgWin, s.WinRate)
			bestCount++
		}
	}
	if bestCount == 0 {
		fmt.Println("   None")
	}

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("💡 INSIGHTS")
	fmt.Println(strings.Repeat("=", 80))

	if stats.WinRate < 50 {
		fmt.Printf("\n   ⚠️  Overall win rate is %.1f%% - BELOW 50%%\n", stats.WinRate)
		fmt.Println("   → Consider tightening rsi_oversold/rsi_overbought or raising ml_min_confidence")
	} else {
		fmt.Printf("\n   ✅ Overall win rate is %.1f%% - above 50%%\n", stats.WinRate)
	}

	fmt.Println("\n   🚫 BLACKLIST CANDIDATES (negative PnL + low win rate):")
	blacklistCount := 0
	for i := len(sortedStats) - 1; i >= 0; i-- {
		s := sortedStats[i]
		if s.TotalPnL < -20 && s.WinRate < 45 && s.TotalTrades >= 3 {
			fmt.Printf("      - %s (PnL: %+.2f, Win rate: %.1f%%, Trades: %d)\n",
				s.Symbol, s.TotalPnL, s.WinRate, s.TotalTrades)
			blacklistCount++
		}
	}
	if blacklistCount == 0 {
		fmt.Println("      None identified")
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
