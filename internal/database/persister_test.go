package database

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"futures-trading-bot/internal/bot"
	"futures-trading-bot/internal/logging"
)

type snapshotSource struct {
	mu      sync.Mutex
	records []bot.BotRecord
	calls   atomic.Int32
}

func (s *snapshotSource) list() []bot.BotRecord {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]bot.BotRecord, len(s.records))
	copy(out, s.records)
	return out
}

func (s *snapshotSource) set(records []bot.BotRecord) {
	s.mu.Lock()
	s.records = records
	s.mu.Unlock()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestPersisterSavesAfterMark(t *testing.T) {
	repo := memoryRepo()
	source := &snapshotSource{}
	source.set([]bot.BotRecord{stateRecord("BTCUSDT", bot.StateOpen, 1, 0)})

	p := NewStatePersister(repo, source.list, 10*time.Millisecond, logging.Nop())
	p.Start()
	defer p.Stop()

	p.MarkDirty()

	waitFor(t, 2*time.Second, func() bool {
		loaded, _ := repo.LoadSnapshot(context.Background())
		return len(loaded) == 1 && loaded[0].Symbol == "BTCUSDT"
	})
}

func TestPersisterCoalescesBursts(t *testing.T) {
	repo := memoryRepo()
	source := &snapshotSource{}
	source.set([]bot.BotRecord{stateRecord("BTCUSDT", bot.StateOpen, 1, 0)})

	p := NewStatePersister(repo, source.list, 50*time.Millisecond, logging.Nop())
	p.Start()

	for i := 0; i < 20; i++ {
		p.MarkDirty()
	}

	waitFor(t, 2*time.Second, func() bool {
		return source.calls.Load() >= 1
	})
	time.Sleep(150 * time.Millisecond)
	p.Stop()

	// 20 marks in one burst collapse into a couple of snapshots plus
	// the final flush on Stop
	if calls := source.calls.Load(); calls >= 10 {
		t.Errorf("snapshot source called %d times for a 20-mark burst", calls)
	}
}

func TestPersisterStopFlushes(t *testing.T) {
	repo := memoryRepo()
	source := &snapshotSource{}
	source.set([]bot.BotRecord{stateRecord("ETHUSDT", bot.StateProtecting, 2, 95)})

	// Debounce far longer than the test, so only the Stop flush can
	// have written the snapshot
	p := NewStatePersister(repo, source.list, time.Hour, logging.Nop())
	p.Start()
	p.MarkDirty()
	p.Stop()

	loaded, err := repo.LoadSnapshot(context.Background())
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("loaded %d records after stop flush, want 1", len(loaded))
	}
	if loaded[0].Symbol != "ETHUSDT" {
		t.Errorf("symbol = %s, want ETHUSDT", loaded[0].Symbol)
	}
	if loaded[0].StopLossPrice != 95 {
		t.Errorf("stop price = %v, want 95", loaded[0].StopLossPrice)
	}
}

func TestPersisterStartStopIdempotent(t *testing.T) {
	p := NewStatePersister(memoryRepo(), (&snapshotSource{}).list, time.Millisecond, logging.Nop())

	p.Start()
	p.Start()
	p.Stop()
	p.Stop()
}
