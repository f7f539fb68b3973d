package bot

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"futures-trading-bot/internal/exchange"
	"futures-trading-bot/internal/logging"
)

func newTestRegistry(capacity int) *Registry {
	return NewRegistry(capacity, nil, logging.Nop())
}

func TestTryCreateUnique(t *testing.T) {
	reg := newTestRegistry(5)

	first, err := reg.TryCreate(NewBotRecord("BTCUSDT", exchange.PositionSideLong, "auto"))
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	if first.State != StateScanning {
		t.Errorf("created state = %s, want SCANNING", first.State)
	}

	_, err = reg.TryCreate(NewBotRecord("BTCUSDT", exchange.PositionSideShort, "auto"))
	if !errors.Is(err, ErrBotExists) {
		t.Errorf("duplicate create error = %v, want ErrBotExists", err)
	}
	if reg.Count() != 1 {
		t.Errorf("count = %d, want 1", reg.Count())
	}
}

func TestTryCreateConcurrentExactlyOneWins(t *testing.T) {
	reg := newTestRegistry(10)

	const racers = 32
	var wg sync.WaitGroup
	results := make(chan error, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.TryCreate(NewBotRecord("SOLUSDT", exchange.PositionSideLong, "auto"))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins, exists := 0, 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrBotExists):
			exists++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}

	if wins != 1 {
		t.Errorf("winners = %d, want exactly 1", wins)
	}
	if exists != racers-1 {
		t.Errorf("ErrBotExists count = %d, want %d", exists, racers-1)
	}
	if reg.Count() != 1 {
		t.Errorf("count = %d, want 1", reg.Count())
	}
}

func TestTryCreateCapacity(t *testing.T) {
	reg := newTestRegistry(5)

	for i := 0; i < 5; i++ {
		symbol := fmt.Sprintf("COIN%dUSDT", i)
		if _, err := reg.TryCreate(NewBotRecord(symbol, exchange.PositionSideLong, "auto")); err != nil {
			t.Fatalf("create %s: %v", symbol, err)
		}
	}

	_, err := reg.TryCreate(NewBotRecord("SIXTHUSDT", exchange.PositionSideLong, "auto"))
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Errorf("sixth create error = %v, want ErrCapacityExceeded", err)
	}
	if reg.Count() != 5 {
		t.Errorf("count = %d, want 5", reg.Count())
	}

	// Freeing a slot lets a new bot in
	if err := reg.Remove("COIN0USDT"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := reg.TryCreate(NewBotRecord("SIXTHUSDT", exchange.PositionSideLong, "auto")); err != nil {
		t.Errorf("create after free: %v", err)
	}
}

func TestWithLockVersioning(t *testing.T) {
	reg := newTestRegistry(5)
	created, err := reg.TryCreate(NewBotRecord("BTCUSDT", exchange.PositionSideLong, "auto"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	err = reg.WithLock("BTCUSDT", func(rec *BotRecord) error {
		return rec.Transition(StateEntering)
	})
	if err != nil {
		t.Fatalf("with lock: %v", err)
	}

	after, ok := reg.Get("BTCUSDT")
	if !ok {
		t.Fatal("bot missing after mutation")
	}
	if after.State != StateEntering {
		t.Errorf("state = %s, want ENTERING", after.State)
	}
	if after.Version != created.Version+1 {
		t.Errorf("version = %d, want %d", after.Version, created.Version+1)
	}

	// A failed fn leaves the version untouched
	wantErr := errors.New("nope")
	if err := reg.WithLock("BTCUSDT", func(*BotRecord) error { return wantErr }); !errors.Is(err, wantErr) {
		t.Fatalf("expected fn error back, got %v", err)
	}
	unchanged, _ := reg.Get("BTCUSDT")
	if unchanged.Version != after.Version {
		t.Errorf("version advanced on failed mutation: %d -> %d", after.Version, unchanged.Version)
	}
}

func TestWithLockSerializesMutations(t *testing.T) {
	reg := newTestRegistry(5)
	created, err := reg.TryCreate(NewBotRecord("BTCUSDT", exchange.PositionSideLong, "auto"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const writers = 32
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := reg.WithLock("BTCUSDT", func(rec *BotRecord) error {
				rec.PositionSize++
				return nil
			})
			if err != nil {
				t.Errorf("with lock: %v", err)
			}
		}()
	}
	wg.Wait()

	after, _ := reg.Get("BTCUSDT")
	if after.PositionSize != writers {
		t.Errorf("position size = %v, want %d (lost update)", after.PositionSize, writers)
	}
	if after.Version != created.Version+writers {
		t.Errorf("version = %d, want %d", after.Version, created.Version+writers)
	}
}

func TestWithLockMissingBot(t *testing.T) {
	reg := newTestRegistry(5)
	err := reg.WithLock("GHOSTUSDT", func(*BotRecord) error { return nil })
	if !errors.Is(err, ErrBotNotFound) {
		t.Errorf("error = %v, want ErrBotNotFound", err)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	reg := newTestRegistry(5)
	if _, err := reg.TryCreate(NewBotRecord("BTCUSDT", exchange.PositionSideLong, "auto")); err != nil {
		t.Fatalf("create: %v", err)
	}

	snapshot, _ := reg.Get("BTCUSDT")
	snapshot.State = StateClosed
	snapshot.PositionSize = 999

	fresh, _ := reg.Get("BTCUSDT")
	if fresh.State != StateScanning || fresh.PositionSize != 0 {
		t.Errorf("mutating a Get copy leaked into the registry: %+v", fresh)
	}
}

func TestOnChangeNotification(t *testing.T) {
	reg := newTestRegistry(5)

	var mu sync.Mutex
	changes := 0
	reg.OnChange(func() {
		mu.Lock()
		changes++
		mu.Unlock()
	})

	if _, err := reg.TryCreate(NewBotRecord("BTCUSDT", exchange.PositionSideLong, "auto")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := reg.WithLock("BTCUSDT", func(rec *BotRecord) error { return rec.Transition(StateEntering) }); err != nil {
		t.Fatalf("mutate: %v", err)
	}
	if err := reg.Remove("BTCUSDT"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if changes != 3 {
		t.Errorf("change notifications = %d, want 3", changes)
	}
}

func TestRestoreSkipsTerminal(t *testing.T) {
	reg := newTestRegistry(10)

	records := []BotRecord{
		{ID: "a", Symbol: "BTCUSDT", State: StateProtecting, Side: exchange.PositionSideLong, PositionSize: 1, Version: 7},
		{ID: "b", Symbol: "ETHUSDT", State: StateClosed, Side: exchange.PositionSideShort},
		{ID: "c", Symbol: "", State: StateOpen},
		{ID: "d", Symbol: "SOLUSDT", State: StateEntering, Side: exchange.PositionSideShort, Version: 2},
	}

	restored := reg.Restore(records)
	if restored != 2 {
		t.Errorf("restored = %d, want 2", restored)
	}

	rec, ok := reg.Get("BTCUSDT")
	if !ok {
		t.Fatal("BTCUSDT not restored")
	}
	if rec.State != StateProtecting || rec.PositionSize != 1 || rec.Version != 7 {
		t.Errorf("restored record mangled: %+v", rec)
	}
	if _, ok := reg.Get("ETHUSDT"); ok {
		t.Error("terminal record restored")
	}
}

func TestListSorted(t *testing.T) {
	reg := newTestRegistry(10)
	for _, symbol := range []string{"ZECUSDT", "ADAUSDT", "MKRUSDT"} {
		if _, err := reg.TryCreate(NewBotRecord(symbol, exchange.PositionSideLong, "auto")); err != nil {
			t.Fatalf("create %s: %v", symbol, err)
		}
	}

	list := reg.List()
	want := []string{"ADAUSDT", "MKRUSDT", "ZECUSDT"}
	if len(list) != len(want) {
		t.Fatalf("list length = %d, want %d", len(list), len(want))
	}
	for i, rec := range list {
		if rec.Symbol != want[i] {
			t.Errorf("list[%d] = %s, want %s", i, rec.Symbol, want[i])
		}
	}
}
