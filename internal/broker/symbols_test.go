package broker

import (
	"testing"
	"time"

	"exec-core/internal/config"
)

func testResolver() *Resolver {
	return NewResolver([]config.SymbolConfig{
		{
			Canonical: "EURUSD",
			Aliases:   []string{"EURUSD.r", "EURUSDm"},
			Session: config.SessionConfig{
				TradeStartUTC: "07:00",
				TradeEndUTC:   "21:00",
				BlockOnClosed: true,
			},
		},
		{
			Canonical: "XAUUSD",
			Aliases:   []string{"GOLD"},
		},
	})
}

func TestBrokerSymbol_FirstAliasWins(t *testing.T) {
	r := testResolver()

	sym, err := r.BrokerSymbol("eurusd")
	if err != nil {
		t.Fatalf("BrokerSymbol returned error: %v", err)
	}
	if sym != "EURUSD.r" {
		t.Errorf("expected first alias, got %q", sym)
	}

	if _, err := r.BrokerSymbol("GBPJPY"); err == nil {
		t.Errorf("expected error for unknown symbol")
	}
}

func TestCanonical_ReverseLookup(t *testing.T) {
	r := testResolver()

	if got := r.Canonical("eurusdm"); got != "EURUSD" {
		t.Errorf("alias should resolve to canonical, got %q", got)
	}
	if got := r.Canonical("GOLD"); got != "XAUUSD" {
		t.Errorf("alias should resolve to canonical, got %q", got)
	}
	// 未配置的符号原样大写返回。
	if got := r.Canonical("btcusd"); got != "BTCUSD" {
		t.Errorf("unknown symbol should pass through, got %q", got)
	}
}

func TestSessionOpen(t *testing.T) {
	r := testResolver()

	inside := time.Date(2024, 5, 7, 12, 0, 0, 0, time.UTC)
	outside := time.Date(2024, 5, 7, 23, 0, 0, 0, time.UTC)

	if open, blocking := r.SessionOpen("EURUSD", inside); !open || !blocking {
		t.Errorf("expected open+blocking inside session, got open=%v blocking=%v", open, blocking)
	}
	if open, _ := r.SessionOpen("EURUSD", outside); open {
		t.Errorf("expected closed outside session")
	}
	// 未配置时段视为全天开放。
	if open, blocking := r.SessionOpen("XAUUSD", outside); !open || blocking {
		t.Errorf("symbol without session should be always open, got open=%v blocking=%v", open, blocking)
	}
}

func TestSessionOpen_OvernightWindow(t *testing.T) {
	r := NewResolver([]config.SymbolConfig{
		{
			Canonical: "USDJPY",
			Session: config.SessionConfig{
				TradeStartUTC: "22:00",
				TradeEndUTC:   "06:00",
				BlockOnClosed: true,
			},
		},
	})

	if open, _ := r.SessionOpen("USDJPY", time.Date(2024, 5, 7, 23, 30, 0, 0, time.UTC)); !open {
		t.Errorf("23:30 should be inside the overnight window")
	}
	if open, _ := r.SessionOpen("USDJPY", time.Date(2024, 5, 7, 12, 0, 0, 0, time.UTC)); open {
		t.Errorf("12:00 should be outside the overnight window")
	}
}
