package ledger

import (
	"context"
	"testing"
	"time"

	"exec-core/internal/broker"
	"exec-core/internal/config"
)

func newTestReconciler(t *testing.T, grace time.Duration) (*Reconciler, *Ledger) {
	t.Helper()
	l := newTestLedger(t)
	resolver := broker.NewResolver([]config.SymbolConfig{
		{Canonical: "EURUSD", Aliases: []string{"EURUSD.r"}},
		{Canonical: "XAUUSD", Aliases: []string{"GOLD"}},
	})
	r, err := NewReconciler(l, resolver, grace, nil)
	if err != nil {
		t.Fatalf("创建对账器失败: %v", err)
	}
	return r, l
}

func TestReconcileAcknowledgesSubmitted(t *testing.T) {
	r, l := newTestReconciler(t, time.Minute)
	ctx := context.Background()

	err := l.RecordCreated(ctx, OrderRecord{
		ClientOrderID: "c1", Fingerprint: "fp", Symbol: "EURUSD",
		Leg: LegEntry, Side: "buy", SubmittedVolume: 1.0,
	})
	if err != nil {
		t.Fatalf("写入订单失败: %v", err)
	}
	_ = l.MarkSubmitted(ctx, "c1", 1)

	report, err := r.Reconcile(ctx, broker.Snapshot{
		Orders: []broker.Order{
			{OrderID: "B-1", ClientOrderID: "c1", Symbol: "EURUSD.r", Status: "open"},
		},
		RetrievedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("对账失败: %v", err)
	}
	if report.Acknowledged != 1 {
		t.Fatalf("期望补确认 1 笔, 实际 %d", report.Acknowledged)
	}
	rec, _ := l.Order(ctx, "c1")
	if rec.Status != StatusAcknowledged || rec.OrderID != "B-1" {
		t.Fatalf("确认未生效: %+v", rec)
	}
}

func TestReconcileIngestsDealsForKnownOrder(t *testing.T) {
	r, l := newTestReconciler(t, time.Minute)
	ctx := context.Background()
	seedOrder(t, l, "c1", 1.0)

	report, err := r.Reconcile(ctx, broker.Snapshot{
		Orders: []broker.Order{{OrderID: "B-c1", ClientOrderID: "c1", Symbol: "EURUSD.r"}},
		Deals: []broker.Deal{
			{DealID: "d1", OrderID: "B-c1", Symbol: "EURUSD.r", Side: "buy", Volume: 1.0, Price: 1.1, Timestamp: time.Now().UTC()},
		},
		RetrievedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("对账失败: %v", err)
	}
	if report.FillsIngested != 1 || report.OutOfBandFills != 0 {
		t.Fatalf("期望正常成交入账: %+v", report)
	}
	rec, _ := l.Order(ctx, "c1")
	if rec.Status != StatusFilled {
		t.Fatalf("期望全部成交, 实际 %s", rec.Status)
	}

	// 下次轮询重复看到同一成交时不得重复计账
	report, err = r.Reconcile(ctx, broker.Snapshot{
		Deals: []broker.Deal{
			{DealID: "d1", OrderID: "B-c1", Symbol: "EURUSD.r", Side: "buy", Volume: 1.0, Price: 1.1, Timestamp: time.Now().UTC()},
		},
		RetrievedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("二次对账失败: %v", err)
	}
	if report.FillsIngested != 0 {
		t.Fatalf("重复成交被再次入账: %+v", report)
	}
}

func TestReconcileOutOfBandDeal(t *testing.T) {
	r, l := newTestReconciler(t, time.Minute)
	ctx := context.Background()

	report, err := r.Reconcile(ctx, broker.Snapshot{
		Deals: []broker.Deal{
			{DealID: "d9", OrderID: "GHOST", Symbol: "GOLD", Side: "sell", Volume: 0.2, Price: 2400, Timestamp: time.Now().UTC()},
		},
		RetrievedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("对账失败: %v", err)
	}
	if report.OutOfBandFills != 1 {
		t.Fatalf("期望带外成交 1 笔: %+v", report)
	}

	pos, _ := l.PositionOf(ctx, "XAUUSD")
	if pos.NetVolume != -0.2 {
		t.Fatalf("带外成交未计入持仓: %.4f", pos.NetVolume)
	}
	anomalies, _ := l.Anomalies(ctx, true)
	found := false
	for _, a := range anomalies {
		if a.Kind == AnomalyMissingLocally {
			found = true
		}
	}
	if !found {
		t.Fatalf("缺少 missing_locally 异常: %+v", anomalies)
	}
}

func TestReconcileMissingAtBrokerAfterGrace(t *testing.T) {
	r, l := newTestReconciler(t, time.Millisecond)
	ctx := context.Background()
	seedOrder(t, l, "c1", 1.0)

	time.Sleep(5 * time.Millisecond)

	report, err := r.Reconcile(ctx, broker.Snapshot{RetrievedAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("对账失败: %v", err)
	}
	if report.MarkedExpired != 1 {
		t.Fatalf("期望过期 1 笔: %+v", report)
	}
	rec, _ := l.Order(ctx, "c1")
	if rec.Status != StatusExpired || !rec.Excluded {
		t.Fatalf("订单未被排除: %+v", rec)
	}
}

func TestReconcileWithinGraceNoExpiry(t *testing.T) {
	r, l := newTestReconciler(t, time.Hour)
	ctx := context.Background()
	seedOrder(t, l, "c1", 1.0)

	report, err := r.Reconcile(ctx, broker.Snapshot{RetrievedAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("对账失败: %v", err)
	}
	if report.MarkedExpired != 0 {
		t.Fatalf("宽限期内不应过期: %+v", report)
	}
	rec, _ := l.Order(ctx, "c1")
	if rec.Status.Terminal() {
		t.Fatalf("订单不应进入终态: %s", rec.Status)
	}
}

func TestReconcilePositionDrift(t *testing.T) {
	r, l := newTestReconciler(t, time.Minute)
	ctx := context.Background()

	_, err := r.Reconcile(ctx, broker.Snapshot{
		Positions: []broker.Position{
			{Symbol: "EURUSD.r", Side: "buy", Volume: 1.0, EntryPrice: 1.1, MarkPrice: 1.12},
		},
		RetrievedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("对账失败: %v", err)
	}

	anomalies, _ := l.Anomalies(ctx, true)
	found := false
	for _, a := range anomalies {
		if a.Kind == AnomalyPositionDrift && a.Symbol == "EURUSD" {
			found = true
		}
	}
	if !found {
		t.Fatalf("缺少持仓漂移异常: %+v", anomalies)
	}
}
