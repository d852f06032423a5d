package ledger

import (
	"context"
	"testing"
	"time"

	"exec-core/internal/store"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	st, err := store.NewMemory()
	if err != nil {
		t.Fatalf("创建内存存储失败: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	l, err := New(st, nil, nil)
	if err != nil {
		t.Fatalf("创建账本失败: %v", err)
	}
	return l
}

func seedOrder(t *testing.T, l *Ledger, clientID string, volume float64) {
	t.Helper()
	ctx := context.Background()
	err := l.RecordCreated(ctx, OrderRecord{
		ClientOrderID:   clientID,
		Fingerprint:     "fp-" + clientID,
		Symbol:          "EURUSD",
		Leg:             LegEntry,
		Side:            "buy",
		SubmittedVolume: volume,
	})
	if err != nil {
		t.Fatalf("写入订单失败: %v", err)
	}
	if err := l.MarkSubmitted(ctx, clientID, 0); err != nil {
		t.Fatalf("标记提交失败: %v", err)
	}
	err = l.RecordBrokerEvent(ctx, BrokerEvent{
		Type:          EventAcknowledged,
		ClientOrderID: clientID,
		OrderID:       "B-" + clientID,
	})
	if err != nil {
		t.Fatalf("确认订单失败: %v", err)
	}
}

func TestOrderLifecycleToFilled(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	seedOrder(t, l, "c1", 1.0)

	rec, err := l.Order(ctx, "c1")
	if err != nil {
		t.Fatalf("查询订单失败: %v", err)
	}
	if rec.Status != StatusAcknowledged {
		t.Fatalf("期望状态 acknowledged, 实际 %s", rec.Status)
	}
	if rec.OrderID != "B-c1" {
		t.Fatalf("期望经纪商订单号 B-c1, 实际 %s", rec.OrderID)
	}

	err = l.RecordBrokerEvent(ctx, BrokerEvent{
		Type:    EventFilled,
		OrderID: "B-c1",
		Fill:    &Fill{FillID: "d1", OrderID: "B-c1", Volume: 0.4, Price: 1.1000},
	})
	if err != nil {
		t.Fatalf("成交入账失败: %v", err)
	}
	rec, _ = l.Order(ctx, "c1")
	if rec.Status != StatusPartiallyFilled {
		t.Fatalf("期望部分成交, 实际 %s", rec.Status)
	}

	err = l.RecordBrokerEvent(ctx, BrokerEvent{
		Type:    EventFilled,
		OrderID: "B-c1",
		Fill:    &Fill{FillID: "d2", OrderID: "B-c1", Volume: 0.6, Price: 1.1010},
	})
	if err != nil {
		t.Fatalf("成交入账失败: %v", err)
	}
	rec, _ = l.Order(ctx, "c1")
	if rec.Status != StatusFilled {
		t.Fatalf("期望全部成交, 实际 %s", rec.Status)
	}
	wantAvg := (0.4*1.1000 + 0.6*1.1010) / 1.0
	if diff := rec.AvgFillPrice - wantAvg; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("均价错误: 期望 %.6f, 实际 %.6f", wantAvg, rec.AvgFillPrice)
	}
}

func TestDuplicateFillIgnored(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	seedOrder(t, l, "c1", 1.0)

	fill := &Fill{FillID: "d1", OrderID: "B-c1", Volume: 0.5, Price: 1.2}
	for i := 0; i < 3; i++ {
		err := l.RecordBrokerEvent(ctx, BrokerEvent{
			Type: EventFilled, OrderID: "B-c1", Fill: fill,
		})
		if err != nil {
			t.Fatalf("第 %d 次投递失败: %v", i+1, err)
		}
	}

	rec, _ := l.Order(ctx, "c1")
	if rec.FilledVolume != 0.5 {
		t.Fatalf("重复投递导致重复计账: filled=%.4f", rec.FilledVolume)
	}
}

func TestFillConservation(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	seedOrder(t, l, "c1", 1.0)

	err := l.RecordBrokerEvent(ctx, BrokerEvent{
		Type:    EventFilled,
		OrderID: "B-c1",
		Fill:    &Fill{FillID: "d1", OrderID: "B-c1", Volume: 1.5, Price: 1.2},
	})
	if err != nil {
		t.Fatalf("成交入账失败: %v", err)
	}

	rec, _ := l.Order(ctx, "c1")
	if rec.FilledVolume > rec.SubmittedVolume {
		t.Fatalf("成交总量 %.4f 超过提交量 %.4f", rec.FilledVolume, rec.SubmittedVolume)
	}
	anomalies, err := l.Anomalies(ctx, true)
	if err != nil {
		t.Fatalf("查询异常失败: %v", err)
	}
	if len(anomalies) != 1 || anomalies[0].Kind != AnomalyOverfill {
		t.Fatalf("期望一条超量成交异常, 实际 %+v", anomalies)
	}
}

func TestPositionFoldReplayable(t *testing.T) {
	fills := []Fill{
		{FillID: "f1", Side: "buy", Volume: 1.0, Price: 100, Timestamp: ts(1)},
		{FillID: "f2", Side: "buy", Volume: 1.0, Price: 110, Timestamp: ts(2)},
		{FillID: "f3", Side: "sell", Volume: 0.5, Price: 120, Timestamp: ts(3)},
	}
	pos := FoldFills("EURUSD", fills)
	if pos.NetVolume != 1.5 {
		t.Fatalf("净持仓错误: %.4f", pos.NetVolume)
	}
	if pos.AvgEntryPrice != 105 {
		t.Fatalf("减仓不应改变均价: %.4f", pos.AvgEntryPrice)
	}

	// 相同成交序列折叠结果必须一致
	again := FoldFills("EURUSD", fills)
	if again != pos {
		t.Fatalf("重放结果不一致: %+v vs %+v", again, pos)
	}
}

func TestPositionFoldFlip(t *testing.T) {
	fills := []Fill{
		{FillID: "f1", Side: "buy", Volume: 1.0, Price: 100, Timestamp: ts(1)},
		{FillID: "f2", Side: "sell", Volume: 3.0, Price: 90, Timestamp: ts(2)},
	}
	pos := FoldFills("XAUUSD", fills)
	if pos.NetVolume != -2.0 {
		t.Fatalf("反手后净持仓错误: %.4f", pos.NetVolume)
	}
	if pos.AvgEntryPrice != 90 {
		t.Fatalf("反手后均价应为成交价: %.4f", pos.AvgEntryPrice)
	}
}

func TestPositionFoldFlat(t *testing.T) {
	fills := []Fill{
		{FillID: "f1", Side: "buy", Volume: 2.0, Price: 100, Timestamp: ts(1)},
		{FillID: "f2", Side: "sell", Volume: 2.0, Price: 105, Timestamp: ts(2)},
	}
	pos := FoldFills("EURUSD", fills)
	if pos.NetVolume != 0 || pos.AvgEntryPrice != 0 {
		t.Fatalf("平仓后应归零: %+v", pos)
	}
}

func TestOutOfBandFillFlagsAnomaly(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	err := l.IngestOutOfBandFill(ctx, Fill{
		FillID: "x1", OrderID: "UNKNOWN", Symbol: "EURUSD",
		Side: "buy", Volume: 0.3, Price: 1.1,
	})
	if err != nil {
		t.Fatalf("带外成交入账失败: %v", err)
	}

	pos, err := l.PositionOf(ctx, "EURUSD")
	if err != nil {
		t.Fatalf("查询持仓失败: %v", err)
	}
	if pos.NetVolume != 0.3 {
		t.Fatalf("带外成交应计入持仓: %.4f", pos.NetVolume)
	}

	anomalies, _ := l.Anomalies(ctx, true)
	if len(anomalies) != 1 || anomalies[0].Kind != AnomalyMissingLocally {
		t.Fatalf("期望 missing_locally 异常, 实际 %+v", anomalies)
	}
}

func TestMarkExpiredExcludesOrder(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	seedOrder(t, l, "c1", 1.0)

	if err := l.MarkExpiredUnknown(ctx, "c1", "经纪商侧无踪迹"); err != nil {
		t.Fatalf("标记过期失败: %v", err)
	}
	rec, _ := l.Order(ctx, "c1")
	if rec.Status != StatusExpired || !rec.Excluded {
		t.Fatalf("期望 expired 且排除, 实际 %+v", rec)
	}

	open, _ := l.OpenOrders(ctx)
	if len(open) != 0 {
		t.Fatalf("过期订单不应出现在未结列表: %+v", open)
	}
}

func TestHistoryFilter(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	seedOrder(t, l, "c1", 1.0)
	seedOrder(t, l, "c2", 2.0)
	if err := l.MarkRejected(ctx, "c2", "余额不足"); err != nil {
		t.Fatalf("标记拒绝失败: %v", err)
	}

	recs, err := l.History(ctx, HistoryFilter{Status: StatusRejected})
	if err != nil {
		t.Fatalf("查询历史失败: %v", err)
	}
	if len(recs) != 1 || recs[0].ClientOrderID != "c2" {
		t.Fatalf("状态过滤错误: %+v", recs)
	}
	if recs[0].LastError != "余额不足" {
		t.Fatalf("拒绝原因丢失: %q", recs[0].LastError)
	}
}

func TestResolveAnomaly(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	_ = l.IngestOutOfBandFill(ctx, Fill{
		FillID: "x1", OrderID: "U", Symbol: "EURUSD", Side: "buy", Volume: 0.1, Price: 1,
	})

	anomalies, _ := l.Anomalies(ctx, true)
	if len(anomalies) != 1 {
		t.Fatalf("期望一条异常: %+v", anomalies)
	}
	if err := l.ResolveAnomaly(ctx, anomalies[0].ID); err != nil {
		t.Fatalf("标记异常失败: %v", err)
	}
	anomalies, _ = l.Anomalies(ctx, true)
	if len(anomalies) != 0 {
		t.Fatalf("已处理异常仍然存在: %+v", anomalies)
	}
}

func ts(sec int) time.Time {
	return time.Date(2025, 6, 2, 10, 0, sec, 0, time.UTC)
}
