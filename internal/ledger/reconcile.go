package ledger

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"exec-core/internal/broker"
)

// Canonicalizer 将经纪商品种符号归一为本地规范符号。
type Canonicalizer interface {
	Canonical(brokerSymbol string) string
}

// Reconciler 将经纪商快照与账本做三向比对：
// 本地有经纪商无、经纪商有本地无、两侧一致。
type Reconciler struct {
	ledger   *Ledger
	resolver Canonicalizer
	grace    time.Duration
	logger   *zap.Logger
}

// NewReconciler 创建对账器。grace 为本地订单在经纪商侧无踪迹时的宽限期。
func NewReconciler(l *Ledger, resolver Canonicalizer, grace time.Duration, logger *zap.Logger) (*Reconciler, error) {
	if l == nil {
		return nil, fmt.Errorf("ledger: 账本不能为空")
	}
	if resolver == nil {
		return nil, fmt.Errorf("ledger: 符号解析器不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{ledger: l, resolver: resolver, grace: grace, logger: logger}, nil
}

// Reconcile 处理一次经纪商快照。对账只读取经纪商状态，
// 任何差异都落为账本事件或异常，从不直接改写持仓。
func (r *Reconciler) Reconcile(ctx context.Context, snap broker.Snapshot) (ReconcileReport, error) {
	var report ReconcileReport

	now := snap.RetrievedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	brokerOrders := make(map[string]broker.Order, len(snap.Orders))
	brokerByClient := make(map[string]broker.Order, len(snap.Orders))
	for _, o := range snap.Orders {
		brokerOrders[o.OrderID] = o
		if o.ClientOrderID != "" {
			brokerByClient[o.ClientOrderID] = o
		}
	}

	dealsByOrder := make(map[string][]broker.Deal)
	for _, d := range snap.Deals {
		dealsByOrder[d.OrderID] = append(dealsByOrder[d.OrderID], d)
	}

	open, err := r.ledger.OpenOrders(ctx)
	if err != nil {
		return report, err
	}
	localByOrderID := make(map[string]OrderRecord, len(open))
	localByClient := make(map[string]OrderRecord, len(open))
	for _, rec := range open {
		localByClient[rec.ClientOrderID] = rec
		if rec.OrderID != "" {
			localByOrderID[rec.OrderID] = rec
		}
	}

	// 1. 已提交但尚未确认的本地订单：经纪商侧出现即补确认
	for _, rec := range open {
		if rec.Status != StatusCreated && rec.Status != StatusSubmitted {
			continue
		}
		if bo, ok := brokerByClient[rec.ClientOrderID]; ok {
			err := r.ledger.RecordBrokerEvent(ctx, BrokerEvent{
				Type:          EventAcknowledged,
				ClientOrderID: rec.ClientOrderID,
				OrderID:       bo.OrderID,
				At:            now,
			})
			if err != nil {
				return report, err
			}
			localByOrderID[bo.OrderID] = rec
			report.Acknowledged++
		}
	}

	// 2. 成交入账：本地已知订单的成交走正常事件，未知订单的成交按带外接纳
	for _, d := range snap.Deals {
		known, err := r.ledger.HasFill(ctx, d.DealID)
		if err != nil {
			return report, err
		}
		if known {
			continue
		}

		canonical := r.resolver.Canonical(d.Symbol)
		fill := Fill{
			FillID:    d.DealID,
			OrderID:   d.OrderID,
			Symbol:    canonical,
			Side:      d.Side,
			Volume:    d.Volume,
			Price:     d.Price,
			Timestamp: d.Timestamp,
		}

		if rec, ok := localByOrderID[d.OrderID]; ok {
			err = r.ledger.RecordBrokerEvent(ctx, BrokerEvent{
				Type:          EventFilled,
				ClientOrderID: rec.ClientOrderID,
				OrderID:       d.OrderID,
				Fill:          &fill,
				At:            d.Timestamp,
			})
			if err != nil {
				return report, err
			}
			report.FillsIngested++
			continue
		}

		// 经纪商有、本地无：带外成交，入账保持持仓准确并记异常
		if err := r.ledger.IngestOutOfBandFill(ctx, fill); err != nil {
			return report, err
		}
		report.OutOfBandFills++
		report.Anomalies++
	}

	// 3. 本地有、经纪商无：超过宽限期的订单置为过期并排除出持仓计算
	for _, rec := range open {
		if rec.Status != StatusSubmitted && rec.Status != StatusAcknowledged {
			continue
		}
		if _, ok := brokerByClient[rec.ClientOrderID]; ok {
			continue
		}
		if rec.OrderID != "" {
			if _, ok := brokerOrders[rec.OrderID]; ok {
				continue
			}
			if len(dealsByOrder[rec.OrderID]) > 0 {
				continue
			}
		}
		ref := rec.SubmittedAt
		if ref.IsZero() {
			ref = rec.CreatedAt
		}
		if now.Sub(ref) < r.grace {
			continue
		}
		detail := fmt.Sprintf("订单 %s 提交后 %s 内经纪商侧无任何踪迹", rec.ClientOrderID, r.grace)
		if err := r.ledger.MarkExpiredUnknown(ctx, rec.ClientOrderID, detail); err != nil {
			return report, err
		}
		report.MarkedExpired++
		report.Anomalies++
	}

	// 4. 持仓比对：经纪商净持仓与账本折叠结果不一致时记录漂移异常
	if err := r.checkPositions(ctx, snap, &report); err != nil {
		return report, err
	}

	r.logger.Debug("对账完成",
		zap.Int("acknowledged", report.Acknowledged),
		zap.Int("fills", report.FillsIngested),
		zap.Int("out_of_band", report.OutOfBandFills),
		zap.Int("expired", report.MarkedExpired),
		zap.Int("anomalies", report.Anomalies))
	return report, nil
}

func (r *Reconciler) checkPositions(ctx context.Context, snap broker.Snapshot, report *ReconcileReport) error {
	brokerNet := make(map[string]float64, len(snap.Positions))
	for _, p := range snap.Positions {
		canonical := r.resolver.Canonical(p.Symbol)
		signed := p.Volume
		if p.Side == "sell" || p.Side == "short" {
			signed = -p.Volume
		}
		brokerNet[canonical] += signed
		if p.MarkPrice > 0 {
			if err := r.ledger.UpdateMark(ctx, canonical, p.MarkPrice); err != nil {
				return err
			}
		}
	}

	local, err := r.ledger.Positions(ctx)
	if err != nil {
		return err
	}
	localNet := make(map[string]float64, len(local))
	for _, p := range local {
		localNet[p.Symbol] = p.NetVolume
	}

	seen := make(map[string]bool)
	for symbol, bv := range brokerNet {
		seen[symbol] = true
		if abs(bv-localNet[symbol]) > volumeEpsilon {
			r.ledger.recordAnomaly(ctx, Anomaly{
				Kind:   AnomalyPositionDrift,
				Symbol: symbol,
				Detail: fmt.Sprintf("经纪商净持仓 %.8f 与账本折叠结果 %.8f 不一致", bv, localNet[symbol]),
			})
			report.Anomalies++
		}
	}
	for symbol, lv := range localNet {
		if seen[symbol] || abs(lv) <= volumeEpsilon {
			continue
		}
		r.ledger.recordAnomaly(ctx, Anomaly{
			Kind:   AnomalyPositionDrift,
			Symbol: symbol,
			Detail: fmt.Sprintf("账本净持仓 %.8f 在经纪商侧不存在", lv),
		})
		report.Anomalies++
	}
	return nil
}
