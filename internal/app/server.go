package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"exec-core/internal/audit"
	"exec-core/internal/intent"
	"exec-core/internal/ledger"
)

type intentRequest struct {
	Symbol     string  `json:"symbol"`
	Side       string  `json:"side"`
	EntryType  string  `json:"entry_type"`
	Volume     float64 `json:"volume"`
	EntryPrice float64 `json:"entry_price"`
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
	StrategyID string  `json:"strategy_id"`
}

// startServer 启动运维接口: 状态与历史的只读查询,
// 以及停机开关、平仓、自治循环等操作入口。
func (a *App) startServer(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		daily, err := a.tracker.Status(r.Context(), time.Now().UTC())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, a.logger, map[string]interface{}{
			"kill_switch": a.sw.Snapshot(),
			"autonomy":    a.loop.State(),
			"daily":       daily,
		})
	})

	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		open, err := a.led.OpenOrders(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, a.logger, open)
	})

	mux.HandleFunc("/orders/history", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := ledger.HistoryFilter{
			Symbol:      strings.ToUpper(strings.TrimSpace(q.Get("symbol"))),
			Fingerprint: strings.TrimSpace(q.Get("fingerprint")),
			Status:      ledger.OrderStatus(strings.ToLower(q.Get("status"))),
			Limit:       queryLimit(q.Get("limit"), 100),
		}
		records, err := a.led.History(r.Context(), filter)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, a.logger, records)
	})

	mux.HandleFunc("/positions", func(w http.ResponseWriter, r *http.Request) {
		positions, err := a.led.Positions(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, a.logger, positions)
	})

	mux.HandleFunc("/anomalies", func(w http.ResponseWriter, r *http.Request) {
		unresolvedOnly := r.URL.Query().Get("all") == ""
		anomalies, err := a.led.Anomalies(r.Context(), unresolvedOnly)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, a.logger, anomalies)
	})

	mux.HandleFunc("/anomalies/resolve", func(w http.ResponseWriter, r *http.Request) {
		if !requirePost(w, r) {
			return
		}
		var req struct {
			ID string `json:"id"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if err := a.led.ResolveAnomaly(r.Context(), req.ID); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, a.logger, map[string]string{"result": "ok"})
	})

	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		eventType := audit.EventType("")
		if typ := strings.TrimSpace(q.Get("type")); typ != "" {
			eventType = audit.EventType(strings.ToLower(typ))
		}
		events, err := a.journal.ListEvents(r.Context(), eventType, queryLimit(q.Get("limit"), 200))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, a.logger, events)
	})

	mux.HandleFunc("/intents", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			recent, err := a.inbox.Recent(r.Context(), queryLimit(r.URL.Query().Get("limit"), 50))
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, a.logger, recent)
			return
		}
		if !requirePost(w, r) {
			return
		}
		var req intentRequest
		if !decodeBody(w, r, &req) {
			return
		}
		it, err := intent.New(req.Symbol, intent.Side(req.Side), intent.EntryType(req.EntryType),
			req.Volume, req.EntryPrice, req.StopLoss, req.TakeProfit,
			req.StrategyID, intent.SourceManual, time.Now().UTC(), a.cfg.Risk.DailyLossResetHour)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		id, err := a.inbox.Enqueue(r.Context(), it)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, a.logger, map[string]string{"id": id, "fingerprint": it.Fingerprint})
	})

	mux.HandleFunc("/orders/cancel", func(w http.ResponseWriter, r *http.Request) {
		if !requirePost(w, r) {
			return
		}
		var req struct {
			ClientOrderID string `json:"client_order_id"`
			Reason        string `json:"reason"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Reason == "" {
			req.Reason = "操作员撤单"
		}
		if err := a.rt.Cancel(r.Context(), req.ClientOrderID, req.Reason); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, a.logger, map[string]string{"result": "ok"})
	})

	mux.HandleFunc("/orders/modify", func(w http.ResponseWriter, r *http.Request) {
		if !requirePost(w, r) {
			return
		}
		var req struct {
			ClientOrderID string  `json:"client_order_id"`
			StopLoss      float64 `json:"stop_loss"`
			TakeProfit    float64 `json:"take_profit"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if err := a.rt.Modify(r.Context(), req.ClientOrderID, req.StopLoss, req.TakeProfit); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, a.logger, map[string]string{"result": "ok"})
	})

	mux.HandleFunc("/killswitch/trip", func(w http.ResponseWriter, r *http.Request) {
		if !requirePost(w, r) {
			return
		}
		var req struct {
			Reason string `json:"reason"`
			Actor  string `json:"actor"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Reason == "" {
			req.Reason = "操作员触发"
		}
		state, err := a.sw.Trip(r.Context(), req.Reason, req.Actor)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if a.journal != nil {
			a.journal.RecordKillSwitch(r.Context(), audit.KillSwitchPayload{
				Action: "trip", Reason: req.Reason, Actor: req.Actor,
			})
		}
		writeJSON(w, a.logger, state)
	})

	mux.HandleFunc("/killswitch/clear", func(w http.ResponseWriter, r *http.Request) {
		if !requirePost(w, r) {
			return
		}
		var req struct {
			Actor string `json:"actor"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		state, err := a.sw.Clear(r.Context(), req.Actor)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if a.journal != nil {
			a.journal.RecordKillSwitch(r.Context(), audit.KillSwitchPayload{
				Action: "clear", Actor: req.Actor,
			})
		}
		writeJSON(w, a.logger, state)
	})

	mux.HandleFunc("/flatten", func(w http.ResponseWriter, r *http.Request) {
		if !requirePost(w, r) {
			return
		}
		var req struct {
			Reason string `json:"reason"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Reason == "" {
			req.Reason = "操作员平仓"
		}
		closed, err := a.rt.FlattenAll(r.Context(), req.Reason)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, a.logger, map[string]int{"closed": closed})
	})

	mux.HandleFunc("/autonomy/start", func(w http.ResponseWriter, r *http.Request) {
		if !requirePost(w, r) {
			return
		}
		a.loop.Start()
		writeJSON(w, a.logger, map[string]string{"state": string(a.loop.State())})
	})

	mux.HandleFunc("/autonomy/stop", func(w http.ResponseWriter, r *http.Request) {
		if !requirePost(w, r) {
			return
		}
		a.loop.Stop()
		writeJSON(w, a.logger, map[string]string{"state": string(a.loop.State())})
	})

	mux.HandleFunc("/autonomy/evaluate", func(w http.ResponseWriter, r *http.Request) {
		if !requirePost(w, r) {
			return
		}
		report, err := a.loop.EvaluateNow(r.Context(), "operator")
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		writeJSON(w, a.logger, report)
	})

	addr := fmt.Sprintf(":%d", a.cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			a.logger.Warn("关闭运维接口失败", zap.Error(err))
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("运维接口异常", zap.Error(err))
		}
	}()

	a.logger.Info("运维接口已启动", zap.String("addr", addr))
	return nil
}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("写入响应失败", zap.Error(err))
	}
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "请求体解析失败: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func queryLimit(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	if v > 1000 {
		v = 1000
	}
	return v
}
