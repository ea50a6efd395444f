package handlers

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"shopfloor-mes/internal/event"
	"shopfloor-mes/internal/metrics"
	"shopfloor-mes/internal/web"
)

// RegisterEventHandlers 将所有事件处理器注册到事件总线
// 监控、车间终端和审计日志分别订阅，互不影响
func RegisterEventHandlers(bus *event.Bus, st *web.StateTracker, logger *slog.Logger) {
	logger = logger.With("component", "audit")

	// --- 指标处理器 (Metrics Handler) ---
	var activeMu sync.Mutex
	active := make(map[string]bool) // 有进行中生产记录的工站
	setActive := func(stationID string, on bool) {
		activeMu.Lock()
		defer activeMu.Unlock()
		if active[stationID] == on {
			return
		}
		active[stationID] = on
		if on {
			metrics.ActiveSessions.Inc()
		} else {
			metrics.ActiveSessions.Dec()
		}
	}

	bus.Subscribe(event.RunStarted, func(e event.Event) {
		metrics.RunsTotal.WithLabelValues("started", e.Station.StationID).Inc()
		setActive(e.Station.StationID, true)
	})
	bus.Subscribe(event.RunResumed, func(e event.Event) {
		// "Otro: texto" 只按 "Otro" 计，自由文本不进标签
		reason, _, _ := strings.Cut(e.Reason, ":")
		metrics.DowntimeMinutesTotal.WithLabelValues(reason).Add(float64(e.Downtime))
	})
	bus.Subscribe(event.RunFinished, func(e event.Event) {
		metrics.RunsTotal.WithLabelValues("finished", e.Station.StationID).Inc()
		setActive(e.Station.StationID, false)
		if e.Run == nil {
			return
		}
		metrics.PiecesTotal.WithLabelValues("good").Add(float64(e.Run.PiecesGood))
		metrics.PiecesTotal.WithLabelValues("scrap").Add(float64(e.Run.PiecesScrap))
		if e.Run.EndTime != nil {
			metrics.RunDuration.WithLabelValues(e.Station.StationID).Observe(e.Run.EndTime.Sub(e.Run.StartTime).Seconds())
		}
	})
	bus.Subscribe(event.OrderCompleted, func(e event.Event) {
		metrics.OrdersCompleted.Inc()
	})
	bus.Subscribe(event.SecondaryWriteFailed, func(e event.Event) {
		metrics.SecondaryWriteFailures.WithLabelValues(e.Target).Inc()
	})

	// --- Web UI 处理器 (Web UI Handler) ---
	// 所有带工站快照的事件都刷新终端
	for _, et := range []event.EventType{
		event.RunStarted, event.RunPaused, event.RunResumed, event.RunFinished,
		event.PiecesChanged, event.ClockTick,
	} {
		bus.Subscribe(et, func(e event.Event) {
			st.UpdateStation(e.Station)
		})
	}
	bus.Subscribe(event.SecondaryWriteFailed, func(e event.Event) {
		st.AddWarning(fmt.Sprintf("%s: %s: %v", e.Station.StationID, e.Target, e.Error))
	})

	// --- 日志处理器 (Logging Handler) ---
	// 订阅关键业务事件，记录审计日志
	bus.Subscribe(event.RunPaused, func(e event.Event) {
		logger.Info("工站停机", "station_id", e.Station.StationID, "run_id", e.Station.RunID, "reason", e.Reason)
	})
	bus.Subscribe(event.OrderCompleted, func(e event.Event) {
		if e.Order != nil {
			logger.Info("订单完工", "order_id", e.Order.ID, "produced_qty", e.Order.ProducedQty, "required_qty", e.Order.RequiredQty)
		}
	})
	bus.Subscribe(event.SecondaryWriteFailed, func(e event.Event) {
		logger.Error("次要写入失败，需人工跟进", "station_id", e.Station.StationID, "target", e.Target, "error", e.Error)
	})
}
