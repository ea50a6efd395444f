package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 定义 Prometheus 监控指标
var (
	// RunsTotal 计数器：生产记录数量
	// 按事件 (started/finished) 和工站分类
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mes_runs_total",
		Help: "The total number of production runs started or finished",
	}, []string{"event", "station_id"})

	// ActiveSessions 仪表盘：当前处于运行或暂停的工站数
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mes_active_sessions",
		Help: "The number of stations with an open production run",
	})

	// PiecesTotal 计数器：完工汇总的件数，kind 为 good/scrap
	PiecesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mes_pieces_total",
		Help: "Pieces reported on finished runs",
	}, []string{"kind"})

	// DowntimeMinutesTotal 计数器：按停机原因累计的停机分钟
	DowntimeMinutesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mes_downtime_minutes_total",
		Help: "Settled downtime minutes by reason",
	}, []string{"reason"})

	// SecondaryWriteFailures 计数器：订单汇总或质检请求失败次数
	// 状态转移已生效，需人工跟进
	SecondaryWriteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mes_secondary_write_failures_total",
		Help: "Order or inspection writes that failed after the run transition was applied",
	}, []string{"target"})

	// OrdersCompleted 计数器：进入 terminado 的订单数
	OrdersCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mes_orders_completed_total",
		Help: "Orders moved to terminado by the status reducer",
	})

	// RunDuration 直方图：生产记录从开工到完工的耗时分布
	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mes_run_duration_seconds",
		Help:    "Wall-clock duration of finished production runs",
		Buckets: prometheus.ExponentialBuckets(60, 2, 10), // 1 分钟到约 8.5 小时
	}, []string{"station_id"})
)
