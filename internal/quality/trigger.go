package quality

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"shopfloor-mes/internal/types"
	"shopfloor-mes/internal/util"
)

// Sink 接收质检请求，只写不读
type Sink interface {
	CreateInspection(ctx context.Context, req types.InspectionRequest) error
}

// ReasonMinutes 按停机原因汇总的分钟数
type ReasonMinutes struct {
	Reason  string
	Minutes int
}

// FinalSummary 终检备注所需的时间汇总
type FinalSummary struct {
	Elapsed    time.Duration // 开工到完工的墙钟时间
	Productive time.Duration // 扣除停机后的生产时间
	Downtime   int           // 停机总分钟数
	Breakdown  []ReasonMinutes
}

// Trigger 在开工和完工时各发出一次质检请求
// 投递失败只返回错误，不影响会话状态
type Trigger struct {
	sink   Sink
	now    func() time.Time
	logger *slog.Logger
}

func NewTrigger(sink Sink, now func() time.Time, logger *slog.Logger) *Trigger {
	if now == nil {
		now = time.Now
	}
	return &Trigger{sink: sink, now: now, logger: logger.With("component", "quality_trigger")}
}

// FirstPiece 首件检验请求
// pieces_good 固定为 1，代表送检的那一件，与生产记录的实际计数无关
func (t *Trigger) FirstPiece(ctx context.Context, run types.ProductionRun) error {
	notes := fmt.Sprintf("Primera pieza - Orden %s, Máquina %s", run.OrderID, run.MachineID)
	if run.ProcessStepID != "" {
		notes += fmt.Sprintf(", Proceso %s", run.ProcessStepID)
	}
	req := t.request(types.InspectionFirstPiece, run, notes)
	req.PiecesGood = 1
	req.PiecesScrap = 0
	return t.send(ctx, req)
}

// Final 终检请求，使用生产记录的实际计数
func (t *Trigger) Final(ctx context.Context, run types.ProductionRun, s FinalSummary) error {
	req := t.request(types.InspectionFinal, run, FinalNotes(s))
	return t.send(ctx, req)
}

func (t *Trigger) request(kind types.InspectionType, run types.ProductionRun, notes string) types.InspectionRequest {
	return types.InspectionRequest{
		ID:          uuid.NewString(),
		Type:        kind,
		OrderID:     run.OrderID,
		RunID:       run.ID,
		Operator:    run.Operator,
		MachineID:   run.MachineID,
		Shift:       run.Shift,
		PiecesGood:  run.PiecesGood,
		PiecesScrap: run.PiecesScrap,
		Notes:       notes,
		CreatedAt:   t.now().UTC(),
	}
}

func (t *Trigger) send(ctx context.Context, req types.InspectionRequest) error {
	logger := t.logger.With("type", req.Type, "order_id", req.OrderID, "run_id", req.RunID)
	if traceID, ok := util.TraceIDFromContext(ctx); ok {
		logger = logger.With("trace_id", traceID)
	}
	if err := t.sink.CreateInspection(ctx, req); err != nil {
		logger.Error("创建质检请求失败", "error", err)
		return fmt.Errorf("创建%s质检请求失败: %w", req.Type, err)
	}
	logger.Info("已创建质检请求", "inspection_id", req.ID)
	return nil
}

// FinalNotes 生成终检备注：生产时间、总停机及按原因分解
func FinalNotes(s FinalSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tiempo de producción: %s; Tiempo total: %s; Paro total: %d min",
		FormatDuration(s.Productive), FormatDuration(s.Elapsed), s.Downtime)
	if len(s.Breakdown) > 0 {
		parts := make([]string, 0, len(s.Breakdown))
		for _, r := range s.Breakdown {
			parts = append(parts, fmt.Sprintf("%s: %d min", r.Reason, r.Minutes))
		}
		fmt.Fprintf(&b, " (%s)", strings.Join(parts, ", "))
	}
	return b.String()
}

// FormatDuration 以 "1h 05m" 的形式显示，不足一小时显示 "12m 30s"
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	if h > 0 {
		return fmt.Sprintf("%dh %02dm", h, m)
	}
	s := int(d % time.Minute / time.Second)
	return fmt.Sprintf("%dm %02ds", m, s)
}
