package order

import (
	"context"
	"fmt"
	"log/slog"

	"shopfloor-mes/internal/types"
	"shopfloor-mes/internal/util"
)

// Store 订单存储
type Store interface {
	GetOrder(ctx context.Context, id string) (*types.Order, error)
	UpdateOrderStatus(ctx context.Context, id string, status types.OrderStatus) error
	// ApplyRunCounters 原子累加并按 runID 去重
	ApplyRunCounters(ctx context.Context, orderID, runID string, good, scrap int) (*types.Order, bool, error)
}

// StepReader 只读工序存储
type StepReader interface {
	ListProcessSteps(ctx context.Context, orderID string) ([]types.ProcessStep, error)
}

// Result 一次汇总的结果
type Result struct {
	Order     types.Order
	Applied   bool // false 表示该生产记录已经汇总过
	Completed bool // 本次汇总使订单进入 terminado
}

// Aggregator 把完工的生产记录累加到订单上并判定订单是否完工
type Aggregator struct {
	orders  Store
	steps   StepReader
	reducer *Reducer
	logger  *slog.Logger
}

func NewAggregator(orders Store, steps StepReader, reducer *Reducer, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		orders:  orders,
		steps:   steps,
		reducer: reducer,
		logger:  logger.With("component", "order_aggregator"),
	}
}

// MarkStarted 开工时推进订单状态 (pendiente -> en_proceso)
func (a *Aggregator) MarkStarted(ctx context.Context, orderID string) error {
	o, err := a.orders.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("读取订单失败: %w", err)
	}
	next := a.reducer.OnRunStarted(o.Status)
	if next == o.Status {
		return nil
	}
	if err := a.orders.UpdateOrderStatus(ctx, orderID, next); err != nil {
		return fmt.Errorf("更新订单状态失败: %w", err)
	}
	a.loggerFor(ctx).Info("订单开始生产", "order_id", orderID, "from", o.Status, "to", next)
	return nil
}

// ApplyRun 汇总一次完工的生产记录
// 计数累加和去重在存储端一次完成；工序读取和状态写入是独立调用
func (a *Aggregator) ApplyRun(ctx context.Context, run types.ProductionRun) (*Result, error) {
	logger := a.loggerFor(ctx).With("order_id", run.OrderID, "run_id", run.ID)

	o, applied, err := a.orders.ApplyRunCounters(ctx, run.OrderID, run.ID, run.PiecesGood, run.PiecesScrap)
	if err != nil {
		return nil, fmt.Errorf("累加订单数量失败: %w", err)
	}
	res := &Result{Order: *o, Applied: applied}
	if !applied {
		logger.Warn("生产记录已汇总过，跳过累加")
	}

	if o.Status == types.OrderFinished {
		return res, nil
	}

	steps, err := a.steps.ListProcessSteps(ctx, run.OrderID)
	if err != nil {
		return res, fmt.Errorf("读取工序失败: %w", err)
	}
	next, err := a.reducer.OnRunFinished(*o, steps)
	if err != nil {
		return res, err
	}
	if next == o.Status {
		logger.Info("订单进度已更新", "produced_qty", o.ProducedQty, "required_qty", o.RequiredQty, "scrap_qty", o.ScrapQty)
		return res, nil
	}

	if err := a.orders.UpdateOrderStatus(ctx, run.OrderID, next); err != nil {
		return res, fmt.Errorf("更新订单状态失败: %w", err)
	}
	res.Order.Status = next
	res.Completed = next == types.OrderFinished
	logger.Info("订单已完工", "produced_qty", o.ProducedQty, "required_qty", o.RequiredQty, "steps", len(steps))
	return res, nil
}

func (a *Aggregator) loggerFor(ctx context.Context) *slog.Logger {
	if traceID, ok := util.TraceIDFromContext(ctx); ok {
		return a.logger.With("trace_id", traceID)
	}
	return a.logger
}
