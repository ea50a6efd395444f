package order

import (
	"fmt"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"

	"shopfloor-mes/internal/types"
)

// Facts 是完工规则的输入
type Facts struct {
	Produced  int  `expr:"produced"`
	Required  int  `expr:"required"`
	Scrap     int  `expr:"scrap"`
	Steps     int  `expr:"steps"`
	StepsDone bool `expr:"steps_done"` // 无工序或全部工序已完成
}

// FactsFor 根据订单和工序计算规则输入
func FactsFor(o types.Order, steps []types.ProcessStep) Facts {
	done := true
	for _, s := range steps {
		if s.Status != types.OrderFinished {
			done = false
			break
		}
	}
	return Facts{
		Produced:  o.ProducedQty,
		Required:  o.RequiredQty,
		Scrap:     o.ScrapQty,
		Steps:     len(steps),
		StepsDone: done,
	}
}

// Reducer 是 Order.status 的唯一决策者
// 开工时把 pendiente 推进到 en_proceso；完工汇总后按规则判定 terminado
type Reducer struct {
	rule    string
	program *vm.Program
}

// NewReducer 编译完工规则，规则结果必须是布尔值
func NewReducer(rule string) (*Reducer, error) {
	program, err := expr.Compile(rule, expr.Env(Facts{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("rule compilation failed: %w", err)
	}
	return &Reducer{rule: rule, program: program}, nil
}

// Rule 返回规则原文
func (r *Reducer) Rule() string { return r.rule }

// Complete 判断订单是否满足完工条件
func (r *Reducer) Complete(f Facts) (bool, error) {
	result, err := expr.Run(r.program, f)
	if err != nil {
		return false, fmt.Errorf("rule execution failed: %w", err)
	}
	complete, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("rule result is not a boolean")
	}
	return complete, nil
}

// OnRunStarted 返回开工后订单应处的状态
func (r *Reducer) OnRunStarted(current types.OrderStatus) types.OrderStatus {
	if current == types.OrderPending {
		return types.OrderInProgress
	}
	return current
}

// OnRunFinished 返回完工汇总后订单应处的状态；不满足规则时保持原状态
func (r *Reducer) OnRunFinished(o types.Order, steps []types.ProcessStep) (types.OrderStatus, error) {
	complete, err := r.Complete(FactsFor(o, steps))
	if err != nil {
		return o.Status, err
	}
	if complete {
		return types.OrderFinished, nil
	}
	return o.Status, nil
}
