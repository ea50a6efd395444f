package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"shopfloor-mes/internal/types"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "mes.db"))
	if err != nil {
		t.Fatalf("打开数据库失败: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunLifecycleRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	start := time.Date(2026, 3, 2, 7, 30, 0, 0, time.UTC)

	run := &types.ProductionRun{
		ID: "run-1", OrderID: "OP-100", MachineID: "TORNO-1", Operator: "Luis Pérez",
		Shift: "Matutino", Status: types.RunInProgress, StartTime: start,
	}
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if !got.StartTime.Equal(start) || got.EndTime != nil || got.ProcessStepID != "" {
		t.Errorf("读取的记录不符: %+v", got)
	}

	end := start.Add(2 * time.Hour)
	run.Status = types.RunFinished
	run.EndTime = &end
	run.PiecesGood, run.PiecesScrap = 40, 2
	run.DowntimeMinutes = 15
	run.DowntimeSummary = "Falta de material (15 min)"
	if err := s.UpdateRun(ctx, run); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	got, _ = s.GetRun(ctx, "run-1")
	if got.Status != types.RunFinished || got.EndTime == nil || !got.EndTime.Equal(end) {
		t.Errorf("完工字段未保存: %+v", got)
	}
	if got.PiecesGood != 40 || got.DowntimeSummary != "Falta de material (15 min)" {
		t.Errorf("计数或摘要不符: %+v", got)
	}

	// 已完工记录不可再修改
	run.PiecesGood = 99
	if err := s.UpdateRun(ctx, run); !errors.Is(err, ErrRunImmutable) {
		t.Errorf("预期 ErrRunImmutable, 得到 %v", err)
	}
}

func TestUpdateMissingRun(t *testing.T) {
	s := newTestStorage(t)
	err := s.UpdateRun(context.Background(), &types.ProductionRun{ID: "nope", Status: types.RunPaused})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("预期 ErrNotFound, 得到 %v", err)
	}
}

func TestListRunsFilter(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	base := time.Date(2026, 3, 2, 7, 0, 0, 0, time.UTC)
	for i, r := range []struct{ id, order, machine string }{
		{"a", "OP-1", "M1"}, {"b", "OP-1", "M2"}, {"c", "OP-2", "M1"},
	} {
		err := s.CreateRun(ctx, &types.ProductionRun{
			ID: r.id, OrderID: r.order, MachineID: r.machine, Operator: "x", Shift: "Matutino",
			Status: types.RunInProgress, StartTime: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	runs, err := s.ListRuns(ctx, types.RunFilter{OrderID: "OP-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || runs[0].ID != "b" {
		t.Errorf("按订单过滤结果不符: %d 条", len(runs))
	}
	runs, _ = s.ListRuns(ctx, types.RunFilter{MachineID: "M1", Limit: 1})
	if len(runs) != 1 || runs[0].ID != "c" {
		t.Errorf("按机器过滤 + limit 结果不符")
	}
}

func TestApplyRunCountersDeduplicates(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	if err := s.CreateOrder(ctx, types.Order{ID: "OP-1", Code: "OP-1", RequiredQty: 10, ProducedQty: 8, ScrapQty: 1}); err != nil {
		t.Fatal(err)
	}

	o, applied, err := s.ApplyRunCounters(ctx, "OP-1", "run-1", 2, 1)
	if err != nil || !applied {
		t.Fatalf("首次累加失败: applied=%v err=%v", applied, err)
	}
	if o.ProducedQty != 10 || o.ScrapQty != 2 {
		t.Errorf("累加结果不符: %+v", o)
	}

	o, applied, err = s.ApplyRunCounters(ctx, "OP-1", "run-1", 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	if applied || o.ProducedQty != 10 {
		t.Errorf("重复提交不应再次计数: applied=%v produced=%d", applied, o.ProducedQty)
	}
}

func TestApplyRunCountersUnknownOrder(t *testing.T) {
	s := newTestStorage(t)
	_, _, err := s.ApplyRunCounters(context.Background(), "ghost", "run-1", 1, 0)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("预期 ErrNotFound, 得到 %v", err)
	}
	// 回滚后去重记录不应残留
	if err := s.CreateOrder(context.Background(), types.Order{ID: "ghost", Code: "g", RequiredQty: 1}); err != nil {
		t.Fatal(err)
	}
	if _, applied, err := s.ApplyRunCounters(context.Background(), "ghost", "run-1", 1, 0); err != nil || !applied {
		t.Errorf("回滚后应可重新累加: applied=%v err=%v", applied, err)
	}
}

func TestApplyRunCountersConcurrent(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	if err := s.CreateOrder(ctx, types.Order{ID: "OP-9", Code: "OP-9", RequiredQty: 1000}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			runID := string(rune('A' + i))
			if _, _, err := s.ApplyRunCounters(ctx, "OP-9", runID, 3, 1); err != nil {
				t.Errorf("并发累加失败: %v", err)
			}
		}(i)
	}
	wg.Wait()

	o, err := s.GetOrder(ctx, "OP-9")
	if err != nil {
		t.Fatal(err)
	}
	if o.ProducedQty != 60 || o.ScrapQty != 20 {
		t.Errorf("并发累加丢失更新: produced=%d scrap=%d", o.ProducedQty, o.ScrapQty)
	}
}

func TestDirectories(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	_ = s.UpsertMachine(ctx, types.Machine{ID: "M1", Name: "Torno CNC", Status: "activa"})
	_ = s.UpsertMachine(ctx, types.Machine{ID: "M2", Name: "Fresadora", Status: "inactiva"})
	_ = s.UpsertEmployee(ctx, types.Employee{ID: "E1", Name: "Ana", DefaultMachine: "M1", DefaultShift: "Vespertino", Active: true})
	_ = s.UpsertEmployee(ctx, types.Employee{ID: "E2", Name: "Beto", Active: false})

	machines, err := s.ListActiveMachines(ctx)
	if err != nil || len(machines) != 1 || machines[0].ID != "M1" {
		t.Errorf("活动机器列表不符: %v %v", machines, err)
	}
	employees, err := s.ListActiveEmployees(ctx)
	if err != nil || len(employees) != 1 || employees[0].DefaultShift != "Vespertino" {
		t.Errorf("活动员工列表不符: %v %v", employees, err)
	}
	if _, err := s.GetEmployee(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("预期 ErrNotFound, 得到 %v", err)
	}
}

func TestStepsMaterialsAndInspections(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	_ = s.CreateOrder(ctx, types.Order{ID: "OP-1", Code: "OP-1", RequiredQty: 5})
	_ = s.CreateProcessStep(ctx, types.ProcessStep{ID: "s2", OrderID: "OP-1", Sequence: 2, Name: "Fresado"})
	_ = s.CreateProcessStep(ctx, types.ProcessStep{ID: "s1", OrderID: "OP-1", Sequence: 1, Name: "Torneado", EstimatedHours: 1.5})
	if err := s.UpdateProcessStepStatus(ctx, "s1", types.OrderFinished); err != nil {
		t.Fatal(err)
	}

	steps, err := s.ListProcessSteps(ctx, "OP-1")
	if err != nil || len(steps) != 2 {
		t.Fatalf("工序列表不符: %v %v", steps, err)
	}
	if steps[0].ID != "s1" || steps[0].Status != types.OrderFinished || steps[1].Status != types.OrderPending {
		t.Errorf("工序顺序或状态不符: %+v", steps)
	}

	_ = s.AddMaterial(ctx, types.Material{OrderID: "OP-1", Code: "AC-4140", Name: "Acero 4140", Quantity: 12.5, Unit: "kg"})
	mats, err := s.ListMaterials(ctx, "OP-1")
	if err != nil || len(mats) != 1 || mats[0].Unit != "kg" {
		t.Errorf("BOM 不符: %v %v", mats, err)
	}

	req := types.InspectionRequest{
		ID: "i1", Type: types.InspectionFirstPiece, OrderID: "OP-1", RunID: "run-1", Operator: "Ana",
		MachineID: "M1", Shift: "Matutino", PiecesGood: 1, Notes: "primera", CreatedAt: time.Now(),
	}
	if err := s.CreateInspection(ctx, req); err != nil {
		t.Fatal(err)
	}
	reqs, err := s.ListInspections(ctx, "OP-1")
	if err != nil || len(reqs) != 1 || reqs[0].Type != types.InspectionFirstPiece || reqs[0].RunID != "run-1" {
		t.Errorf("质检请求不符: %v %v", reqs, err)
	}
}
