package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"shopfloor-mes/internal/event"
	"shopfloor-mes/internal/fsm"
	"shopfloor-mes/internal/order"
	"shopfloor-mes/internal/persistence"
	"shopfloor-mes/internal/quality"
	"shopfloor-mes/internal/types"
	"shopfloor-mes/internal/util"
)

// RunStore 生产记录的持久化，Controller 是唯一的写入者
type RunStore interface {
	CreateRun(ctx context.Context, run *types.ProductionRun) error
	UpdateRun(ctx context.Context, run *types.ProductionRun) error
}

// OrderProgress 订单状态推进与完工汇总
type OrderProgress interface {
	MarkStarted(ctx context.Context, orderID string) error
	ApplyRun(ctx context.Context, run types.ProductionRun) (*order.Result, error)
}

// Inspector 首件和终检请求
type Inspector interface {
	FirstPiece(ctx context.Context, run types.ProductionRun) error
	Final(ctx context.Context, run types.ProductionRun, s quality.FinalSummary) error
}

// Journal 记录只存在于内存的会话数据，用于重启恢复
type Journal interface {
	Record(entry persistence.LogEntry) error
}

// Selection 开工前操作员的选择
type Selection struct {
	MachineID     string `json:"machine_id"`
	Operator      string `json:"operator"`
	OrderID       string `json:"order_id"`
	ProcessStepID string `json:"process_step_id,omitempty"`
	Shift         string `json:"shift,omitempty"` // 为空时按开工时间推算
}

func (s Selection) validate() error {
	switch {
	case strings.TrimSpace(s.MachineID) == "":
		return &ValidationError{Field: "machine_id", Message: "seleccione una máquina"}
	case strings.TrimSpace(s.Operator) == "":
		return &ValidationError{Field: "operator", Message: "seleccione un operador"}
	case strings.TrimSpace(s.OrderID) == "":
		return &ValidationError{Field: "order_id", Message: "seleccione una orden"}
	}
	return nil
}

// Deps Controller 的外部依赖；Journal / Bus / Clock / NewID 可为空
type Deps struct {
	Runs    RunStore
	Orders  OrderProgress
	Quality Inspector
	Journal Journal
	Bus     event.Publisher
	Clock   Clock
	NewID   func() string
	Logger  *slog.Logger
}

// FinishReport 完工结果
type FinishReport struct {
	Run      types.ProductionRun `json:"run"`
	Downtime []DowntimeEvent     `json:"downtime"`
	Order    *order.Result       `json:"order,omitempty"` // 汇总失败时为 nil
}

// activeRun 进行中的会话：持久化记录的投影加上只存在于内存的停机信息
type activeRun struct {
	run         types.ProductionRun
	pauseStart  time.Time
	pauseReason Reason
	pauseDetail string
}

// Controller 一个工站的生产会话状态机
// 所有状态转移串行执行；主写入成功后才改变本地状态
type Controller struct {
	stationID string
	deps      Deps
	logger    *slog.Logger

	mu      sync.Mutex
	seq     uint64 // 快照序号，由 mu 保护
	fsm     *fsm.FSM
	active  *activeRun
	ledger  Ledger
	counter PieceCounter
	timer   TimeAccumulator
}

// NewController 创建一个新的工站控制器
func NewController(stationID string, deps Deps) *Controller {
	if deps.Clock == nil {
		deps.Clock = SystemClock
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	c := &Controller{
		stationID: stationID,
		deps:      deps,
		logger:    deps.Logger.With("component", "session", "station_id", stationID),
		fsm:       fsm.NewFSM(stationID),
	}
	c.fsm.RegisterCallback(fsm.StateRunning, func(string) { c.timer.Running() })
	c.fsm.RegisterCallback(fsm.StatePaused, func(string) { c.timer.Paused() })
	c.fsm.RegisterCallback(fsm.StateFinished, func(string) { c.timer.Stop() })
	c.fsm.RegisterCallback(fsm.StateIdle, func(string) { c.timer.Reset() })
	return c
}

func (c *Controller) StationID() string { return c.stationID }

// State 当前状态
func (c *Controller) State() fsm.State { return c.fsm.Current() }

// Start 开工
func (c *Controller) Start(ctx context.Context, sel Selection) (*types.ProductionRun, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, logger := c.begin(ctx)

	if err := sel.validate(); err != nil {
		return nil, err
	}
	if !c.fsm.Can(fsm.EventStart) {
		return nil, fmt.Errorf("%w: station %s already has run %s", fsm.ErrInvalidTransition, c.stationID, c.active.run.ID)
	}

	now := c.deps.Clock.Now()
	shift := strings.TrimSpace(sel.Shift)
	if shift == "" {
		shift = ShiftAt(now)
	}
	run := types.ProductionRun{
		ID:            c.deps.NewID(),
		OrderID:       sel.OrderID,
		ProcessStepID: sel.ProcessStepID,
		MachineID:     sel.MachineID,
		Operator:      sel.Operator,
		Shift:         shift,
		Status:        types.RunInProgress,
		StartTime:     now,
	}
	if err := c.deps.Runs.CreateRun(ctx, &run); err != nil {
		logger.Error("创建生产记录失败", "error", err, "order_id", sel.OrderID)
		return nil, &PersistenceError{Op: "start", Err: err}
	}

	c.ledger.Reset()
	c.counter.Reset()
	c.timer.Reset()
	c.active = &activeRun{run: run}
	_ = c.fsm.Fire(fsm.EventStart)
	c.journal(persistence.LogEntry{Type: persistence.EntryStart, RunID: run.ID, At: now, Run: &run})
	logger.Info("开工", "run_id", run.ID, "order_id", run.OrderID, "machine_id", run.MachineID, "operator", run.Operator, "shift", run.Shift)

	var errs []error
	if err := c.deps.Orders.MarkStarted(ctx, run.OrderID); err != nil {
		errs = append(errs, err)
		c.publishFailure("order", err)
	}
	if err := c.deps.Quality.FirstPiece(ctx, run); err != nil {
		errs = append(errs, err)
		c.publishFailure("inspection", err)
	}
	c.publish(event.Event{Type: event.RunStarted, Run: &run})

	return &run, secondary("start", errs)
}

// Pause 停机，只能在运行中调用
func (c *Controller) Pause(ctx context.Context, reason Reason, detail string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, logger := c.begin(ctx)

	if c.active == nil {
		return ErrNoActiveRun
	}
	if !c.fsm.Can(fsm.EventPause) {
		return fmt.Errorf("%w: cannot pause from %s", fsm.ErrInvalidTransition, c.fsm.Current())
	}
	if err := reason.Validate(); err != nil {
		return err
	}

	now := c.deps.Clock.Now()
	updated := c.active.run
	updated.Status = types.RunPaused
	updated.PauseReason = reason.Label()
	if err := c.deps.Runs.UpdateRun(ctx, &updated); err != nil {
		logger.Error("保存停机状态失败", "error", err, "run_id", updated.ID)
		return &PersistenceError{Op: "pause", Err: err}
	}

	c.active.run = updated
	c.active.pauseStart = now
	c.active.pauseReason = reason
	c.active.pauseDetail = strings.TrimSpace(detail)
	_ = c.fsm.Fire(fsm.EventPause)
	c.journal(persistence.LogEntry{
		Type: persistence.EntryPause, RunID: updated.ID, At: now,
		Reason: string(reason.Code), ReasonText: reason.Text, Detail: c.active.pauseDetail,
	})
	logger.Info("停机", "run_id", updated.ID, "reason", reason.Label(), "detail", c.active.pauseDetail)
	c.publish(event.Event{Type: event.RunPaused, Run: &updated, Reason: reason.Label()})
	return nil
}

// Resume 恢复生产，结算当前停机
func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, logger := c.begin(ctx)

	if c.active == nil {
		return ErrNoActiveRun
	}
	if !c.fsm.Can(fsm.EventResume) {
		return fmt.Errorf("%w: cannot resume from %s", fsm.ErrInvalidTransition, c.fsm.Current())
	}

	now := c.deps.Clock.Now()
	ev := c.closePause(now)
	updated := c.active.run
	updated.Status = types.RunInProgress
	updated.DowntimeMinutes += ev.Minutes
	if err := c.deps.Runs.UpdateRun(ctx, &updated); err != nil {
		logger.Error("保存恢复状态失败", "error", err, "run_id", updated.ID)
		return &PersistenceError{Op: "resume", Err: err}
	}

	c.ledger.Append(ev)
	c.active.run = updated
	c.active.pauseStart = time.Time{}
	_ = c.fsm.Fire(fsm.EventResume)
	c.journal(persistence.LogEntry{Type: persistence.EntryResume, RunID: updated.ID, At: now, Minutes: ev.Minutes})
	logger.Info("恢复生产", "run_id", updated.ID, "downtime_minutes", ev.Minutes, "downtime_total", updated.DowntimeMinutes)
	c.publish(event.Event{Type: event.RunResumed, Run: &updated, Downtime: ev.Minutes, Reason: ev.Reason.Label()})
	return nil
}

// Finish 完工；暂停中调用时先结算当前停机
// 主写入成功后依次进行订单汇总和终检请求，然后回到 Idle
func (c *Controller) Finish(ctx context.Context) (*FinishReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, logger := c.begin(ctx)

	if c.active == nil {
		return nil, ErrNoActiveRun
	}
	if !c.fsm.Can(fsm.EventFinish) {
		return nil, fmt.Errorf("%w: cannot finish from %s", fsm.ErrInvalidTransition, c.fsm.Current())
	}

	now := c.deps.Clock.Now()
	events := c.ledger.Entries()
	final := c.active.run
	paused := c.fsm.Current() == fsm.StatePaused
	var open DowntimeEvent
	if paused {
		open = c.closePause(now)
		events = append(events, open)
		final.DowntimeMinutes += open.Minutes
	}
	good, scrap := c.counter.Totals()
	final.Status = types.RunFinished
	final.EndTime = &now
	final.PiecesGood = good
	final.PiecesScrap = scrap
	final.DowntimeSummary = Summary(events)
	if err := c.deps.Runs.UpdateRun(ctx, &final); err != nil {
		logger.Error("保存完工记录失败", "error", err, "run_id", final.ID)
		return nil, &PersistenceError{Op: "finish", Err: err}
	}

	c.active.run = final
	_ = c.fsm.Fire(fsm.EventFinish)
	c.journal(persistence.LogEntry{Type: persistence.EntryFinish, RunID: final.ID, At: now, Good: good, Scrap: scrap})
	logger.Info("完工", "run_id", final.ID, "pieces_good", good, "pieces_scrap", scrap, "downtime_total", final.DowntimeMinutes)

	report := &FinishReport{Run: final, Downtime: events}
	var errs []error
	res, err := c.deps.Orders.ApplyRun(ctx, final)
	if err != nil {
		errs = append(errs, err)
		c.publishFailure("order", err)
	} else {
		report.Order = res
	}

	elapsed := now.Sub(final.StartTime)
	summary := quality.FinalSummary{
		Elapsed:    elapsed,
		Productive: elapsed - time.Duration(final.DowntimeMinutes)*time.Minute,
		Downtime:   final.DowntimeMinutes,
		Breakdown:  Breakdown(events),
	}
	if err := c.deps.Quality.Final(ctx, final, summary); err != nil {
		errs = append(errs, err)
		c.publishFailure("inspection", err)
	}

	c.publish(event.Event{Type: event.RunFinished, Run: &final, Downtime: final.DowntimeMinutes})
	if res != nil && res.Completed {
		o := res.Order
		c.publish(event.Event{Type: event.OrderCompleted, Run: &final, Order: &o})
	}

	// 清空会话，回到 Idle
	c.ledger.Reset()
	c.counter.Reset()
	c.active = nil
	_ = c.fsm.Fire(fsm.EventReset)

	return report, secondary("finish", errs)
}

// AddPieces 操作员登记良品/废品，仅在运行或暂停中允许
func (c *Controller) AddPieces(ctx context.Context, good, scrap int) (int, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, logger := c.begin(ctx)

	if c.active == nil {
		return 0, 0, ErrNoActiveRun
	}
	if err := c.counter.Add(good, scrap); err != nil {
		return 0, 0, err
	}
	g, s := c.counter.Totals()
	c.journal(persistence.LogEntry{
		Type: persistence.EntryPieces, RunID: c.active.run.ID, At: c.deps.Clock.Now(), Good: g, Scrap: s,
	})
	logger.Debug("计数变化", "run_id", c.active.run.ID, "pieces_good", g, "pieces_scrap", s)
	c.publish(event.Event{Type: event.PiecesChanged})
	return g, s, nil
}

// Ledger 当前生产记录的停机明细
func (c *Controller) Ledger() []DowntimeEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ledger.Entries()
}

// Snapshot 当前工站状态
func (c *Controller) Snapshot() types.StationSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() types.StationSnapshot {
	production, pause := c.timer.Readings()
	c.seq++
	snap := types.StationSnapshot{
		Seq:               c.seq,
		StationID:         c.stationID,
		State:             string(c.fsm.Current()),
		ProductionSeconds: int64(production / time.Second),
		PauseSeconds:      int64(pause / time.Second),
	}
	if c.active != nil {
		run := c.active.run
		snap.RunID = run.ID
		snap.OrderID = run.OrderID
		snap.MachineID = run.MachineID
		snap.Operator = run.Operator
		snap.DowntimeMinutes = run.DowntimeMinutes
		snap.PiecesGood, snap.PiecesScrap = c.counter.Totals()
		if c.fsm.Current() == fsm.StatePaused {
			snap.PauseReason = c.active.pauseReason.Label()
		}
	}
	return snap
}

// Resync 按持久化时间戳重新推算展示时钟，用于重连
func (c *Controller) Resync() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resyncLocked(c.deps.Clock.Now())
}

func (c *Controller) resyncLocked(now time.Time) {
	if c.active == nil {
		return
	}
	var pauseStart *time.Time
	if c.fsm.Current() == fsm.StatePaused {
		pauseStart = &c.active.pauseStart
	}
	production, pause := Derive(c.active.run.StartTime, c.active.run.DowntimeMinutes, pauseStart, now)
	c.timer.Seed(production, pause)
}

// Restore 从会话日志恢复未完工的会话
// run 是存储中的最新记录，状态以它为准
func (c *Controller) Restore(st persistence.SessionState, run types.ProductionRun) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil {
		return fmt.Errorf("%w: station %s already active", fsm.ErrInvalidTransition, c.stationID)
	}
	if run.Status == types.RunFinished {
		return fmt.Errorf("run %s already %s", run.ID, run.Status)
	}

	c.ledger.Reset()
	for _, d := range st.Downtime {
		c.ledger.Append(DowntimeEvent{Reason: Reason{Code: ReasonCode(d.Reason), Text: d.ReasonText}, Detail: d.Detail, Minutes: d.Minutes})
	}
	c.counter.set(st.Good, st.Scrap)
	c.active = &activeRun{run: run}

	now := c.deps.Clock.Now()
	if run.Status == types.RunPaused {
		c.active.pauseStart = st.PauseStart
		if c.active.pauseStart.IsZero() {
			c.active.pauseStart = now
		}
		c.active.pauseReason = Reason{Code: ReasonCode(st.Pause.Reason), Text: st.Pause.ReasonText}
		c.active.pauseDetail = st.Pause.Detail
		if !st.Paused || st.Pause.Reason == "" {
			// 日志缺少 PAUSE 记录，用存储中的 motivo_paro
			c.active.pauseReason = reasonFromLabel(run.PauseReason)
			c.active.pauseDetail = ""
		}
		c.fsm.Restore(fsm.StatePaused)
		c.timer.Paused()
	} else {
		c.fsm.Restore(fsm.StateRunning)
		c.timer.Running()
	}
	c.resyncLocked(now)
	c.logger.Info("会话已恢复", "run_id", run.ID, "state", c.fsm.Current(), "downtime_total", run.DowntimeMinutes)
	return nil
}

// runClock 推进展示时钟并广播，由 Registry 的计时协程调用
func (c *Controller) runClock(ctx context.Context, interval time.Duration) {
	c.timer.Run(ctx, interval, c.publishTick)
}

// publishTick 只在有进行中的生产记录时广播；快照在锁内取得，序号与状态转移一致
func (c *Controller) publishTick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil || c.deps.Bus == nil {
		return
	}
	c.deps.Bus.Publish(event.Event{Type: event.ClockTick, Station: c.snapshotLocked()})
}

// closePause 计算当前停机的分钟数，不修改状态
func (c *Controller) closePause(now time.Time) DowntimeEvent {
	return DowntimeEvent{
		Reason:  c.active.pauseReason,
		Detail:  c.active.pauseDetail,
		Minutes: DowntimeMinutes(c.active.pauseStart, now),
	}
}

func (c *Controller) begin(ctx context.Context) (context.Context, *slog.Logger) {
	ctx, traceID := util.EnsureTraceID(ctx)
	ctx = util.ContextWithStation(ctx, c.stationID)
	return ctx, c.logger.With("trace_id", traceID)
}

func (c *Controller) journal(entry persistence.LogEntry) {
	if c.deps.Journal == nil {
		return
	}
	entry.StationID = c.stationID
	if err := c.deps.Journal.Record(entry); err != nil {
		// 日志只用于重启恢复，写入失败不阻塞生产
		c.logger.Warn("写入会话日志失败", "error", err, "type", entry.Type)
	}
}

// publish 附上工站快照后发布，调用方持有 c.mu
func (c *Controller) publish(e event.Event) {
	if c.deps.Bus == nil {
		return
	}
	e.Station = c.snapshotLocked()
	c.deps.Bus.Publish(e)
}

func (c *Controller) publishFailure(target string, err error) {
	c.publish(event.Event{Type: event.SecondaryWriteFailed, Target: target, Error: err})
}
