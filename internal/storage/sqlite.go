package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"shopfloor-mes/internal/types"

	_ "modernc.org/sqlite"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("record not found")

// ErrRunImmutable 已完工的生产记录不可再修改
var ErrRunImmutable = errors.New("production run already terminado")

// Storage 基于 SQLite 的记录存储
// 各实体之间没有跨表事务，唯一的例外是 ApplyRunCounters (去重 + 原子累加)
type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// SQLite 单写者，避免 database is locked
	db.SetMaxOpenConns(1)

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS machines (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'activa'
	);

	CREATE TABLE IF NOT EXISTS employees (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		default_machine TEXT,
		default_shift TEXT,
		active INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL,
		required_qty INTEGER NOT NULL,
		produced_qty INTEGER NOT NULL DEFAULT 0,
		scrap_qty INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pendiente'
	);

	CREATE TABLE IF NOT EXISTS process_steps (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL REFERENCES orders(id),
		sequence INTEGER NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pendiente',
		estimated_hours REAL NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS order_materials (
		order_id TEXT NOT NULL REFERENCES orders(id),
		code TEXT NOT NULL,
		name TEXT NOT NULL,
		quantity REAL NOT NULL,
		unit TEXT NOT NULL,
		PRIMARY KEY (order_id, code)
	);

	CREATE TABLE IF NOT EXISTS production_runs (
		id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		process_step_id TEXT,
		machine_id TEXT NOT NULL,
		operator TEXT NOT NULL,
		shift TEXT NOT NULL,
		status TEXT NOT NULL,
		start_time TIMESTAMP NOT NULL,
		end_time TIMESTAMP,
		pieces_good INTEGER NOT NULL DEFAULT 0,
		pieces_scrap INTEGER NOT NULL DEFAULT 0,
		downtime_minutes INTEGER NOT NULL DEFAULT 0,
		downtime_summary TEXT NOT NULL DEFAULT '',
		pause_reason TEXT
	);

	CREATE TABLE IF NOT EXISTS order_run_applications (
		run_id TEXT PRIMARY KEY,
		order_id TEXT NOT NULL,
		applied_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS inspection_requests (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		order_id TEXT NOT NULL,
		run_id TEXT,
		operator TEXT NOT NULL,
		machine_id TEXT NOT NULL,
		shift TEXT NOT NULL,
		pieces_good INTEGER NOT NULL,
		pieces_scrap INTEGER NOT NULL,
		notes TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_steps_order ON process_steps(order_id);
	CREATE INDEX IF NOT EXISTS idx_runs_order ON production_runs(order_id);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON production_runs(status);
	CREATE INDEX IF NOT EXISTS idx_inspections_order ON inspection_requests(order_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- 机器 / 员工目录 ---

func (s *Storage) UpsertMachine(ctx context.Context, m types.Machine) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO machines (id, name, status) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, status = excluded.status`,
		m.ID, m.Name, m.Status,
	)
	return err
}

// ListActiveMachines 返回状态为 activa 的机器
func (s *Storage) ListActiveMachines(ctx context.Context) ([]types.Machine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, status FROM machines WHERE status = 'activa' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var machines []types.Machine
	for rows.Next() {
		var m types.Machine
		if err := rows.Scan(&m.ID, &m.Name, &m.Status); err != nil {
			return nil, err
		}
		machines = append(machines, m)
	}
	return machines, rows.Err()
}

func (s *Storage) UpsertEmployee(ctx context.Context, e types.Employee) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO employees (id, name, default_machine, default_shift, active) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, default_machine = excluded.default_machine,
		 default_shift = excluded.default_shift, active = excluded.active`,
		e.ID, e.Name, nullString(e.DefaultMachine), nullString(e.DefaultShift), e.Active,
	)
	return err
}

func (s *Storage) GetEmployee(ctx context.Context, id string) (*types.Employee, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, default_machine, default_shift, active FROM employees WHERE id = ?`, id)
	e, err := scanEmployee(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("employee %s: %w", id, ErrNotFound)
	}
	return e, err
}

func (s *Storage) ListActiveEmployees(ctx context.Context) ([]types.Employee, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, default_machine, default_shift, active FROM employees WHERE active = 1 ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var employees []types.Employee
	for rows.Next() {
		e, err := scanEmployee(rows)
		if err != nil {
			return nil, err
		}
		employees = append(employees, *e)
	}
	return employees, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEmployee(row scanner) (*types.Employee, error) {
	var e types.Employee
	var machine, shift sql.NullString
	if err := row.Scan(&e.ID, &e.Name, &machine, &shift, &e.Active); err != nil {
		return nil, err
	}
	e.DefaultMachine = machine.String
	e.DefaultShift = shift.String
	return &e, nil
}

// --- 订单 / 工序 / BOM ---

func (s *Storage) CreateOrder(ctx context.Context, o types.Order) error {
	if o.Status == "" {
		o.Status = types.OrderPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orders (id, code, required_qty, produced_qty, scrap_qty, status) VALUES (?, ?, ?, ?, ?, ?)`,
		o.ID, o.Code, o.RequiredQty, o.ProducedQty, o.ScrapQty, o.Status,
	)
	return err
}

func (s *Storage) GetOrder(ctx context.Context, id string) (*types.Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, code, required_qty, produced_qty, scrap_qty, status FROM orders WHERE id = ?`, id)
	var o types.Order
	err := row.Scan(&o.ID, &o.Code, &o.RequiredQty, &o.ProducedQty, &o.ScrapQty, &o.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Storage) UpdateOrderStatus(ctx context.Context, id string, status types.OrderStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE orders SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	return expectOneRow(res, "order", id)
}

// ApplyRunCounters 将一次完工的良品/废品数累加到订单上
// 以 run_id 去重：同一生产记录重复提交不会重复计数 (applied=false)
// 累加在数据库端完成 (produced_qty = produced_qty + ?)，避免读-改-写竞争
func (s *Storage) ApplyRunCounters(ctx context.Context, orderID, runID string, good, scrap int) (*types.Order, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO order_run_applications (run_id, order_id, applied_at) VALUES (?, ?, ?)
		 ON CONFLICT(run_id) DO NOTHING`,
		runID, orderID, time.Now().UTC(),
	)
	if err != nil {
		return nil, false, err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	applied := inserted == 1
	if applied {
		res, err := tx.ExecContext(ctx,
			`UPDATE orders SET produced_qty = produced_qty + ?, scrap_qty = scrap_qty + ? WHERE id = ?`,
			good, scrap, orderID,
		)
		if err != nil {
			return nil, false, err
		}
		if err := expectOneRow(res, "order", orderID); err != nil {
			return nil, false, err
		}
	}

	var o types.Order
	err = tx.QueryRowContext(ctx,
		`SELECT id, code, required_qty, produced_qty, scrap_qty, status FROM orders WHERE id = ?`, orderID,
	).Scan(&o.ID, &o.Code, &o.RequiredQty, &o.ProducedQty, &o.ScrapQty, &o.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return &o, applied, nil
}

func (s *Storage) CreateProcessStep(ctx context.Context, p types.ProcessStep) error {
	if p.Status == "" {
		p.Status = types.OrderPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO process_steps (id, order_id, sequence, name, status, estimated_hours) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.OrderID, p.Sequence, p.Name, p.Status, p.EstimatedHours,
	)
	return err
}

// UpdateProcessStepStatus 供外部计划模块 (以及 mesctl) 使用，本核心不调用
func (s *Storage) UpdateProcessStepStatus(ctx context.Context, id string, status types.OrderStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE process_steps SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	return expectOneRow(res, "process step", id)
}

func (s *Storage) ListProcessSteps(ctx context.Context, orderID string) ([]types.ProcessStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, order_id, sequence, name, status, estimated_hours
		 FROM process_steps WHERE order_id = ? ORDER BY sequence`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []types.ProcessStep
	for rows.Next() {
		var p types.ProcessStep
		if err := rows.Scan(&p.ID, &p.OrderID, &p.Sequence, &p.Name, &p.Status, &p.EstimatedHours); err != nil {
			return nil, err
		}
		steps = append(steps, p)
	}
	return steps, rows.Err()
}

func (s *Storage) AddMaterial(ctx context.Context, m types.Material) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO order_materials (order_id, code, name, quantity, unit) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(order_id, code) DO UPDATE SET name = excluded.name, quantity = excluded.quantity, unit = excluded.unit`,
		m.OrderID, m.Code, m.Name, m.Quantity, m.Unit,
	)
	return err
}

func (s *Storage) ListMaterials(ctx context.Context, orderID string) ([]types.Material, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT order_id, code, name, quantity, unit FROM order_materials WHERE order_id = ? ORDER BY code`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var materials []types.Material
	for rows.Next() {
		var m types.Material
		if err := rows.Scan(&m.OrderID, &m.Code, &m.Name, &m.Quantity, &m.Unit); err != nil {
			return nil, err
		}
		materials = append(materials, m)
	}
	return materials, rows.Err()
}

// --- 生产记录 ---

const runColumns = `id, order_id, process_step_id, machine_id, operator, shift, status, start_time, end_time,
	pieces_good, pieces_scrap, downtime_minutes, downtime_summary, pause_reason`

func (s *Storage) CreateRun(ctx context.Context, run *types.ProductionRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO production_runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.OrderID, nullString(run.ProcessStepID), run.MachineID, run.Operator, run.Shift,
		run.Status, run.StartTime.UTC(), nullTime(run.EndTime), run.PiecesGood, run.PiecesScrap,
		run.DowntimeMinutes, run.DowntimeSummary, nullString(run.PauseReason),
	)
	return err
}

// UpdateRun 覆盖可变字段；已完工的记录拒绝修改
func (s *Storage) UpdateRun(ctx context.Context, run *types.ProductionRun) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE production_runs SET status = ?, end_time = ?, pieces_good = ?, pieces_scrap = ?,
		 downtime_minutes = ?, downtime_summary = ?, pause_reason = ?
		 WHERE id = ? AND status != ?`,
		run.Status, nullTime(run.EndTime), run.PiecesGood, run.PiecesScrap,
		run.DowntimeMinutes, run.DowntimeSummary, nullString(run.PauseReason),
		run.ID, types.RunFinished,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetRun(ctx, run.ID); err != nil {
			return err
		}
		return fmt.Errorf("run %s: %w", run.ID, ErrRunImmutable)
	}
	return nil
}

func (s *Storage) GetRun(ctx context.Context, id string) (*types.ProductionRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM production_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run, err
}

// ListRuns 按过滤条件列出生产记录，按开工时间倒序
func (s *Storage) ListRuns(ctx context.Context, f types.RunFilter) ([]*types.ProductionRun, error) {
	var where []string
	var args []any
	if f.OrderID != "" {
		where = append(where, "order_id = ?")
		args = append(args, f.OrderID)
	}
	if f.MachineID != "" {
		where = append(where, "machine_id = ?")
		args = append(args, f.MachineID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}

	query := `SELECT ` + runColumns + ` FROM production_runs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY start_time DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*types.ProductionRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(row scanner) (*types.ProductionRun, error) {
	var run types.ProductionRun
	var stepID, pauseReason sql.NullString
	var endTime sql.NullTime

	err := row.Scan(
		&run.ID, &run.OrderID, &stepID, &run.MachineID, &run.Operator, &run.Shift, &run.Status,
		&run.StartTime, &endTime, &run.PiecesGood, &run.PiecesScrap,
		&run.DowntimeMinutes, &run.DowntimeSummary, &pauseReason,
	)
	if err != nil {
		return nil, err
	}
	run.ProcessStepID = stepID.String
	run.PauseReason = pauseReason.String
	if endTime.Valid {
		run.EndTime = &endTime.Time
	}
	return &run, nil
}

// --- 质检请求 ---

// CreateInspection 实现本地质检接收端
func (s *Storage) CreateInspection(ctx context.Context, req types.InspectionRequest) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO inspection_requests (id, type, order_id, run_id, operator, machine_id, shift,
		 pieces_good, pieces_scrap, notes, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.Type, req.OrderID, nullString(req.RunID), req.Operator, req.MachineID, req.Shift,
		req.PiecesGood, req.PiecesScrap, req.Notes, req.CreatedAt.UTC(),
	)
	return err
}

func (s *Storage) ListInspections(ctx context.Context, orderID string) ([]types.InspectionRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, order_id, run_id, operator, machine_id, shift, pieces_good, pieces_scrap, notes, created_at
		 FROM inspection_requests WHERE order_id = ? ORDER BY created_at, rowid`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reqs []types.InspectionRequest
	for rows.Next() {
		var r types.InspectionRequest
		var runID sql.NullString
		if err := rows.Scan(&r.ID, &r.Type, &r.OrderID, &runID, &r.Operator, &r.MachineID, &r.Shift,
			&r.PiecesGood, &r.PiecesScrap, &r.Notes, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.RunID = runID.String
		reqs = append(reqs, r)
	}
	return reqs, rows.Err()
}

func expectOneRow(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
