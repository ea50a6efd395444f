package types

import "time"

// RunStatus 生产记录 (ProductionRun) 的持久化状态
type RunStatus string

const (
	RunInProgress RunStatus = "en_proceso"
	RunPaused     RunStatus = "pausado"
	RunFinished   RunStatus = "terminado"
)

// OrderStatus 制造订单和工序共用的状态值
type OrderStatus string

const (
	OrderPending    OrderStatus = "pendiente"
	OrderInProgress OrderStatus = "en_proceso"
	OrderPaused     OrderStatus = "pausado"
	OrderFinished   OrderStatus = "terminado"
)

// InspectionType 质检请求类型
type InspectionType string

const (
	InspectionFirstPiece InspectionType = "primera_pieza" // 首件检验 (开工时触发)
	InspectionFinal      InspectionType = "final"         // 终检 (完工时触发)
)

// ProductionRun 表示一次连续的生产记录：一个操作员在一台机器上针对一个订单从开工到完工
type ProductionRun struct {
	ID              string     `json:"id"`
	OrderID         string     `json:"order_id"`
	ProcessStepID   string     `json:"process_step_id,omitempty"` // 可选：关联的工序
	MachineID       string     `json:"machine_id"`
	Operator        string     `json:"operator"`
	Shift           string     `json:"shift"`
	Status          RunStatus  `json:"status"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	PiecesGood      int        `json:"pieces_good"`
	PiecesScrap     int        `json:"pieces_scrap"`
	DowntimeMinutes int        `json:"downtime_minutes_total"`
	DowntimeSummary string     `json:"downtime_reason_summary"`
	PauseReason     string     `json:"motivo_paro,omitempty"` // 最近一次停机原因
}

// Order 制造订单，累计良品和废品数量
type Order struct {
	ID          string      `json:"id"`
	Code        string      `json:"code"`
	RequiredQty int         `json:"required_qty"`
	ProducedQty int         `json:"produced_qty"`
	ScrapQty    int         `json:"scrap_qty"`
	Status      OrderStatus `json:"status"`
}

// ProcessStep 订单工艺路线中的一道工序，由外部计划模块维护
type ProcessStep struct {
	ID             string      `json:"id"`
	OrderID        string      `json:"order_id"`
	Sequence       int         `json:"sequence"`
	Name           string      `json:"name"`
	Status         OrderStatus `json:"status"`
	EstimatedHours float64     `json:"estimated_hours"`
}

// InspectionRequest 质检请求，只写不读
type InspectionRequest struct {
	ID          string         `json:"id"`
	Type        InspectionType `json:"type"`
	OrderID     string         `json:"order_id"`
	RunID       string         `json:"run_id"`
	Operator    string         `json:"operator"`
	MachineID   string         `json:"machine_id"`
	Shift       string         `json:"shift"`
	PiecesGood  int            `json:"pieces_good"`
	PiecesScrap int            `json:"pieces_scrap"`
	Notes       string         `json:"notes"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Machine 机器目录条目
type Machine struct {
	ID     string `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	Status string `json:"status" yaml:"status"` // activa / inactiva
}

// Employee 员工目录条目，可带默认机台和班次
type Employee struct {
	ID             string `json:"id" yaml:"id"`
	Name           string `json:"name" yaml:"name"`
	DefaultMachine string `json:"default_machine,omitempty" yaml:"default_machine"`
	DefaultShift   string `json:"default_shift,omitempty" yaml:"default_shift"`
	Active         bool   `json:"active" yaml:"active"`
}

// Material BOM 物料，仅用于展示
type Material struct {
	OrderID  string  `json:"order_id"`
	Code     string  `json:"code" yaml:"code"`
	Name     string  `json:"name" yaml:"name"`
	Quantity float64 `json:"quantity" yaml:"quantity"`
	Unit     string  `json:"unit" yaml:"unit"`
}

// RunFilter 按条件查询生产记录，零值字段不参与过滤
type RunFilter struct {
	OrderID   string
	MachineID string
	Status    RunStatus
	Limit     int
}

// StationSnapshot 工站实时状态，用于操作员看板
// 时钟是展示用的，持久化数据以时间戳为准
type StationSnapshot struct {
	Seq               uint64 `json:"seq"` // 同一控制器内单调递增，用于丢弃乱序到达的旧快照
	StationID         string `json:"station_id"`
	State             string `json:"state"`
	RunID             string `json:"run_id,omitempty"`
	OrderID           string `json:"order_id,omitempty"`
	MachineID         string `json:"machine_id,omitempty"`
	Operator          string `json:"operator,omitempty"`
	ProductionSeconds int64  `json:"production_seconds"`
	PauseSeconds      int64  `json:"pause_seconds"`
	PiecesGood        int    `json:"pieces_good"`
	PiecesScrap       int    `json:"pieces_scrap"`
	DowntimeMinutes   int    `json:"downtime_minutes"`
	PauseReason       string `json:"pause_reason,omitempty"`
}
