package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"shopfloor-mes/internal/fsm"
	"shopfloor-mes/internal/session"
	"shopfloor-mes/internal/storage"
	"shopfloor-mes/internal/types"
	"shopfloor-mes/internal/util"
	"shopfloor-mes/internal/web"
)

// Directory 车间终端需要的只读目录
type Directory interface {
	ListActiveMachines(ctx context.Context) ([]types.Machine, error)
	ListActiveEmployees(ctx context.Context) ([]types.Employee, error)
	GetEmployee(ctx context.Context, id string) (*types.Employee, error)
	GetOrder(ctx context.Context, id string) (*types.Order, error)
	ListProcessSteps(ctx context.Context, orderID string) ([]types.ProcessStep, error)
	ListMaterials(ctx context.Context, orderID string) ([]types.Material, error)
	ListRuns(ctx context.Context, f types.RunFilter) ([]*types.ProductionRun, error)
}

// Server 车间终端的 HTTP / WebSocket 接口
type Server struct {
	registry *session.Registry
	dir      Directory
	hub      *web.Hub
	tracker  *web.StateTracker
	logger   *slog.Logger
}

func NewServer(registry *session.Registry, dir Directory, hub *web.Hub, tracker *web.StateTracker, logger *slog.Logger) *Server {
	return &Server{
		registry: registry,
		dir:      dir,
		hub:      hub,
		tracker:  tracker,
		logger:   logger.With("component", "api"),
	}
}

// Handler 注册所有路由
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	if s.hub != nil {
		mux.HandleFunc("GET /ws", s.hub.ServeWs)
	}
	mux.HandleFunc("GET /api/state", s.handleState)

	mux.HandleFunc("GET /api/stations", s.handleStations)
	mux.HandleFunc("GET /api/stations/{id}", s.handleSnapshot)
	mux.HandleFunc("POST /api/stations/{id}/start", s.handleStart)
	mux.HandleFunc("POST /api/stations/{id}/pause", s.handlePause)
	mux.HandleFunc("POST /api/stations/{id}/resume", s.handleResume)
	mux.HandleFunc("POST /api/stations/{id}/finish", s.handleFinish)
	mux.HandleFunc("POST /api/stations/{id}/pieces", s.handlePieces)

	mux.HandleFunc("GET /api/machines", s.handleMachines)
	mux.HandleFunc("GET /api/employees", s.handleEmployees)
	mux.HandleFunc("GET /api/employees/{id}/prefill", s.handlePrefill)
	mux.HandleFunc("GET /api/orders/{id}", s.handleOrder)
	mux.HandleFunc("GET /api/orders/{id}/materials", s.handleMaterials)
	mux.HandleFunc("GET /api/runs", s.handleRuns)
	mux.HandleFunc("GET /api/downtime-reasons", s.handleReasons)

	return s.withTrace(mux)
}

// withTrace 从 X-Trace-ID 读取或生成 Trace ID 并回写到响应头
func (s *Server) withTrace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := r.Header.Get("X-Trace-ID"); id != "" {
			ctx = util.ContextWithTraceID(ctx, id)
		}
		ctx, traceID := util.EnsureTraceID(ctx)
		w.Header().Set("X-Trace-ID", traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// response 统一的响应体
type response struct {
	Data     any      `json:"data,omitempty"`
	Warnings []string `json:"warnings,omitempty"` // 次要写入失败，状态转移已生效
	Error    string   `json:"error,omitempty"`
	Field    string   `json:"field,omitempty"`
}

type startRequest struct {
	session.Selection
	EmployeeID string `json:"employee_id,omitempty"` // 有值时先用员工默认值预填
}

type pauseRequest struct {
	Reason     string `json:"reason"`
	ReasonText string `json:"reason_text,omitempty"` // "Otro" 时必填
	Detail     string `json:"detail,omitempty"`
}

type piecesRequest struct {
	Good  int `json:"good"`
	Scrap int `json:"scrap"`
}

func (s *Server) controller(w http.ResponseWriter, r *http.Request) (*session.Controller, bool) {
	id := r.PathValue("id")
	c, ok := s.registry.Get(id)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, response{Error: "unknown station " + id})
	}
	return c, ok
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, response{Data: s.tracker.GetStateSnapshot()})
}

func (s *Server) handleStations(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, response{Data: s.registry.Snapshots()})
}

// handleSnapshot 终端重连时调用，先按时间戳校正时钟
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controller(w, r)
	if !ok {
		return
	}
	c.Resync()
	s.writeJSON(w, http.StatusOK, response{Data: c.Snapshot()})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controller(w, r)
	if !ok {
		return
	}
	var req startRequest
	if !s.decode(w, r, &req) {
		return
	}
	sel := req.Selection
	if req.EmployeeID != "" {
		pre, err := session.Prefill(r.Context(), s.dir, req.EmployeeID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if sel.Operator == "" {
			sel.Operator = pre.Operator
		}
		if sel.MachineID == "" {
			sel.MachineID = pre.MachineID
		}
		if sel.Shift == "" {
			sel.Shift = pre.Shift
		}
	}
	run, err := c.Start(r.Context(), sel)
	s.writeResult(w, r, run, err)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controller(w, r)
	if !ok {
		return
	}
	var req pauseRequest
	if !s.decode(w, r, &req) {
		return
	}
	reason, err := session.ParseReason(req.Reason, req.ReasonText)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := c.Pause(r.Context(), reason, req.Detail); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, response{Data: c.Snapshot()})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controller(w, r)
	if !ok {
		return
	}
	if err := c.Resume(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, response{Data: c.Snapshot()})
}

func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controller(w, r)
	if !ok {
		return
	}
	report, err := c.Finish(r.Context())
	s.writeResult(w, r, report, err)
}

func (s *Server) handlePieces(w http.ResponseWriter, r *http.Request) {
	c, ok := s.controller(w, r)
	if !ok {
		return
	}
	var req piecesRequest
	if !s.decode(w, r, &req) {
		return
	}
	if _, _, err := c.AddPieces(r.Context(), req.Good, req.Scrap); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, response{Data: c.Snapshot()})
}

func (s *Server) handleMachines(w http.ResponseWriter, r *http.Request) {
	machines, err := s.dir.ListActiveMachines(r.Context())
	s.writeResult(w, r, machines, err)
}

func (s *Server) handleEmployees(w http.ResponseWriter, r *http.Request) {
	employees, err := s.dir.ListActiveEmployees(r.Context())
	s.writeResult(w, r, employees, err)
}

func (s *Server) handlePrefill(w http.ResponseWriter, r *http.Request) {
	sel, err := session.Prefill(r.Context(), s.dir, r.PathValue("id"))
	s.writeResult(w, r, sel, err)
}

type orderView struct {
	*types.Order
	Steps []types.ProcessStep `json:"steps"`
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.dir.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	steps, err := s.dir.ListProcessSteps(r.Context(), o.ID)
	s.writeResult(w, r, orderView{Order: o, Steps: steps}, err)
}

func (s *Server) handleMaterials(w http.ResponseWriter, r *http.Request) {
	materials, err := s.dir.ListMaterials(r.Context(), r.PathValue("id"))
	s.writeResult(w, r, materials, err)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := types.RunFilter{
		OrderID:   q.Get("order_id"),
		MachineID: q.Get("machine_id"),
		Status:    types.RunStatus(q.Get("status")),
		Limit:     50,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, &session.ValidationError{Field: "limit", Message: "debe ser un entero positivo"})
			return
		}
		f.Limit = n
	}
	runs, err := s.dir.ListRuns(r.Context(), f)
	s.writeResult(w, r, runs, err)
}

func (s *Server) handleReasons(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, response{Data: session.Catalog()})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.logger.Warn("解析请求失败", "error", err, "path", r.URL.Path)
		s.writeJSON(w, http.StatusBadRequest, response{Error: err.Error()})
		return false
	}
	return true
}

// writeResult 成功或次要写入失败时返回 200，后者附带 warnings
func (s *Server) writeResult(w http.ResponseWriter, r *http.Request, data any, err error) {
	var secondary *session.SecondaryWriteError
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, response{Data: data})
	case errors.As(err, &secondary):
		warnings := make([]string, 0, len(secondary.Errs))
		for _, e := range secondary.Errs {
			warnings = append(warnings, e.Error())
		}
		s.writeJSON(w, http.StatusOK, response{Data: data, Warnings: warnings})
	default:
		s.writeError(w, r, err)
	}
}

// writeError 错误分类到 HTTP 状态码
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validation  *session.ValidationError
		persistence *session.PersistenceError
	)
	status := http.StatusInternalServerError
	resp := response{Error: err.Error()}
	switch {
	case errors.As(err, &validation):
		status = http.StatusBadRequest
		resp.Field = validation.Field
	case errors.Is(err, session.ErrNoActiveRun), errors.Is(err, fsm.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.As(err, &persistence):
		status = http.StatusBadGateway
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	}

	logger := s.logger.With("path", r.URL.Path, "status", status)
	if traceID, ok := util.TraceIDFromContext(r.Context()); ok {
		logger = logger.With("trace_id", traceID)
	}
	if status >= http.StatusInternalServerError {
		logger.Error("请求失败", "error", err)
	} else {
		logger.Warn("请求被拒绝", "error", err)
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, resp response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("写入响应失败", "error", err)
	}
}
