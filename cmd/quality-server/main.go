package main

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/google/uuid"

	"shopfloor-mes/internal/types"
)

// Response 定义了质检服务返回的响应体
type Response struct {
	ID       string `json:"id"`
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// main 是远程质检服务的入口
// 接收首件和终检请求并排队，检验结果由质检模块另行处理
func main() {
	port := ":9090"
	if p := os.Getenv("QUALITY_PORT"); p != "" {
		port = p
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "quality-server")
	slog.SetDefault(logger)

	logger.Info("=== 远程质检服务启动 ===", "port", port)

	var mu sync.Mutex
	var queue []types.InspectionRequest

	mux := http.NewServeMux()
	mux.HandleFunc("POST /inspections", func(w http.ResponseWriter, r *http.Request) {
		var req types.InspectionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Warn("解析请求失败", "error", err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(Response{Error: err.Error()})
			return
		}
		if req.ID == "" {
			req.ID = uuid.NewString()
		}

		// 从 HTTP Header 中提取 Trace ID，用于链路追踪
		reqLogger := logger.With("inspection_id", req.ID, "type", req.Type, "order_id", req.OrderID, "run_id", req.RunID)
		if traceID := r.Header.Get("X-Trace-ID"); traceID != "" {
			reqLogger = reqLogger.With("trace_id", traceID)
		}
		if station := r.Header.Get("X-Station-ID"); station != "" {
			reqLogger = reqLogger.With("station_id", station)
		}

		resp := Response{ID: req.ID, Accepted: true}
		if req.Type != types.InspectionFirstPiece && req.Type != types.InspectionFinal {
			resp = Response{ID: req.ID, Error: "tipo de inspección desconocido: " + string(req.Type)}
			reqLogger.Warn("拒绝质检请求", "error", resp.Error)
		} else {
			mu.Lock()
			queue = append(queue, req)
			pending := len(queue)
			mu.Unlock()
			reqLogger.Info("接收到质检请求", "pieces_good", req.PiecesGood, "pieces_scrap", req.PiecesScrap, "pending", pending)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("GET /inspections", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		out := make([]types.InspectionRequest, len(queue))
		copy(out, queue)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	})

	if err := http.ListenAndServe(port, mux); err != nil {
		logger.Error("服务启动失败", "error", err)
	}
}
