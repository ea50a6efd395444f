package quality

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"shopfloor-mes/internal/types"
	"shopfloor-mes/internal/util"
)

// RemoteSink 通过 HTTP 把质检请求投递给远程质检服务
// 它实现了 Sink 接口，触发器可以像对待本地数据库一样对待它
type RemoteSink struct {
	Endpoint string       // 远程服务的地址 (e.g., http://localhost:9090)
	Client   *http.Client // HTTP 客户端
	logger   *slog.Logger
}

// NewRemoteSink 创建一个新的远程质检接收端
func NewRemoteSink(endpoint string, timeout time.Duration, logger *slog.Logger) *RemoteSink {
	return &RemoteSink{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: timeout},
		logger:   logger.With("component", "quality_remote", "endpoint", endpoint),
	}
}

// remoteResponse 定义了从远程服务接收的响应体
type remoteResponse struct {
	ID       string `json:"id"`
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// CreateInspection 通过 HTTP POST 请求调用远程服务的 /inspections 端点
func (s *RemoteSink) CreateInspection(ctx context.Context, req types.InspectionRequest) error {
	logger := s.logger
	if traceID, ok := util.TraceIDFromContext(ctx); ok {
		logger = logger.With("trace_id", traceID)
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint+"/inspections", bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("创建远程请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	// 将 Trace ID 和工站放入 HTTP Header 中，实现跨服务追踪
	if traceID, ok := util.TraceIDFromContext(ctx); ok {
		httpReq.Header.Set("X-Trace-ID", traceID)
	}
	if station, ok := util.StationFromContext(ctx); ok {
		httpReq.Header.Set("X-Station-ID", station)
	}

	resp, err := s.Client.Do(httpReq)
	if err != nil {
		logger.Error("远程调用失败", "error", err, "inspection_id", req.ID)
		return fmt.Errorf("远程调用失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		logger.Error("远程服务返回错误状态", "status", resp.Status, "inspection_id", req.ID)
		return fmt.Errorf("远程服务错误: %s", resp.Status)
	}

	var rResp remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&rResp); err != nil {
		return fmt.Errorf("解析响应失败: %w", err)
	}
	if !rResp.Accepted {
		logger.Warn("远程服务拒绝质检请求", "remote_error", rResp.Error, "inspection_id", req.ID)
		return fmt.Errorf("远程服务拒绝: %s", rResp.Error)
	}
	logger.Info("质检请求已投递", "inspection_id", req.ID)
	return nil
}
