package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"shopfloor-mes/internal/persistence"
	"shopfloor-mes/internal/types"
)

// RunReader 读取生产记录，用于恢复时核对存储中的最新状态
type RunReader interface {
	GetRun(ctx context.Context, id string) (*types.ProductionRun, error)
}

// Registry 管理本服务承载的所有工站控制器，每个工站同一时间只有一个会话
type Registry struct {
	controllers map[string]*Controller
	logger      *slog.Logger
	wg          sync.WaitGroup
}

// NewRegistry 为每个工站创建控制器，共享同一组依赖
func NewRegistry(stations []string, deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	r := &Registry{
		controllers: make(map[string]*Controller, len(stations)),
		logger:      deps.Logger.With("component", "registry"),
	}
	for _, id := range stations {
		r.controllers[id] = NewController(id, deps)
	}
	return r
}

// Get 按工站 ID 查找控制器
func (r *Registry) Get(stationID string) (*Controller, bool) {
	c, ok := r.controllers[stationID]
	return c, ok
}

// Stations 返回排序后的工站 ID
func (r *Registry) Stations() []string {
	ids := make([]string, 0, len(r.controllers))
	for id := range r.controllers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshots 所有工站的当前状态
func (r *Registry) Snapshots() []types.StationSnapshot {
	var out []types.StationSnapshot
	for _, id := range r.Stations() {
		out = append(out, r.controllers[id].Snapshot())
	}
	return out
}

// StartClocks 为每个工站启动展示时钟协程，ctx 取消后退出
func (r *Registry) StartClocks(ctx context.Context, interval time.Duration) {
	for _, c := range r.controllers {
		r.wg.Add(1)
		go func(c *Controller) {
			defer r.wg.Done()
			c.runClock(ctx, interval)
		}(c)
	}
}

// Wait 等待时钟协程退出
func (r *Registry) Wait() {
	r.wg.Wait()
}

// Recover 用会话日志恢复重启前未完工的会话
// 存储中已完工或不存在的记录被跳过；返回恢复的会话数
func (r *Registry) Recover(ctx context.Context, states []persistence.SessionState, runs RunReader) (int, error) {
	restored := 0
	var errs []error
	for _, st := range states {
		logger := r.logger.With("station_id", st.StationID, "run_id", st.Run.ID)
		c, ok := r.controllers[st.StationID]
		if !ok {
			logger.Warn("会话所属工站未在本服务配置中，跳过")
			continue
		}
		run, err := runs.GetRun(ctx, st.Run.ID)
		if err != nil {
			errs = append(errs, err)
			logger.Warn("读取生产记录失败，跳过恢复", "error", err)
			continue
		}
		if run.Status == types.RunFinished {
			logger.Info("生产记录已完工，跳过恢复")
			continue
		}
		if err := c.Restore(st, *run); err != nil {
			errs = append(errs, err)
			continue
		}
		restored++
	}
	return restored, errors.Join(errs...)
}
