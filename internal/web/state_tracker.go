package web

import (
	"sync"

	"shopfloor-mes/internal/types"
)

// GlobalState 车间所有工站的实时状态快照
type GlobalState struct {
	Stations map[string]types.StationSnapshot `json:"stations"`
	Warnings []string                         `json:"warnings,omitempty"` // 最近的次要写入失败，供终端提示
}

const maxWarnings = 20

// StateTracker 负责追踪所有工站的实时状态，并通知前端更新
type StateTracker struct {
	mu    sync.RWMutex
	state GlobalState
	hub   *Hub
}

// NewStateTracker 创建一个新的 StateTracker 实例
func NewStateTracker(hub *Hub) *StateTracker {
	return &StateTracker{
		state: GlobalState{Stations: make(map[string]types.StationSnapshot)},
		hub:   hub,
	}
}

// UpdateStation 更新单个工站的状态，并向所有客户端广播最新的全局状态
// 事件处理器并发执行，序号小于当前快照的更新是迟到的旧状态，直接丢弃
// 序号为 0 的快照不参与比较
func (st *StateTracker) UpdateStation(snap types.StationSnapshot) {
	st.mu.Lock()
	if cur, ok := st.state.Stations[snap.StationID]; ok && snap.Seq != 0 && snap.Seq < cur.Seq {
		st.mu.Unlock()
		return
	}
	st.state.Stations[snap.StationID] = snap
	state := st.copyLocked()
	st.mu.Unlock()

	st.broadcast(state)
}

// AddWarning 记录一条次要写入失败并广播
func (st *StateTracker) AddWarning(msg string) {
	st.mu.Lock()
	st.state.Warnings = append(st.state.Warnings, msg)
	if n := len(st.state.Warnings); n > maxWarnings {
		st.state.Warnings = st.state.Warnings[n-maxWarnings:]
	}
	state := st.copyLocked()
	st.mu.Unlock()

	st.broadcast(state)
}

// GetStateSnapshot 返回当前全局状态的一个深拷贝副本
// 用于新客户端连接时获取一次全量数据
func (st *StateTracker) GetStateSnapshot() GlobalState {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.copyLocked()
}

func (st *StateTracker) copyLocked() GlobalState {
	out := GlobalState{Stations: make(map[string]types.StationSnapshot, len(st.state.Stations))}
	for id, s := range st.state.Stations {
		out.Stations[id] = s
	}
	out.Warnings = append(out.Warnings, st.state.Warnings...)
	return out
}

func (st *StateTracker) broadcast(state GlobalState) {
	if st.hub != nil {
		st.hub.BroadcastState(state)
	}
}
