package fsm

import (
	"errors"
	"fmt"
	"sync"
)

// State 定义状态类型
type State string

// Event 定义事件类型
type Event string

const (
	StateIdle     State = "IDLE"
	StateRunning  State = "RUNNING"
	StatePaused   State = "PAUSED"
	StateFinished State = "FINISHED"
)

const (
	EventStart  Event = "START"
	EventPause  Event = "PAUSE"
	EventResume Event = "RESUME"
	EventFinish Event = "FINISH"
	EventReset  Event = "RESET"
)

// ErrInvalidTransition 当前状态下不允许触发该事件
var ErrInvalidTransition = errors.New("invalid transition")

// FSM 生产会话的有限状态机
type FSM struct {
	current State
	mu      sync.Mutex
	// transitions 定义状态转移表: CurrentState -> Event -> NextState
	transitions map[State]map[Event]State
	// callbacks 定义状态进入时的回调: State -> func()
	callbacks map[State]func(targetID string)
	TargetID  string // 关联的目标对象ID（工站ID）
}

func NewFSM(targetID string) *FSM {
	fsm := &FSM{
		current:     StateIdle,
		TargetID:    targetID,
		transitions: make(map[State]map[Event]State),
		callbacks:   make(map[State]func(string)),
	}
	fsm.initTransitions()
	return fsm
}

func (f *FSM) initTransitions() {
	f.addTransition(StateIdle, EventStart, StateRunning)

	f.addTransition(StateRunning, EventPause, StatePaused)
	f.addTransition(StateRunning, EventFinish, StateFinished)

	f.addTransition(StatePaused, EventResume, StateRunning)
	f.addTransition(StatePaused, EventFinish, StateFinished) // 暂停中直接完工，先结算停机

	f.addTransition(StateFinished, EventReset, StateIdle)
}

func (f *FSM) addTransition(from State, event Event, to State) {
	if _, ok := f.transitions[from]; !ok {
		f.transitions[from] = make(map[Event]State)
	}
	f.transitions[from][event] = to
}

// RegisterCallback 注册状态进入时的回调
func (f *FSM) RegisterCallback(state State, callback func(targetID string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks[state] = callback
}

// Current 返回当前状态
func (f *FSM) Current() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// Can 判断当前状态下事件是否合法，不改变状态
// 调用方先做持久化写入，成功后再 Fire
func (f *FSM) Can(event Event) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.transitions[f.current][event]
	return ok
}

// Fire 触发事件
func (f *FSM) Fire(event Event) error {
	f.mu.Lock()
	nextState, ok := f.transitions[f.current][event]
	if !ok {
		cur := f.current
		f.mu.Unlock()
		return fmt.Errorf("%w: cannot fire event %s from state %s", ErrInvalidTransition, event, cur)
	}
	f.current = nextState
	cb := f.callbacks[nextState]
	f.mu.Unlock()

	// 回调在锁外执行，回调中可以安全地读取状态
	if cb != nil {
		cb(f.TargetID)
	}
	return nil
}

// Restore 从持久化数据恢复状态，仅用于重启恢复
func (f *FSM) Restore(state State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = state
}
