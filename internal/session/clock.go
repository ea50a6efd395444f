package session

import (
	"context"
	"math"
	"sync"
	"time"
)

// Clock 提供当前时间，测试中可替换
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock 使用 time.Now
var SystemClock Clock = systemClock{}

type clockMode int

const (
	clockStopped clockMode = iota
	clockProduction
	clockPause
)

// TimeAccumulator 驱动两个展示时钟：生产时钟 (仅运行中走) 和停机时钟 (仅暂停中走，每次暂停清零)
// 时钟只用于展示；持久化的停机分钟数由时间戳计算，见 DowntimeMinutes
type TimeAccumulator struct {
	mu         sync.Mutex
	mode       clockMode
	production time.Duration
	pause      time.Duration
}

// Running 生产时钟开始走，停机时钟停止
func (a *TimeAccumulator) Running() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mode = clockProduction
}

// Paused 生产时钟停止，停机时钟清零后开始走
func (a *TimeAccumulator) Paused() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mode = clockPause
	a.pause = 0
}

// Stop 两个时钟都停止，保留读数
func (a *TimeAccumulator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mode = clockStopped
}

// Reset 停止并清零
func (a *TimeAccumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mode = clockStopped
	a.production = 0
	a.pause = 0
}

// Seed 用持久化时间戳推算出的读数覆盖当前读数 (重连/重启恢复)
func (a *TimeAccumulator) Seed(production, pause time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.production = production
	a.pause = pause
}

// Tick 给当前走动的时钟加上 d
func (a *TimeAccumulator) Tick(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch a.mode {
	case clockProduction:
		a.production += d
	case clockPause:
		a.pause += d
	}
}

// Readings 返回 (生产时钟, 停机时钟)
func (a *TimeAccumulator) Readings() (time.Duration, time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.production, a.pause
}

// Run 以固定间隔走时，直到 ctx 取消；每次走时后调用 onTick
func (a *TimeAccumulator) Run(ctx context.Context, interval time.Duration, onTick func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.mu.Lock()
			active := a.mode != clockStopped
			a.mu.Unlock()
			if !active {
				continue
			}
			a.Tick(interval)
			if onTick != nil {
				onTick()
			}
		}
	}
}

// DowntimeMinutes 停机分钟数 = round((to - from) / 60s)，时钟回拨时为 0
func DowntimeMinutes(from, to time.Time) int {
	d := to.Sub(from)
	if d <= 0 {
		return 0
	}
	return int(math.Round(d.Minutes()))
}

// Derive 由持久化时间戳推算展示时钟
// 生产时钟 = 已过时间 - 已结算停机 - 当前停机；停机时钟 = 当前停机已过时间
func Derive(start time.Time, settledDowntime int, pauseStart *time.Time, now time.Time) (production, pause time.Duration) {
	elapsed := now.Sub(start)
	if pauseStart != nil {
		pause = now.Sub(*pauseStart)
		if pause < 0 {
			pause = 0
		}
	}
	production = elapsed - time.Duration(settledDowntime)*time.Minute - pause
	if production < 0 {
		production = 0
	}
	return production.Truncate(time.Second), pause.Truncate(time.Second)
}
