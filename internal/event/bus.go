package event

import (
	"sync"

	"shopfloor-mes/internal/types"
)

// EventType 定义事件的类型
type EventType string

// 定义所有业务事件类型
const (
	RunStarted           EventType = "RunStarted"           // 开工
	RunPaused            EventType = "RunPaused"            // 停机
	RunResumed           EventType = "RunResumed"           // 恢复生产
	RunFinished          EventType = "RunFinished"          // 完工
	PiecesChanged        EventType = "PiecesChanged"        // 良品/废品计数变化
	ClockTick            EventType = "ClockTick"            // 展示时钟刷新
	OrderCompleted       EventType = "OrderCompleted"       // 订单完工
	SecondaryWriteFailed EventType = "SecondaryWriteFailed" // 订单汇总或质检请求失败，主状态已生效
)

// Event 结构体定义了事件的数据负载
type Event struct {
	Type     EventType             // 事件类型
	Station  types.StationSnapshot // 事件发生后的工站快照
	Run      *types.ProductionRun  // 关联的生产记录 (开工/停机/完工)
	Order    *types.Order          // 关联的订单 (订单完工)
	Downtime int                   // 本次结算的停机分钟数 (恢复/完工)
	Reason   string                // 停机原因 (停机/恢复)
	Target   string                // 失败的次要写入: order / inspection
	Error    error                 // 错误信息 (仅失败事件)
}

// Handler 是事件处理函数的签名
type Handler func(e Event)

// Publisher 发布事件
type Publisher interface {
	Publish(e Event)
}

// Bus 是一个简单的内存事件总线
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler // 存储事件类型到多个处理函数的映射
	wg       sync.WaitGroup
}

// NewBus 创建一个新的事件总线实例
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe 订阅一个特定类型的事件
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish 发布一个事件，所有订阅了该事件类型的处理器都将被调用
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if handlers, ok := b.handlers[e.Type]; ok {
		// 遍历所有处理器并异步执行
		// 使用 goroutine 避免单个处理器的阻塞影响其他处理器
		for _, handler := range handlers {
			b.wg.Add(1)
			go func(h Handler) {
				defer b.wg.Done()
				h(e)
			}(handler)
		}
	}
}

// Wait 等待已发布事件的处理器全部执行完毕，用于停机和测试
func (b *Bus) Wait() {
	b.wg.Wait()
}
