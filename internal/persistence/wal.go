package persistence

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"shopfloor-mes/internal/types"
)

// EntryType 会话日志记录类型
type EntryType string

const (
	EntryStart  EntryType = "START"  // 开工，包含完整的生产记录
	EntryPause  EntryType = "PAUSE"  // 停机开始
	EntryResume EntryType = "RESUME" // 停机结束，包含分钟数
	EntryPieces EntryType = "PIECES" // 计数变化，记录最新的累计值
	EntryFinish EntryType = "FINISH" // 完工
)

// LogEntry 代表 WAL 文件中的一条日志记录
type LogEntry struct {
	Type       EntryType            `json:"type"`
	StationID  string               `json:"station_id"`
	RunID      string               `json:"run_id"`
	At         time.Time            `json:"at"`
	Run        *types.ProductionRun `json:"run,omitempty"`
	Reason     string               `json:"reason,omitempty"`
	ReasonText string               `json:"reason_text,omitempty"` // "Otro" 的自由文本
	Detail     string               `json:"detail,omitempty"`
	Minutes    int                  `json:"minutes,omitempty"`
	Good       int                  `json:"good,omitempty"`
	Scrap      int                  `json:"scrap,omitempty"`
}

// DowntimeRecord 已结算的停机
type DowntimeRecord struct {
	Reason     string
	ReasonText string
	Detail     string
	Minutes    int
}

// SessionState 从日志中重建的未完工会话
type SessionState struct {
	StationID  string
	Run        types.ProductionRun
	Paused     bool
	PauseStart time.Time
	Pause      DowntimeRecord // 当前未结算的停机 (Minutes 为 0)
	Downtime   []DowntimeRecord
	Good       int
	Scrap      int
}

// WAL (Write-Ahead Log) 记录会话中只存在于内存的数据 (停机明细、计数)
// 服务重启后据此恢复未完工的会话
type WAL struct {
	path string
	file *os.File   // 日志文件句柄
	mu   sync.Mutex // 互斥锁，保证文件写入的原子性
}

// NewWAL 创建或打开一个 WAL 文件
func NewWAL(path string) (*WAL, error) {
	// O_APPEND: 追加写入, O_CREATE: 文件不存在则创建, O_RDWR: 读写模式
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	return &WAL{path: path, file: file}, nil
}

// Record 追加一条日志记录
func (w *WAL) Record(entry LogEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	// 写入数据并在末尾添加换行符
	if _, err := w.file.Write(append(data, '\n')); err != nil {
		return err
	}
	// 确保数据被刷新到磁盘，防止数据丢失
	return w.file.Sync()
}

// Recover 从日志文件中恢复未完工的会话，并把日志压缩为只含这些会话的记录
// 在系统启动时调用；压缩失败时仍返回恢复结果
func (w *WAL) Recover() ([]SessionState, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	// 将文件指针移动到开头以进行读取
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	open := make(map[string]*SessionState) // run_id -> 会话
	lines := make(map[string][][]byte)     // run_id -> 原始日志行
	var order []string

	scanner := bufio.NewScanner(w.file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			// 忽略损坏的行
			continue
		}

		if entry.Type == EntryStart {
			if entry.Run == nil {
				continue
			}
			open[entry.RunID] = &SessionState{StationID: entry.StationID, Run: *entry.Run}
			lines[entry.RunID] = [][]byte{copyLine(scanner.Bytes())}
			order = append(order, entry.RunID)
			continue
		}

		st, ok := open[entry.RunID]
		if !ok {
			continue
		}
		lines[entry.RunID] = append(lines[entry.RunID], copyLine(scanner.Bytes()))
		switch entry.Type {
		case EntryPause:
			st.Paused = true
			st.PauseStart = entry.At
			st.Pause = DowntimeRecord{Reason: entry.Reason, ReasonText: entry.ReasonText, Detail: entry.Detail}
			st.Run.Status = types.RunPaused
		case EntryResume:
			rec := st.Pause
			rec.Minutes = entry.Minutes
			st.Downtime = append(st.Downtime, rec)
			st.Run.DowntimeMinutes += entry.Minutes
			st.Run.Status = types.RunInProgress
			st.Paused = false
			st.Pause = DowntimeRecord{}
		case EntryPieces:
			st.Good, st.Scrap = entry.Good, entry.Scrap
		case EntryFinish:
			delete(open, entry.RunID)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	var recovered []SessionState
	var keep [][]byte
	for _, id := range order {
		if st, ok := open[id]; ok {
			recovered = append(recovered, *st)
			keep = append(keep, lines[id]...)
		}
	}

	// 恢复文件指针到末尾，以便后续追加写入
	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return nil, err
	}
	if err := w.compact(keep); err != nil {
		return recovered, fmt.Errorf("压缩会话日志失败: %w", err)
	}
	return recovered, nil
}

// compact 用 keep 中的日志行重写日志文件：先写临时文件并刷盘，再原子替换
func (w *WAL) compact(keep [][]byte) error {
	tmp := w.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	for _, line := range keep {
		bw.Write(line)
		bw.WriteByte('\n')
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, w.path); err != nil {
		return err
	}

	file, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	w.file.Close()
	w.file = file
	return nil
}

func copyLine(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Close 关闭 WAL 文件
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
