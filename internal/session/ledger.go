package session

import (
	"fmt"
	"strings"

	"shopfloor-mes/internal/quality"
)

// ReasonCode 停机原因目录，固定九项
type ReasonCode string

const (
	ReasonMaterial    ReasonCode = "Falta de material"
	ReasonCorrective  ReasonCode = "Mantenimiento correctivo"
	ReasonToolChange  ReasonCode = "Cambio de herramienta"
	ReasonSetup       ReasonCode = "Ajuste de máquina"
	ReasonNoOperator  ReasonCode = "Falta de operador"
	ReasonQuality     ReasonCode = "Problema de calidad"
	ReasonPowerOutage ReasonCode = "Falla eléctrica"
	ReasonBreak       ReasonCode = "Comida / descanso"
	ReasonOther       ReasonCode = "Otro"
)

// Catalog 按显示顺序返回停机原因目录
func Catalog() []ReasonCode {
	return []ReasonCode{
		ReasonMaterial, ReasonCorrective, ReasonToolChange, ReasonSetup, ReasonNoOperator,
		ReasonQuality, ReasonPowerOutage, ReasonBreak, ReasonOther,
	}
}

// Reason 停机原因；Code 为 ReasonOther 时 Text 必填
type Reason struct {
	Code ReasonCode `json:"code"`
	Text string     `json:"text,omitempty"`
}

// ParseReason 校验并构造停机原因
func ParseReason(code, text string) (Reason, error) {
	r := Reason{Code: ReasonCode(strings.TrimSpace(code)), Text: strings.TrimSpace(text)}
	return r, r.Validate()
}

func (r Reason) Validate() error {
	if r.Code == "" {
		return &ValidationError{Field: "reason", Message: "motivo de paro requerido"}
	}
	for _, c := range Catalog() {
		if c == r.Code {
			if c == ReasonOther && r.Text == "" {
				return &ValidationError{Field: "reason", Message: "\"Otro\" requiere descripción"}
			}
			return nil
		}
	}
	return &ValidationError{Field: "reason", Message: fmt.Sprintf("motivo desconocido %q", r.Code)}
}

// Label 用于摘要和 motivo_paro 的显示文本
func (r Reason) Label() string {
	if r.Code == ReasonOther && r.Text != "" {
		return string(ReasonOther) + ": " + r.Text
	}
	return string(r.Code)
}

// reasonFromLabel 是 Label 的逆运算；无法识别的文本归入 "Otro"
func reasonFromLabel(label string) Reason {
	label = strings.TrimSpace(label)
	if text, ok := strings.CutPrefix(label, string(ReasonOther)+": "); ok && text != "" {
		return Reason{Code: ReasonOther, Text: text}
	}
	r := Reason{Code: ReasonCode(label)}
	if r.Validate() == nil {
		return r
	}
	if label == "" {
		label = "sin registro"
	}
	return Reason{Code: ReasonOther, Text: label}
}

// DowntimeEvent 一次停机
type DowntimeEvent struct {
	Reason  Reason `json:"reason"`
	Detail  string `json:"detail,omitempty"`
	Minutes int    `json:"minutes"`
}

// Ledger 单次生产记录的停机明细，只追加
// 不加锁，由 Controller 的互斥锁保护
type Ledger struct {
	events []DowntimeEvent
}

func (l *Ledger) Append(e DowntimeEvent) {
	l.events = append(l.events, e)
}

// Entries 返回副本
func (l *Ledger) Entries() []DowntimeEvent {
	out := make([]DowntimeEvent, len(l.events))
	copy(out, l.events)
	return out
}

func (l *Ledger) TotalMinutes() int {
	return TotalMinutes(l.events)
}

func (l *Ledger) Reset() {
	l.events = nil
}

// TotalMinutes 停机分钟合计
func TotalMinutes(events []DowntimeEvent) int {
	total := 0
	for _, e := range events {
		total += e.Minutes
	}
	return total
}

// Summary 生成持久化的停机摘要
// 格式: "reason (N min): detail; reason2 (M min)"
func Summary(events []DowntimeEvent) string {
	parts := make([]string, 0, len(events))
	for _, e := range events {
		s := fmt.Sprintf("%s (%d min)", e.Reason.Label(), e.Minutes)
		if e.Detail != "" {
			s += ": " + e.Detail
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, "; ")
}

// Breakdown 按原因合并分钟数，保持首次出现的顺序
func Breakdown(events []DowntimeEvent) []quality.ReasonMinutes {
	var out []quality.ReasonMinutes
	index := make(map[string]int)
	for _, e := range events {
		label := e.Reason.Label()
		if i, ok := index[label]; ok {
			out[i].Minutes += e.Minutes
			continue
		}
		index[label] = len(out)
		out = append(out, quality.ReasonMinutes{Reason: label, Minutes: e.Minutes})
	}
	return out
}
