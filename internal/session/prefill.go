package session

import (
	"context"
	"fmt"
	"time"

	"shopfloor-mes/internal/types"
)

// 班次
const (
	ShiftMorning   = "Matutino"   // 06:00-14:00
	ShiftAfternoon = "Vespertino" // 14:00-22:00
	ShiftNight     = "Nocturno"   // 22:00-06:00
)

// ShiftAt 按本地时间推算班次
func ShiftAt(t time.Time) string {
	switch h := t.Hour(); {
	case h >= 6 && h < 14:
		return ShiftMorning
	case h >= 14 && h < 22:
		return ShiftAfternoon
	default:
		return ShiftNight
	}
}

// EmployeeDirectory 员工目录
type EmployeeDirectory interface {
	GetEmployee(ctx context.Context, id string) (*types.Employee, error)
}

// Prefill 选择员工后，用其默认机台和班次预填开工选择
func Prefill(ctx context.Context, dir EmployeeDirectory, employeeID string) (Selection, error) {
	e, err := dir.GetEmployee(ctx, employeeID)
	if err != nil {
		return Selection{}, err
	}
	if !e.Active {
		return Selection{}, &ValidationError{Field: "operator", Message: fmt.Sprintf("empleado %s inactivo", e.ID)}
	}
	return Selection{Operator: e.Name, MachineID: e.DefaultMachine, Shift: e.DefaultShift}, nil
}
