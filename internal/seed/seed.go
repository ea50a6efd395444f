package seed

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"shopfloor-mes/internal/types"
)

// Step 种子文件中的工序
type Step struct {
	ID             string  `yaml:"id"`
	Sequence       int     `yaml:"sequence"`
	Name           string  `yaml:"name"`
	Status         string  `yaml:"status"`
	EstimatedHours float64 `yaml:"estimated_hours"`
}

// Order 种子文件中的订单，工序和物料内联
type Order struct {
	ID          string           `yaml:"id"`
	Code        string           `yaml:"code"`
	RequiredQty int              `yaml:"required_qty"`
	Status      string           `yaml:"status"`
	Steps       []Step           `yaml:"steps"`
	Materials   []types.Material `yaml:"materials"`
}

// File 种子文件：机台、员工和订单目录
type File struct {
	Machines  []types.Machine  `yaml:"machines"`
	Employees []types.Employee `yaml:"employees"`
	Orders    []Order          `yaml:"orders"`
}

// Store 写入目录所需的存储方法
type Store interface {
	UpsertMachine(ctx context.Context, m types.Machine) error
	UpsertEmployee(ctx context.Context, e types.Employee) error
	CreateOrder(ctx context.Context, o types.Order) error
	CreateProcessStep(ctx context.Context, p types.ProcessStep) error
	AddMaterial(ctx context.Context, m types.Material) error
}

// Load 读取并校验种子文件
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return Parse(data)
}

// Parse 解析 YAML 并校验必填字段
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	for i, m := range f.Machines {
		if m.ID == "" {
			return nil, fmt.Errorf("machines[%d]: id is required", i)
		}
		if m.Status == "" {
			f.Machines[i].Status = "activa"
		}
	}
	for i, e := range f.Employees {
		if e.ID == "" || e.Name == "" {
			return nil, fmt.Errorf("employees[%d]: id and name are required", i)
		}
	}
	for i, o := range f.Orders {
		if o.ID == "" {
			return nil, fmt.Errorf("orders[%d]: id is required", i)
		}
		if o.RequiredQty < 0 {
			return nil, fmt.Errorf("order %s: required_qty must not be negative", o.ID)
		}
		for _, s := range o.Steps {
			if s.ID == "" {
				return nil, fmt.Errorf("order %s: step id is required", o.ID)
			}
		}
	}
	return &f, nil
}

// Counts 写入的条目数
type Counts struct {
	Machines, Employees, Orders, Steps, Materials int
}

// Apply 写入目录；机台和员工可重复导入，订单已存在时报错
func (f *File) Apply(ctx context.Context, s Store) (Counts, error) {
	var c Counts
	for _, m := range f.Machines {
		if err := s.UpsertMachine(ctx, m); err != nil {
			return c, fmt.Errorf("machine %s: %w", m.ID, err)
		}
		c.Machines++
	}
	for _, e := range f.Employees {
		if err := s.UpsertEmployee(ctx, e); err != nil {
			return c, fmt.Errorf("employee %s: %w", e.ID, err)
		}
		c.Employees++
	}
	for _, o := range f.Orders {
		code := o.Code
		if code == "" {
			code = o.ID
		}
		err := s.CreateOrder(ctx, types.Order{
			ID: o.ID, Code: code, RequiredQty: o.RequiredQty, Status: types.OrderStatus(o.Status),
		})
		if err != nil {
			return c, fmt.Errorf("order %s: %w", o.ID, err)
		}
		c.Orders++
		for _, st := range o.Steps {
			err := s.CreateProcessStep(ctx, types.ProcessStep{
				ID: st.ID, OrderID: o.ID, Sequence: st.Sequence, Name: st.Name,
				Status: types.OrderStatus(st.Status), EstimatedHours: st.EstimatedHours,
			})
			if err != nil {
				return c, fmt.Errorf("step %s: %w", st.ID, err)
			}
			c.Steps++
		}
		for _, m := range o.Materials {
			m.OrderID = o.ID
			if err := s.AddMaterial(ctx, m); err != nil {
				return c, fmt.Errorf("material %s/%s: %w", o.ID, m.Code, err)
			}
			c.Materials++
		}
	}
	return c, nil
}
