package session

// PieceCounter 当前生产记录的良品/废品计数
// 由 Controller 的互斥锁保护
type PieceCounter struct {
	good  int
	scrap int
}

// Add 按增量调整计数，允许负增量用于纠正误操作，但结果不能为负
func (c *PieceCounter) Add(good, scrap int) error {
	if c.good+good < 0 {
		return &ValidationError{Field: "pieces_good", Message: "el conteo no puede ser negativo"}
	}
	if c.scrap+scrap < 0 {
		return &ValidationError{Field: "pieces_scrap", Message: "el conteo no puede ser negativo"}
	}
	c.good += good
	c.scrap += scrap
	return nil
}

func (c *PieceCounter) Totals() (good, scrap int) {
	return c.good, c.scrap
}

func (c *PieceCounter) set(good, scrap int) {
	c.good, c.scrap = good, scrap
}

func (c *PieceCounter) Reset() {
	c.good, c.scrap = 0, 0
}
