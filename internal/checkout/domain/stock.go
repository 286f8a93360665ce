package domain

type StockRecord struct {
	ProductID string
	Name      string
	OnHand    int
}

// StockUpdate reports the on-hand quantity of a product before and after a
// successful reservation.
type StockUpdate struct {
	ProductID string `json:"product_id"`
	OldStock  int    `json:"old_stock"`
	NewStock  int    `json:"new_stock"`
}

// Shortfall describes a cart line that cannot be fulfilled from stock.
type Shortfall struct {
	ProductID   string `json:"product_id"`
	ProductName string `json:"product_name"`
	Requested   int    `json:"requested"`
	Available   int    `json:"available"`
}
