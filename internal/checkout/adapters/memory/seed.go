package memory

import "github.com/jcmexdev/pos-checkout/internal/checkout/domain"

// DemoStock is the catalogue loaded when the service runs on the in-memory
// store. prod_3 is out of stock so the failure path can be tried by hand.
func DemoStock() []domain.StockRecord {
	return []domain.StockRecord{
		{ProductID: "prod_1", Name: "Espresso", OnHand: 15},
		{ProductID: "prod_2", Name: "Croissant", OnHand: 10},
		{ProductID: "prod_3", Name: "Orange juice", OnHand: 0},
	}
}
