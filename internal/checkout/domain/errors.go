package domain

import "errors"

var (
	ErrProductNotFound = errors.New("product not found")
	ErrWriteConflict   = errors.New("stock changed since it was read")
	ErrNegativeStock   = errors.New("stock cannot go below zero")
	ErrSaleNotFound    = errors.New("sale not found")

	ErrInsufficientStock = errors.New("insufficient stock")
)
