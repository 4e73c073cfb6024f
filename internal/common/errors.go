package common

import "errors"

var (
	ErrInvalidOrder  = errors.New("invalid order")
	ErrOrderNotFound = errors.New("order not found")
	ErrMalformed     = errors.New("malformed number")
	ErrPrecision     = errors.New("number exceeds fixed-point precision")
)
