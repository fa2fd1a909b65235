package engine

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrOrderTerminal     = errors.New("order already terminal")
	ErrInvalidTransition = errors.New("invalid order status transition")
)

// OrderValidationError is returned by NewOrder and Place for malformed orders.
type OrderValidationError struct {
	Field string
	Msg   string
}

func (e *OrderValidationError) Error() string {
	return fmt.Sprintf("invalid order %s: %s", e.Field, e.Msg)
}

// DataValidationError aborts a run before the first bar.
type DataValidationError struct {
	Missing []string
	Msg     string
}

func (e *DataValidationError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("data validation: missing columns [%s]", strings.Join(e.Missing, ", "))
	}
	return "data validation: " + e.Msg
}

type ConfigError struct {
	Key string
	Msg string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Key, e.Msg)
}
