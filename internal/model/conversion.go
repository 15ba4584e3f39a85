package model

import (
	"github.com/shopspring/decimal"
)

// ConversionResult is the outcome of a cross-rate resolution.
//
// On success, Value carries the resolved price and Path the ordered
// pairs used to compose it: one element for a direct or reciprocal hit,
// two for a one-hop bridge. A failed resolution is a normal outcome, not
// an error.
type ConversionResult struct {
	Success bool            `json:"success"`
	Value   decimal.Decimal `json:"value,omitempty"`
	Path    []TokenPair     `json:"path,omitempty"`
}

// Converted builds a successful result.
func Converted(value decimal.Decimal, path ...TokenPair) ConversionResult {
	return ConversionResult{Success: true, Value: value, Path: path}
}

// NoConversion is the explicit negative result.
func NoConversion() ConversionResult {
	return ConversionResult{}
}
