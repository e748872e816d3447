package store

import "math/big"

// bigFloatToNumeric renders f as a decimal string for a NUMERIC column, or
// nil if f is nil. pgx scans/encodes NUMERIC as a string when the driver-side
// value isn't a fixed Go numeric type, the same boundary convention the
// ingester uses for big.Int token amounts.
func bigFloatToNumeric(f *big.Float) any {
	if f == nil {
		return nil
	}
	return f.Text('f', -1)
}

// numericToBigFloat parses a NUMERIC column scanned into a *string back into
// a *big.Float, or nil if the column was NULL.
func numericToBigFloat(s *string) *big.Float {
	if s == nil {
		return nil
	}
	f, _, err := big.ParseFloat(*s, 10, 256, big.ToNearestEven)
	if err != nil {
		return nil
	}
	return f
}
