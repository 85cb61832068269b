package state

import (
	"errors"
	"fmt"

	sdkmath "cosmossdk.io/math"
)

var ErrInvalidAmount = errors.New("invalid stored amount")

// parseAmount reads a NUMERIC column rendered as text.
func parseAmount(s string) (sdkmath.Int, error) {
	v, ok := sdkmath.NewIntFromString(s)
	if !ok {
		return sdkmath.Int{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if v.IsNegative() {
		return sdkmath.Int{}, fmt.Errorf("%w: %q is negative", ErrInvalidAmount, s)
	}
	return v, nil
}

func parseDec(s string) (sdkmath.LegacyDec, error) {
	if s == "" {
		return sdkmath.LegacyZeroDec(), nil
	}
	v, err := sdkmath.LegacyNewDecFromStr(s)
	if err != nil {
		return sdkmath.LegacyDec{}, errors.Join(ErrInvalidAmount, err)
	}
	return v, nil
}

func decString(d sdkmath.LegacyDec) string {
	if d.IsNil() {
		return "0"
	}
	return d.String()
}
