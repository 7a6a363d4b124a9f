package solana

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// Decimals is the number of fractional digits in one SOL.
const Decimals = 9

// LamportsPerSOL is the number of lamports in one SOL.
const LamportsPerSOL uint64 = 1_000_000_000

// ParseSOL converts a decimal SOL string ("2.001") into lamports.
// Negative values, more than nine fractional digits, and values that
// overflow uint64 are rejected.
func ParseSOL(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return 0, fmt.Errorf("invalid amount %q: sign not allowed", s)
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	whole := parts[0]
	frac := ""
	if len(parts) == 2 {
		frac = parts[1]
	}
	if whole == "" && frac == "" {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	if len(frac) > Decimals {
		return 0, fmt.Errorf("invalid amount %q: more than %d decimal places", s, Decimals)
	}
	frac += strings.Repeat("0", Decimals-len(frac))
	if whole == "" {
		whole = "0"
	}

	n, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok || n.Sign() < 0 {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	if !n.IsUint64() {
		return 0, fmt.Errorf("amount %q overflows", s)
	}
	return n.Uint64(), nil
}

// MustParseSOL is like ParseSOL but panics on error. Intended for constants
// and tests.
func MustParseSOL(s string) uint64 {
	v, err := ParseSOL(s)
	if err != nil {
		panic(err)
	}
	return v
}

// FormatSOL renders lamports as a decimal SOL string without trailing zeros,
// e.g. 2001000000 -> "2.001" and 1500000000 -> "1.5".
func FormatSOL(lamports uint64) string {
	whole := lamports / LamportsPerSOL
	frac := lamports % LamportsPerSOL
	if frac == 0 {
		return strconv.FormatUint(whole, 10)
	}
	fracStr := fmt.Sprintf("%09d", frac)
	fracStr = strings.TrimRight(fracStr, "0")
	return strconv.FormatUint(whole, 10) + "." + fracStr
}
