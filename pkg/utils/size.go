package utils

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/docker/go-units"
)

// ParseDataSize parses human-friendly data sizes like "1GB", "1.5TiB", "512M"
// and returns the size in bytes.
//
// Decimal units (KB, MB, GB, TB, PB) are 1000-based. IEC units (KiB, MiB, ...)
// and bare single letters (K, M, G, T, P) are 1024-based. Plain numbers are bytes.
func ParseDataSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(sizeStr)
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}

	var (
		size int64
		err  error
	)
	if isBinaryUnit(sizeStr) {
		size, err = units.RAMInBytes(sizeStr)
	} else {
		size, err = units.FromHumanSize(sizeStr)
	}
	if err != nil {
		return 0, fmt.Errorf("invalid size format: %s (expected format like '1GB', '512MiB', '1.5TB')", sizeStr)
	}
	if size < 0 {
		return 0, fmt.Errorf("size overflow or negative value")
	}
	return size, nil
}

// isBinaryUnit reports whether the unit suffix asks for 1024-based sizes.
func isBinaryUnit(s string) bool {
	unit := strings.TrimLeftFunc(s, func(r rune) bool {
		return unicode.IsDigit(r) || r == '.' || r == ' '
	})
	lower := strings.ToLower(unit)
	if strings.Contains(lower, "i") {
		return true
	}
	return len(lower) == 1 && lower != "b"
}

// FormatDataSize formats bytes into a 1024-based human-readable string.
func FormatDataSize(bytes int64) string {
	if bytes < 0 {
		return "invalid"
	}
	return units.BytesSize(float64(bytes))
}
