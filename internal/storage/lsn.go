package storage

import (
	"strconv"
	"strings"
)

// CompareLSN orders two source positions. Postgres-style "X/Y" hex positions
// compare numerically; anything else falls back to byte order, so adapters
// using their own encodings must keep them lexicographically increasing.
// An empty LSN sorts before everything.
func CompareLSN(a, b string) int {
	if a == b {
		return 0
	}
	if a == "" {
		return -1
	}
	if b == "" {
		return 1
	}
	av, aok := parsePgLSN(a)
	bv, bok := parsePgLSN(b)
	if aok && bok {
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}

func parsePgLSN(s string) (uint64, bool) {
	slash := strings.IndexByte(s, '/')
	if slash < 0 {
		return 0, false
	}
	hi, err := strconv.ParseUint(s[:slash], 16, 32)
	if err != nil {
		return 0, false
	}
	lo, err := strconv.ParseUint(s[slash+1:], 16, 32)
	if err != nil {
		return 0, false
	}
	return hi<<32 | lo, true
}
