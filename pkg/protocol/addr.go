package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseAddr parses "aa:bb:cc:dd:ee:ff" (or '-' separated) into an Addr.
func ParseAddr(s string) (Addr, error) {
	var a Addr
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ':' || r == '-' })
	if len(parts) != AddrLen {
		return a, fmt.Errorf("protocol: address %q: want %d octets", s, AddrLen)
	}
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return a, fmt.Errorf("protocol: address %q: %w", s, err)
		}
		a[i] = byte(v)
	}
	return a, nil
}

// MustParseAddr is ParseAddr for tests and static configuration.
func MustParseAddr(s string) Addr {
	a, err := ParseAddr(s)
	if err != nil {
		panic(err)
	}
	return a
}
