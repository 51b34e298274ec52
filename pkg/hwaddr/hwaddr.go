// Package hwaddr normalizes and validates wireless hardware addresses
package hwaddr

import (
	"fmt"
	"strings"
)

const (
	broadcast = "FF:FF:FF:FF:FF:FF"
	null      = "00:00:00:00:00:00"
)

// Normalize converts a hardware address into the canonical colon-delimited
// uppercase hex form. Accepted inputs are colon/dash separated octets or a
// bare 12-digit hex string.
func Normalize(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, "-", ":")

	var hex string
	if strings.Contains(s, ":") {
		parts := strings.Split(s, ":")
		if len(parts) != 6 {
			return "", fmt.Errorf("hwaddr: expected 6 octets in %q", raw)
		}
		for _, p := range parts {
			if len(p) != 2 {
				return "", fmt.Errorf("hwaddr: malformed octet %q in %q", p, raw)
			}
			hex += p
		}
	} else {
		hex = s
	}

	if len(hex) != 12 {
		return "", fmt.Errorf("hwaddr: expected 12 hex digits in %q", raw)
	}
	for _, c := range hex {
		if !isHexDigit(c) {
			return "", fmt.Errorf("hwaddr: non-hex character %q in %q", c, raw)
		}
	}

	out := make([]string, 6)
	for i := 0; i < 6; i++ {
		out[i] = hex[i*2 : i*2+2]
	}
	return strings.Join(out, ":"), nil
}

// Usable reports whether a normalized address may be sent to the cache or
// a geolocation provider. Only structurally broken, broadcast and null
// addresses are rejected; locally-administered addresses are real access
// points in the field and stay eligible.
func Usable(normalized string) bool {
	if len(normalized) != 17 || strings.Count(normalized, ":") != 5 {
		return false
	}
	if normalized == broadcast || normalized == null {
		return false
	}
	for i, c := range normalized {
		if (i+1)%3 == 0 {
			if c != ':' {
				return false
			}
			continue
		}
		if hexVal(c) < 0 {
			return false
		}
	}
	return true
}

func isHexDigit(c rune) bool {
	return (c >= '0' && c <= '9') || (c >= 'A' && c <= 'F')
}

func hexVal(c rune) int {
	switch {
	case c >= '0' && c <= '9':
		return int(c - '0')
	case c >= 'A' && c <= 'F':
		return int(c-'A') + 10
	default:
		return -1
	}
}
