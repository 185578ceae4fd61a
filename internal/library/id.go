package library

import (
	"fmt"
	"strings"

	"github.com/spf13/cast"
)

// ParseID parses a novel or chapter id written in plain decimal. Leading
// zeros are ignored; signs, hex and octal forms are rejected.
func ParseID(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("invalid id %q", s)
	}

	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid id %q", s)
		}
	}

	digits := strings.TrimLeft(s, "0")
	if digits == "" {
		return 0, fmt.Errorf("invalid id %q", s)
	}

	id, err := cast.ToInt64E(digits)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}

	return id, nil
}
