package util

import (
	"strconv"
	"strings"

	"github.com/facebookgo/stackerr"
)

// ParseSize parses human readable size strings: "4096", "64k", "16m", "1g".
func ParseSize(s string) (int64, error) {
	if s == "" {
		return 0, stackerr.New("empty size")
	}
	mult := int64(1)
	switch s[len(s)-1] {
	case 'k', 'K':
		mult = 1 << 10
	case 'm', 'M':
		mult = 1 << 20
	case 'g', 'G':
		mult = 1 << 30
	}
	if mult != 1 {
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, stackerr.Wrap(err)
	}
	if n < 0 {
		return 0, stackerr.Newf("negative size %v", n)
	}
	return n * mult, nil
}
