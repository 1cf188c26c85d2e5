package flag

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrUnaligned is returned for memory sizes that are not whole MiB.
var ErrUnaligned = errors.New("memory size is not a whole number of MiB")

// ParseSize parses a size string as number[gGmMkK]. The multiplier is optional,
// and if not set, the unit passed in is used. The number can be any base and
// size.
func ParseSize(s, unit string) (int, error) {
	sz := strings.TrimRight(s, "gGmMkK")
	if len(sz) == 0 {
		return -1, fmt.Errorf("%q:can't parse as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 0)
	if err != nil {
		return -1, err
	}

	if len(s) > len(sz) {
		unit = s[len(sz):]
	}

	var shift uint

	switch unit {
	case "G", "g":
		shift = 30
	case "M", "m":
		shift = 20
	case "K", "k":
		shift = 10
	case "":
	default:
		return -1, fmt.Errorf("can not parse %q as num[gGmMkK]:%w", s, strconv.ErrSyntax)
	}

	if amt > math.MaxInt>>shift {
		return -1, fmt.Errorf("%q:size out of range:%w", s, strconv.ErrRange)
	}

	return int(amt) << shift, nil
}

// ParseMemory returns the guest RAM size in MiB. It accepts the
// size_mib=N form as well as a size with an optional unit, MiB by default.
func ParseMemory(s string) (uint64, error) {
	if v, ok := strings.CutPrefix(s, "size_mib="); ok {
		n, err := strconv.ParseUint(v, 0, 64)
		if err != nil {
			return 0, fmt.Errorf("memory %q: %w", s, err)
		}

		return n, nil
	}

	n, err := ParseSize(s, "m")
	if err != nil {
		return 0, fmt.Errorf("memory %q: %w", s, err)
	}

	if n%(1<<20) != 0 {
		return 0, fmt.Errorf("memory %q: %w", s, ErrUnaligned)
	}

	return uint64(n) >> 20, nil
}

// ParseVcpus accepts N or num=N.
func ParseVcpus(s string) (int, error) {
	v, _ := strings.CutPrefix(s, "num=")

	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("vcpus %q: %w", s, err)
	}

	return n, nil
}

// ParseAddress parses a guest physical address, in any base and with an
// optional unit.
func ParseAddress(s string) (uint64, error) {
	n, err := ParseSize(s, "")
	if err != nil {
		return 0, fmt.Errorf("address %q: %w", s, err)
	}

	return uint64(n), nil
}
