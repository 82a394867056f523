package abi

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/wippyai/pybridge/errors"
)

// Version is an interpreter release number.
type Version struct {
	Major int
	Minor int
	Micro int
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Micro)
}

// Less reports whether v sorts before o, ignoring micro releases.
func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	return v.Minor < o.Minor
}

// ParseVersion accepts the forms returned by Py_GetVersion and sys.version:
// "3.12.4", "3.12", "3.13.0rc1", "3.12.4 (main, Jun  6 2024, 18:26:44) [GCC 11.4.0]".
func ParseVersion(s string) (Version, error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return Version{}, errors.InvalidInput(errors.PhaseDescribe, "empty interpreter version")
	}

	parts := strings.SplitN(s, ".", 3)
	if len(parts) < 2 {
		return Version{}, errors.InvalidInput(errors.PhaseDescribe, fmt.Sprintf("malformed interpreter version %q", s))
	}

	var nums [3]int
	for i, p := range parts {
		digits := leadingDigits(p)
		if digits == "" {
			return Version{}, errors.InvalidInput(errors.PhaseDescribe, fmt.Sprintf("malformed interpreter version %q", s))
		}
		n, err := strconv.Atoi(digits)
		if err != nil {
			return Version{}, errors.Wrap(errors.PhaseDescribe, errors.KindInvalidInput, err, "parse interpreter version")
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Micro: nums[2]}, nil
}

func leadingDigits(s string) string {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	return s[:end]
}

// VersionFromHex decodes PY_VERSION_HEX / sys.hexversion.
func VersionFromHex(h uint32) Version {
	return Version{
		Major: int(h >> 24 & 0xff),
		Minor: int(h >> 16 & 0xff),
		Micro: int(h >> 8 & 0xff),
	}
}
