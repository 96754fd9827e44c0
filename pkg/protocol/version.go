package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Version is a protocol revision. Versions are totally ordered by major,
// then minor, then patch.
type Version struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Patch int `json:"patch"`
}

// String renders v as major.minor.patch.
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// IsZero reports whether v is unset.
func (v Version) IsZero() bool {
	return v == Version{}
}

// CompareVersions returns -1, 0 or 1 as a is older than, equal to or newer
// than b.
func CompareVersions(a, b Version) int {
	switch {
	case a.Major != b.Major:
		return sign(a.Major - b.Major)
	case a.Minor != b.Minor:
		return sign(a.Minor - b.Minor)
	default:
		return sign(a.Patch - b.Patch)
	}
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}

// Less reports whether v sorts before other.
func (v Version) Less(other Version) bool {
	return CompareVersions(v, other) < 0
}

// SameMajor reports whether v and other are wire compatible.
func (v Version) SameMajor(other Version) bool {
	return v.Major == other.Major
}

// ParseVersion accepts "1.2.3" and the date form "2024-11-05".
func ParseVersion(s string) (Version, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	sep := "."
	if strings.Count(s, "-") == 2 && !strings.Contains(s, ".") {
		sep = "-"
	}
	parts := strings.Split(s, sep)
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("invalid protocol version %q", s)
	}
	var nums [3]int
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("invalid protocol version %q", s)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// UnmarshalJSON accepts the object form as well as a version string.
func (v *Version) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := ParseVersion(s)
		if err != nil {
			return err
		}
		*v = parsed
		return nil
	}

	type plain Version
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("invalid protocol version: %w", err)
	}
	*v = Version(p)
	return nil
}
