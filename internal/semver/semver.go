// Package semver implements the small subset of semantic-version comparison
// the worker-version acceptance check needs: parse, compare (pre-release
// aware), and the "one patch behind" minimum-version floor used for the
// node-version grace window. Generalized from the teacher's
// CompareVersions in its manager package, extended with pre-release
// ordering per semver.org precedence rules.
package semver

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a parsed major.minor.patch[-pre] version.
type Version struct {
	Major, Minor, Patch int
	Pre                 string
}

// Parse accepts "v1.2.3", "1.2.3", and "1.2.3-rc.1"; a leading "v" is
// stripped, matching both the teacher's tag format and this federation's own
// release tags.
func Parse(s string) (Version, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	core, pre, _ := strings.Cut(s, "-")

	parts := strings.Split(core, ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("semver: %q is not major.minor.patch", s)
	}

	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return Version{}, fmt.Errorf("semver: invalid component %q in %q: %w", p, s, err)
		}
		nums[i] = n
	}
	return Version{Major: nums[0], Minor: nums[1], Patch: nums[2], Pre: pre}, nil
}

// String renders the version back to canonical form.
func (v Version) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Pre != "" {
		s += "-" + v.Pre
	}
	return s
}

// Compare returns -1, 0, or 1 as a is less than, equal to, or greater than
// b. A pre-release version is always ordered before its release
// counterpart (1.2.3-rc.1 < 1.2.3), matching semver.org precedence.
func Compare(a, b Version) int {
	if c := compareInt(a.Major, b.Major); c != 0 {
		return c
	}
	if c := compareInt(a.Minor, b.Minor); c != 0 {
		return c
	}
	if c := compareInt(a.Patch, b.Patch); c != 0 {
		return c
	}
	switch {
	case a.Pre == "" && b.Pre == "":
		return 0
	case a.Pre == "":
		return 1
	case b.Pre == "":
		return -1
	default:
		return strings.Compare(a.Pre, b.Pre)
	}
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// GTE reports whether a >= b.
func GTE(a, b Version) bool { return Compare(a, b) >= 0 }

// MinFloor derives the "one patch behind" acceptance floor
// major.minor.(patch-1), clamped at 0, used as the lower bound a remote
// worker's version must clear during the node-version acceptance check.
func MinFloor(v Version) Version {
	patch := v.Patch - 1
	if patch < 0 {
		patch = 0
	}
	return Version{Major: v.Major, Minor: v.Minor, Patch: patch}
}
