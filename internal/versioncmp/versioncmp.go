// Package versioncmp implements the engine's numeric-aware dotted version
// comparator (spec §4.3/§8), generalizing the teacher's strict x.y.z
// IsNewerVersion gate to ragged segment counts and pre-release suffixes.
package versioncmp

import (
	"strconv"
	"strings"
)

// Compare returns -1, 0, or 1 as a compares to b:
//   - split on ".", compare segment-by-segment
//   - a segment that parses as an integer ranks by integer value, otherwise
//     lexicographically
//   - missing trailing segments are treated as zero ("1.2" == "1.2.0")
//   - a pre-release suffix ("-alpha", "-beta.N", "-rc.N") ranks lower than
//     the same dotted prefix without one, and pre-release suffixes compare
//     against each other the same way as the main segments
func Compare(a, b string) int {
	aCore, aPre, aHasPre := splitPrerelease(a)
	bCore, bPre, bHasPre := splitPrerelease(b)

	if c := compareSegments(aCore, bCore); c != 0 {
		return c
	}

	switch {
	case aHasPre && !bHasPre:
		return -1
	case !aHasPre && bHasPre:
		return 1
	case !aHasPre && !bHasPre:
		return 0
	default:
		return compareSegments(aPre, bPre)
	}
}

// IsNewer reports whether available is strictly greater than installed,
// per spec §4.3's candidate-admission invariant.
func IsNewer(available, installed string) bool {
	return Compare(available, installed) > 0
}

func splitPrerelease(v string) (core string, pre string, hasPre bool) {
	if i := strings.Index(v, "-"); i >= 0 {
		return v[:i], v[i+1:], true
	}
	return v, "", false
}

func compareSegments(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		var sa, sb string
		if i < len(as) {
			sa = as[i]
		}
		if i < len(bs) {
			sb = bs[i]
		}
		if c := compareSegment(sa, sb); c != 0 {
			return c
		}
	}
	return 0
}

// compareSegment compares one "." segment, treating a missing segment as
// the integer zero and preferring numeric comparison when both sides parse
// as integers.
func compareSegment(a, b string) int {
	if a == "" {
		a = "0"
	}
	if b == "" {
		b = "0"
	}
	if a == b {
		return 0
	}
	an, aErr := strconv.Atoi(a)
	bn, bErr := strconv.Atoi(b)
	if aErr == nil && bErr == nil {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	}
	if a < b {
		return -1
	}
	return 1
}
