// Package address turns free-form property addresses into queries the map
// search understands. Every function here is total: it never fails and
// returns "" for blank input.
package address

import (
	"regexp"
	"strings"
)

// LongAddressThreshold is the length above which only the first segment is kept.
const LongAddressThreshold = 80

var (
	leadingNumber = regexp.MustCompile(`^\s*(\d+[A-Za-z]?)[,\s]+([^,]+)`)
	adminNoise    = regexp.MustCompile(`(?i)\b(?:community\s+board(?:\s+\d+)?|council\s+district(?:\s+\d+)?|` +
		`school\s+district(?:\s+\d+)?|assembly\s+district(?:\s+\d+)?|congressional\s+district(?:\s+\d+)?|` +
		`census\s+tract(?:\s+[\d.]+)?|borough\s+board|ward\s+\d+)\b`)
	countrySuffix = regexp.MustCompile(`(?i),\s*(?:usa|u\.s\.a\.?|united\s+states(?:\s+of\s+america)?)\s*$`)
	parenthetical = regexp.MustCompile(`\([^)]*\)`)
	whitespace    = regexp.MustCompile(`\s+`)
	commaRun      = regexp.MustCompile(`\s*,[\s,]*`)
	zipCode       = regexp.MustCompile(`\b\d{5}(?:-\d{4})?\b`)
	stateCode     = regexp.MustCompile(`^[A-Z]{2}$`)
)

// Normalize produces a search-optimised address. Rules apply in order and the
// first matching rule wins.
func Normalize(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if m := leadingNumber.FindStringSubmatch(addr); m != nil {
		if street := collapse(m[2]); street != "" {
			return m[1] + " " + street
		}
	}
	if adminNoise.MatchString(addr) {
		segments := splitSegments(addr)
		if len(segments) > 2 {
			segments = segments[:2]
		}
		return collapse(strings.Join(segments, ", "))
	}
	if len(addr) > LongAddressThreshold {
		if segments := splitSegments(addr); len(segments) > 0 {
			return collapse(segments[0])
		}
	}
	return clean(addr)
}

// StreetOnly reduces an address to "<number> <street name>". Addresses without
// a leading house number fall back to their first cleaned segment.
func StreetOnly(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if m := leadingNumber.FindStringSubmatch(addr); m != nil {
		if street := collapse(m[2]); street != "" {
			return m[1] + " " + street
		}
	}
	segments := splitSegments(clean(addr))
	if len(segments) == 0 {
		return ""
	}
	return segments[0]
}

// Structured rebuilds an address as "<street>, <area> <zip>", dropping
// administrative labels and the state code.
func Structured(addr string) string {
	var segments []string
	for _, seg := range splitSegments(clean(addr)) {
		if adminNoise.MatchString(seg) {
			continue
		}
		segments = append(segments, seg)
	}
	if len(segments) == 0 {
		return ""
	}
	street := segments[0]
	if len(segments) == 1 {
		return street
	}

	zip, zipIdx := "", -1
	for i := len(segments) - 1; i >= 1; i-- {
		if z := zipCode.FindString(segments[i]); z != "" {
			zip, zipIdx = z, i
			break
		}
	}

	area := ""
	switch {
	case zipIdx > 0:
		rest := collapse(strings.Replace(segments[zipIdx], zip, "", 1))
		if rest != "" && !stateCode.MatchString(rest) {
			area = rest
		} else if zipIdx > 1 {
			area = segments[zipIdx-1]
		}
	default:
		last := segments[len(segments)-1]
		if stateCode.MatchString(last) && len(segments) > 2 {
			last = segments[len(segments)-2]
		}
		if !stateCode.MatchString(last) {
			area = last
		}
	}

	out := street
	if tail := collapse(area + " " + zip); tail != "" {
		out += ", " + tail
	}
	return out
}

func clean(addr string) string {
	addr = parenthetical.ReplaceAllString(addr, " ")
	addr = countrySuffix.ReplaceAllString(addr, "")
	addr = adminNoise.ReplaceAllString(addr, " ")
	addr = collapse(addr)
	addr = commaRun.ReplaceAllString(addr, ", ")
	return strings.Trim(addr, " ,")
}

func collapse(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

func splitSegments(addr string) []string {
	parts := strings.Split(addr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = collapse(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
