package reading

import (
	"regexp"
	"strings"
)

// ParseErrorsField is the field that carries the count of malformed
// input lines. Parse errors degrade a reading; they never fail it.
const ParseErrorsField = "PARSE_ERRORS"

// UPSStatusKeys is the allow-list of apcupsd status fields kept in a
// UPS reading. Everything else apcaccess prints is dropped.
var UPSStatusKeys = []string{"UPSNAME", "HOSTNAME", "STATUS", "BCHARGE", "TIMELEFT", "LINEV"}

// unitSuffix matches a trailing unit phrase. The leading space is part
// of the match so that "100.0 Percent" yields "100.0" and "_PERCENT".
var unitSuffix = regexp.MustCompile(`(?i) (percent|volts|minutes|seconds)$`)

// Normalizer converts "key: value" status text into a [Reading] using a
// fixed allow-list of keys and unit canonicalization. It is stateless
// and safe for concurrent use.
type Normalizer struct {
	wanted map[string]bool
}

// NewNormalizer returns a normalizer that keeps only the named keys.
func NewNormalizer(keys ...string) *Normalizer {
	wanted := make(map[string]bool, len(keys))
	for _, k := range keys {
		wanted[k] = true
	}
	return &Normalizer{wanted: wanted}
}

// UPSStatus is the normalizer for apcaccess output.
var UPSStatus = NewNormalizer(UPSStatusKeys...)

// Normalize normalizes apcaccess output with the [UPSStatus] allow-list.
func Normalize(raw string) Reading {
	r, _ := UPSStatus.Normalize(raw)
	return r
}

// Normalize parses raw line by line. Each non-blank line must contain
// ": "; it is split on the first occurrence only. Lines without the
// separator are counted and returned as malformed. When a kept value
// ends in a recognised unit phrase the phrase is stripped from the
// value and appended to the key upper-cased, e.g.
//
//	BCHARGE  : 100.0 Percent   →   BCHARGE_PERCENT = "100.0"
//	TIMELEFT : 41.5 Minutes    →   TIMELEFT_MINUTES = "41.5"
//	STATUS   : ONLINE          →   STATUS = "ONLINE"
//
// [ParseErrorsField] is added when any line was malformed, and also
// (with a zero count) when the input held no lines at all, so an empty
// status is visibly degraded rather than silently empty.
func (n *Normalizer) Normalize(raw string) (Reading, []string) {
	var (
		r         Reading
		malformed []string
		lines     int
	)

	// Split rather than scan: a line has no length cap, so one oversized
	// line cannot truncate the rest of the input.
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimRight(line, " \t\r")
		if line == "" {
			continue
		}
		lines++

		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			malformed = append(malformed, line)
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		if !n.wanted[key] {
			continue
		}

		if loc := unitSuffix.FindStringIndex(value); loc != nil {
			unit := strings.ToUpper(strings.ReplaceAll(value[loc[0]:loc[1]], " ", "_"))
			value = value[:loc[0]]
			key += unit
		}
		r.Set(key, String(value))
	}

	if len(malformed) > 0 || lines == 0 {
		r.Set(ParseErrorsField, Int(int64(len(malformed))))
	}
	return r, malformed
}
