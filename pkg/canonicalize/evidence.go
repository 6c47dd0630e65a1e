package canonicalize

import (
	"strings"
	"time"
)

// timestampKeyFragments mark a key as timestamp-like when contained in its
// lower-cased form.
var timestampKeyFragments = []string{
	"time",
	"date",
	"timestamp",
	"created",
	"updated",
	"modified",
	"occurred",
}

// isoLayouts are the ISO-8601 shapes accepted for timestamp-like fields.
// Values without a zone are read as UTC.
var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02",
}

// IsTimestampKey reports whether a key name looks like it holds a timestamp.
func IsTimestampKey(key string) bool {
	if strings.HasSuffix(key, "At") || strings.HasSuffix(key, "_at") {
		return true
	}
	lower := strings.ToLower(key)
	for _, frag := range timestampKeyFragments {
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}

// ParseISOTimestamp parses s as one of the accepted ISO-8601 shapes.
func ParseISOTimestamp(s string) (time.Time, bool) {
	// Cheap shape check before trying layouts: YYYY-MM-DD prefix.
	if len(s) < 10 || s[4] != '-' || s[7] != '-' {
		return time.Time{}, false
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// NormalizeEvidence rewrites string members whose key is timestamp-like and
// whose value parses as an ISO-8601 instant into Timestamp variants, at any
// depth. Other values are returned unchanged.
func NormalizeEvidence(v Value) Value {
	switch v.kind {
	case KindArray:
		items := make([]Value, len(v.items))
		for i, it := range v.items {
			items[i] = NormalizeEvidence(it)
		}
		return Array(items...)
	case KindObject:
		members := make([]Member, len(v.members))
		for i, m := range v.members {
			val := m.Value
			if val.kind == KindString && IsTimestampKey(m.Key) {
				if t, ok := ParseISOTimestamp(val.str); ok {
					val = Timestamp(t)
				}
			} else {
				val = NormalizeEvidence(val)
			}
			members[i] = Member{Key: m.Key, Value: val}
		}
		return Value{kind: KindObject, members: members}
	default:
		return v
	}
}

// CanonicalizeEvidence renders v in canonical form after normalising
// timestamp-like fields, so that two snapshots of the same facts that differ
// only in timestamp precision or zone notation serialise identically.
func CanonicalizeEvidence(v any) (string, error) {
	val, err := FromGo(v)
	if err != nil {
		return "", err
	}
	return Render(NormalizeEvidence(val), DefaultOptions())
}

// EvidenceValue converts and normalises v without rendering it.
func EvidenceValue(v any) (Value, error) {
	val, err := FromGo(v)
	if err != nil {
		return Value{}, err
	}
	return NormalizeEvidence(val), nil
}
