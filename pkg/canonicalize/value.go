// Package canonicalize produces the deterministic textual form of evidence
// values that every fingerprint in promoverify is computed over.
//
// Inputs are converted into a closed set of variants (Value) before being
// rendered, so undefined handling, timestamp normalisation and cycle
// detection are decided once, during conversion, rather than while writing.
package canonicalize

import (
	"sort"
	"time"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindUndefined
	KindBool
	KindNumber
	KindString
	KindTimestamp
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindUndefined:
		return "undefined"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindTimestamp:
		return "timestamp"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "invalid"
	}
}

// Value is an immutable tagged variant over the evidence data model.
// The zero Value is null.
type Value struct {
	kind    Kind
	boolean bool
	number  float64
	str     string
	ts      time.Time
	items   []Value
	members []Member
}

// Member is a single object entry.
type Member struct {
	Key   string
	Value Value
}

// undefinedMarker is the type of Undefined.
type undefinedMarker struct{}

// Undefined can be placed in maps and slices handed to FromGo to mark an
// entry as explicitly undefined, as opposed to null.
var Undefined = undefinedMarker{}

func Null() Value { return Value{kind: KindNull} }
func UndefinedValue() Value { return Value{kind: KindUndefined} }
func Bool(b bool) Value { return Value{kind: KindBool, boolean: b} }
func Number(f float64) Value { return Value{kind: KindNumber, number: f} }
func String(s string) Value { return Value{kind: KindString, str: s} }
func Array(items ...Value) Value { return Value{kind: KindArray, items: items} }

// Timestamp returns a timestamp variant. The instant is kept as given;
// rendering normalises it to UTC with millisecond precision.
func Timestamp(t time.Time) Value { return Value{kind: KindTimestamp, ts: t} }

// Object returns an object variant. Duplicate keys keep the last entry.
func Object(members ...Member) Value {
	seen := make(map[string]int, len(members))
	out := make([]Member, 0, len(members))
	for _, m := range members {
		if i, ok := seen[m.Key]; ok {
			out[i] = m
			continue
		}
		seen[m.Key] = len(out)
		out = append(out, m)
	}
	return Value{kind: KindObject, members: out}
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) AsBool() bool { return v.boolean }
func (v Value) AsNumber() float64 { return v.number }
func (v Value) AsString() string { return v.str }
func (v Value) AsTime() time.Time { return v.ts }
func (v Value) Items() []Value { return v.items }
func (v Value) Members() []Member { return v.members }
func (v Value) IsUndefined() bool { return v.kind == KindUndefined }

// Get returns the member value for key in an object.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindObject {
		return Value{}, false
	}
	for _, m := range v.members {
		if m.Key == key {
			return m.Value, true
		}
	}
	return Value{}, false
}

// sortedMembers returns a copy of the members ordered by key (UTF-16 code
// unit order, which matches byte order for the BMP and keeps parity with
// ECMAScript implementations of the same canonical form).
func sortedMembers(members []Member) []Member {
	out := make([]Member, len(members))
	copy(out, members)
	sort.SliceStable(out, func(i, j int) bool {
		return lessUTF16(out[i].Key, out[j].Key)
	})
	return out
}

func lessUTF16(a, b string) bool {
	ua, ub := utf16Units(a), utf16Units(b)
	for i := 0; i < len(ua) && i < len(ub); i++ {
		if ua[i] != ub[i] {
			return ua[i] < ub[i]
		}
	}
	return len(ua) < len(ub)
}

func utf16Units(s string) []uint16 {
	out := make([]uint16, 0, len(s))
	for _, r := range s {
		if r >= 0x10000 {
			r -= 0x10000
			out = append(out, uint16(0xD800+(r>>10)), uint16(0xDC00+(r&0x3FF)))
			continue
		}
		out = append(out, uint16(r))
	}
	return out
}

// ToGo converts a Value back into plain Go data (map[string]any, []any,
// float64, string, bool, nil). Timestamps become their canonical string.
// Undefined entries are dropped.
func (v Value) ToGo() any {
	switch v.kind {
	case KindBool:
		return v.boolean
	case KindNumber:
		return v.number
	case KindString:
		return v.str
	case KindTimestamp:
		return FormatTimestamp(v.ts)
	case KindArray:
		out := make([]any, 0, len(v.items))
		for _, it := range v.items {
			if it.kind == KindUndefined {
				continue
			}
			out = append(out, it.ToGo())
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.members))
		for _, m := range v.members {
			if m.Value.kind == KindUndefined {
				continue
			}
			out[m.Key] = m.Value.ToGo()
		}
		return out
	default:
		return nil
	}
}
