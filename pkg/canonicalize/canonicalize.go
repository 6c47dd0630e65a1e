package canonicalize

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// UndefinedBehavior controls how explicitly undefined entries are rendered.
type UndefinedBehavior string

const (
	UndefinedOmit     UndefinedBehavior = "omit"
	UndefinedNull     UndefinedBehavior = "null"
	UndefinedPreserve UndefinedBehavior = "preserve"
)

// Sentinels for numbers that have no portable JSON literal.
const (
	SentinelNaN         = "NaN"
	SentinelPosInfinity = "Infinity"
	SentinelNegInfinity = "-Infinity"
)

// TimestampLayout is the single timestamp representation of the canonical form.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Options tunes rendering. Hashes are only comparable between values
// rendered with identical options; evidence always uses DefaultOptions.
type Options struct {
	SortKeys  bool
	Compact   bool
	Undefined UndefinedBehavior
	// NormalizeUnicode applies NFC to strings and keys before rendering.
	NormalizeUnicode bool
	// MaxDepth bounds nesting; zero means DefaultMaxDepth.
	MaxDepth int
}

// DefaultOptions returns the options used for evidence.
func DefaultOptions() Options {
	return Options{
		SortKeys:  true,
		Compact:   true,
		Undefined: UndefinedOmit,
		MaxDepth:  DefaultMaxDepth,
	}
}

// Canonicalize renders v in canonical form using DefaultOptions.
func Canonicalize(v any) (string, error) {
	return CanonicalizeWith(v, DefaultOptions())
}

// CanonicalizeWith renders v in canonical form.
func CanonicalizeWith(v any, opts Options) (string, error) {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.Undefined == "" {
		opts.Undefined = UndefinedOmit
	}
	val, err := fromGo(v, opts.MaxDepth)
	if err != nil {
		return "", err
	}
	return Render(val, opts)
}

// Render writes an already converted Value.
func Render(v Value, opts Options) (string, error) {
	if opts.Undefined == "" {
		opts.Undefined = UndefinedOmit
	}
	w := &writer{opts: opts}
	if v.kind == KindUndefined && opts.Undefined == UndefinedOmit {
		// A bare undefined has nothing to omit from; it renders as null.
		v = Null()
	}
	if err := w.value(v, 0); err != nil {
		return "", err
	}
	return w.sb.String(), nil
}

// FormatTimestamp renders t in the canonical timestamp representation.
// Sub-millisecond precision is truncated, matching ECMAScript Date.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Truncate(time.Millisecond).Format(TimestampLayout)
}

type writer struct {
	sb   strings.Builder
	opts Options
}

func (w *writer) value(v Value, indent int) error {
	switch v.kind {
	case KindNull:
		w.sb.WriteString("null")
	case KindUndefined:
		switch w.opts.Undefined {
		case UndefinedPreserve:
			w.sb.WriteString("undefined")
		default:
			w.sb.WriteString("null")
		}
	case KindBool:
		if v.boolean {
			w.sb.WriteString("true")
		} else {
			w.sb.WriteString("false")
		}
	case KindNumber:
		return w.number(v.number)
	case KindString:
		w.str(v.str)
	case KindTimestamp:
		w.str(FormatTimestamp(v.ts))
	case KindArray:
		return w.array(v.items, indent)
	case KindObject:
		return w.object(v.members, indent)
	default:
		return fmt.Errorf("%w: unknown value kind %d", ErrMalformedInput, v.kind)
	}
	return nil
}

func (w *writer) number(f float64) error {
	switch {
	case math.IsNaN(f):
		w.str(SentinelNaN)
		return nil
	case math.IsInf(f, 1):
		w.str(SentinelPosInfinity)
		return nil
	case math.IsInf(f, -1):
		w.str(SentinelNegInfinity)
		return nil
	}
	s, err := jcs.NumberToJSON(f)
	if err != nil {
		return fmt.Errorf("%w: number %v: %v", ErrMalformedInput, f, err)
	}
	w.sb.WriteString(s)
	return nil
}

func (w *writer) array(items []Value, indent int) error {
	kept := items[:0:0]
	for _, it := range items {
		if it.kind == KindUndefined && w.opts.Undefined == UndefinedOmit {
			continue
		}
		kept = append(kept, it)
	}
	if len(kept) == 0 {
		w.sb.WriteString("[]")
		return nil
	}
	w.sb.WriteByte('[')
	for i, it := range kept {
		if i > 0 {
			w.sb.WriteByte(',')
		}
		w.newline(indent + 1)
		if err := w.value(it, indent+1); err != nil {
			return err
		}
	}
	w.newline(indent)
	w.sb.WriteByte(']')
	return nil
}

func (w *writer) object(members []Member, indent int) error {
	if w.opts.NormalizeUnicode {
		normalized := make([]Member, len(members))
		for i, m := range members {
			normalized[i] = Member{Key: norm.NFC.String(m.Key), Value: m.Value}
		}
		members = Object(normalized...).members
	}
	if w.opts.SortKeys {
		members = sortedMembers(members)
	}
	kept := members[:0:0]
	for _, m := range members {
		if m.Value.kind == KindUndefined && w.opts.Undefined == UndefinedOmit {
			continue
		}
		kept = append(kept, m)
	}
	if len(kept) == 0 {
		w.sb.WriteString("{}")
		return nil
	}
	w.sb.WriteByte('{')
	for i, m := range kept {
		if i > 0 {
			w.sb.WriteByte(',')
		}
		w.newline(indent + 1)
		w.str(m.Key)
		w.sb.WriteByte(':')
		if !w.opts.Compact {
			w.sb.WriteByte(' ')
		}
		if err := w.value(m.Value, indent+1); err != nil {
			return err
		}
	}
	w.newline(indent)
	w.sb.WriteByte('}')
	return nil
}

func (w *writer) newline(indent int) {
	if w.opts.Compact {
		return
	}
	w.sb.WriteByte('\n')
	for i := 0; i < indent; i++ {
		w.sb.WriteString("  ")
	}
}

const hexDigits = "0123456789abcdef"

// str writes s with the escaping of ECMAScript JSON.stringify: quote,
// backslash and control characters are escaped, everything else (including
// '<', '>', '&', U+2028 and U+2029) is written verbatim. Invalid UTF-8 is
// replaced by U+FFFD.
func (w *writer) str(s string) {
	if w.opts.NormalizeUnicode {
		s = norm.NFC.String(s)
	}
	w.sb.WriteByte('"')
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		i += size
		switch r {
		case '"':
			w.sb.WriteString(`\"`)
		case '\\':
			w.sb.WriteString(`\\`)
		case '\b':
			w.sb.WriteString(`\b`)
		case '\f':
			w.sb.WriteString(`\f`)
		case '\n':
			w.sb.WriteString(`\n`)
		case '\r':
			w.sb.WriteString(`\r`)
		case '\t':
			w.sb.WriteString(`\t`)
		default:
			if r < 0x20 {
				w.sb.WriteString(`\u00`)
				w.sb.WriteByte(hexDigits[r>>4])
				w.sb.WriteByte(hexDigits[r&0xF])
				continue
			}
			w.sb.WriteRune(r)
		}
	}
	w.sb.WriteByte('"')
}
