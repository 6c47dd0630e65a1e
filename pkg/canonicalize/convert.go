package canonicalize

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMalformedInput is the root of every conversion failure. Callers
	// must not retry an operation that failed with it.
	ErrMalformedInput  = errors.New("canonicalize: malformed input")
	ErrCycle           = fmt.Errorf("%w: cyclic structure", ErrMalformedInput)
	ErrMaxDepth        = fmt.Errorf("%w: nesting exceeds maximum depth", ErrMalformedInput)
	ErrUnsupportedType = fmt.Errorf("%w: unsupported type", ErrMalformedInput)
)

// DefaultMaxDepth bounds nesting of converted values.
const DefaultMaxDepth = 512

var (
	timeType      = reflect.TypeOf(time.Time{})
	valueType     = reflect.TypeOf(Value{})
	undefinedType = reflect.TypeOf(undefinedMarker{})
	numberType    = reflect.TypeOf(json.Number(""))
	marshalerType = reflect.TypeOf((*json.Marshaler)(nil)).Elem()
)

// FromGo converts arbitrary Go data into a Value.
func FromGo(v any) (Value, error) {
	return fromGo(v, DefaultMaxDepth)
}

func fromGo(v any, maxDepth int) (Value, error) {
	c := &converter{maxDepth: maxDepth, visiting: make(map[visitKey]struct{})}
	return c.convert(reflect.ValueOf(v), 0, "$")
}

// Parse decodes JSON text into a Value, keeping numbers exact until they are
// rendered.
func Parse(raw []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return Value{}, fmt.Errorf("%w: invalid json: %v", ErrMalformedInput, err)
	}
	if dec.More() {
		return Value{}, fmt.Errorf("%w: trailing data after json value", ErrMalformedInput)
	}
	return FromGo(generic)
}

type visitKey struct {
	ptr uintptr
	typ reflect.Type
	len int
}

type converter struct {
	maxDepth int
	visiting map[visitKey]struct{}
}

func (c *converter) convert(rv reflect.Value, depth int, path string) (Value, error) {
	if depth > c.maxDepth {
		return Value{}, fmt.Errorf("%w at %s (limit %d)", ErrMaxDepth, path, c.maxDepth)
	}
	if !rv.IsValid() {
		return Null(), nil
	}

	if !rv.CanInterface() && needsInterface(rv.Type()) {
		return Value{}, fmt.Errorf("%w %s reached through an unexported field at %s", ErrUnsupportedType, rv.Type(), path)
	}

	switch rv.Type() {
	case valueType:
		return rv.Interface().(Value), nil
	case undefinedType:
		return UndefinedValue(), nil
	case timeType:
		return Timestamp(rv.Interface().(time.Time)), nil
	case numberType:
		return parseNumber(rv.String(), path)
	}

	if rv.Kind() != reflect.Pointer && rv.Kind() != reflect.Interface && rv.Type().Implements(marshalerType) {
		return c.fromMarshaler(rv, depth, path)
	}

	switch rv.Kind() {
	case reflect.Interface:
		if rv.IsNil() {
			return Null(), nil
		}
		return c.convert(rv.Elem(), depth, path)
	case reflect.Pointer:
		if rv.IsNil() {
			return Null(), nil
		}
		if rv.Type().Implements(marshalerType) && rv.Elem().Type() != timeType {
			return c.fromMarshaler(rv, depth, path)
		}
		leave, err := c.enter(rv, path)
		if err != nil {
			return Value{}, err
		}
		defer leave()
		return c.convert(rv.Elem(), depth+1, path)
	case reflect.Bool:
		return Bool(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Number(float64(rv.Int())), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return Number(float64(rv.Uint())), nil
	case reflect.Float32, reflect.Float64:
		return Number(rv.Float()), nil
	case reflect.String:
		return String(rv.String()), nil
	case reflect.Slice:
		if rv.IsNil() {
			return Null(), nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return String(base64.StdEncoding.EncodeToString(rv.Bytes())), nil
		}
		leave, err := c.enter(rv, path)
		if err != nil {
			return Value{}, err
		}
		defer leave()
		return c.fromList(rv, depth, path)
	case reflect.Array:
		return c.fromList(rv, depth, path)
	case reflect.Map:
		if rv.IsNil() {
			return Null(), nil
		}
		leave, err := c.enter(rv, path)
		if err != nil {
			return Value{}, err
		}
		defer leave()
		return c.fromMap(rv, depth, path)
	case reflect.Struct:
		return c.fromStruct(rv, depth, path)
	default:
		return Value{}, fmt.Errorf("%w %s at %s", ErrUnsupportedType, rv.Type(), path)
	}
}

func needsInterface(t reflect.Type) bool {
	switch t {
	case valueType, timeType:
		return true
	}
	return t.Implements(marshalerType)
}

// enter records rv as being on the current path and fails when it already
// is, which is exactly the condition for a cycle.
func (c *converter) enter(rv reflect.Value, path string) (func(), error) {
	key := visitKey{ptr: rv.Pointer(), typ: rv.Type()}
	if rv.Kind() == reflect.Slice {
		key.len = rv.Len()
	}
	if _, ok := c.visiting[key]; ok {
		return nil, fmt.Errorf("%w at %s", ErrCycle, path)
	}
	c.visiting[key] = struct{}{}
	return func() { delete(c.visiting, key) }, nil
}

func (c *converter) fromList(rv reflect.Value, depth int, path string) (Value, error) {
	items := make([]Value, rv.Len())
	for i := range items {
		item, err := c.convert(rv.Index(i), depth+1, path+"["+strconv.Itoa(i)+"]")
		if err != nil {
			return Value{}, err
		}
		items[i] = item
	}
	return Array(items...), nil
}

func (c *converter) fromMap(rv reflect.Value, depth int, path string) (Value, error) {
	members := make([]Member, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		key, err := mapKey(iter.Key(), path)
		if err != nil {
			return Value{}, err
		}
		val, err := c.convert(iter.Value(), depth+1, path+"."+key)
		if err != nil {
			return Value{}, err
		}
		members = append(members, Member{Key: key, Value: val})
	}
	return Object(members...), nil
}

func mapKey(k reflect.Value, path string) (string, error) {
	switch k.Kind() {
	case reflect.String:
		return k.String(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(k.Int(), 10), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(k.Uint(), 10), nil
	default:
		return "", fmt.Errorf("%w: map key %s at %s", ErrUnsupportedType, k.Type(), path)
	}
}

func (c *converter) fromStruct(rv reflect.Value, depth int, path string) (Value, error) {
	members := make([]Member, 0, rv.NumField())
	if err := c.appendFields(rv, depth, path, &members); err != nil {
		return Value{}, err
	}
	return Object(members...), nil
}

func (c *converter) appendFields(rv reflect.Value, depth int, path string, members *[]Member) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		name, omitEmpty, skip := parseTag(field)
		if skip {
			continue
		}
		fv := rv.Field(i)
		if field.Anonymous && field.Tag.Get("json") == "" {
			inner := fv
			if inner.Kind() == reflect.Pointer {
				if inner.IsNil() {
					continue
				}
				inner = inner.Elem()
			}
			if inner.Kind() == reflect.Struct {
				if err := c.appendFields(inner, depth, path, members); err != nil {
					return err
				}
				continue
			}
		}
		if !field.IsExported() {
			continue
		}
		if omitEmpty && isEmptyValue(fv) {
			continue
		}
		val, err := c.convert(fv, depth+1, path+"."+name)
		if err != nil {
			return err
		}
		*members = append(*members, Member{Key: name, Value: val})
	}
	return nil
}

func parseTag(field reflect.StructField) (name string, omitEmpty, skip bool) {
	tag := field.Tag.Get("json")
	if tag == "-" {
		return "", false, true
	}
	name = field.Name
	parts := strings.Split(tag, ",")
	if parts[0] != "" {
		name = parts[0]
	}
	for _, opt := range parts[1:] {
		if opt == "omitempty" || opt == "omitzero" {
			omitEmpty = true
		}
	}
	return name, omitEmpty, false
}

func isEmptyValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Array, reflect.Map, reflect.Slice, reflect.String:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return v.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return v.Float() == 0
	case reflect.Interface, reflect.Pointer:
		return v.IsNil()
	case reflect.Struct:
		if v.Type() == timeType && v.CanInterface() {
			return v.Interface().(time.Time).IsZero()
		}
	}
	return false
}

func (c *converter) fromMarshaler(rv reflect.Value, depth int, path string) (Value, error) {
	raw, err := rv.Interface().(json.Marshaler).MarshalJSON()
	if err != nil {
		return Value{}, fmt.Errorf("%w: %s.MarshalJSON at %s: %v", ErrMalformedInput, rv.Type(), path, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return Value{}, fmt.Errorf("%w: %s produced invalid json at %s: %v", ErrMalformedInput, rv.Type(), path, err)
	}
	return c.convert(reflect.ValueOf(generic), depth+1, path)
}

func parseNumber(s, path string) (Value, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		var numErr *strconv.NumError
		if errors.As(err, &numErr) && errors.Is(numErr.Err, strconv.ErrRange) {
			return Number(math.Copysign(math.Inf(1), f)), nil
		}
		return Value{}, fmt.Errorf("%w: invalid number %q at %s", ErrMalformedInput, s, path)
	}
	return Number(f), nil
}
