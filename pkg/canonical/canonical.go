// Package canonical implements the wire codec for values exchanged over the
// control channels: the parent-child process channel and the realtime
// transport's rpc topic.
//
// The codec is JSON with tagged wrappers for types plain JSON cannot carry:
// timestamps, big integers, raw byte buffers, sets, maps with non-string
// keys, errors, URLs, and regular expressions. Encoding a value the codec
// cannot represent fails with a Validation error at the send site — never
// silent coercion.
//
// A round trip through Marshal and Unmarshal preserves these types exactly:
//
//	data, _ := canonical.Marshal(map[string]any{"at": time.Now()})
//	var out map[string]any
//	_ = canonical.Unmarshal(data, &out)   // out["at"] is a time.Time again
package canonical

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"net/url"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/lifert/life/pkg/lifeerr"
)

// Tag keys. A JSON object whose single key is one of these is a wrapped
// rich value; everything else is a plain map.
const (
	tagDate   = "$date"
	tagBigInt = "$bigint"
	tagBytes  = "$bytes"
	tagURL    = "$url"
	tagRegexp = "$regexp"
	tagError  = "$error"
	tagSet    = "$set"
	tagMap    = "$map"
)

// Set is an unordered collection with set semantics on the wire. Peers that
// natively support sets decode the $set tag into their own set type; in Go a
// Set is a slice whose element order is not significant.
type Set []any

// Marshal encodes v into its canonical wire form. It returns a Validation
// error for values the codec cannot represent (functions, channels, complex
// numbers, NaN or infinite floats).
func Marshal(v any) ([]byte, error) {
	tree, err := encode(reflect.ValueOf(v))
	if err != nil {
		return nil, err
	}
	return json.Marshal(tree)
}

// Unmarshal decodes canonical wire data into out, which must be a non-nil
// pointer. Pass a *any to receive the generic tree (maps, slices, and
// restored rich values), or a pointer to a struct, slice, or map to decode
// into a typed value. Struct fields follow their json tags.
func Unmarshal(data []byte, out any) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return lifeerr.Wrap(lifeerr.Validation, err)
	}
	tree, err := restore(raw)
	if err != nil {
		return err
	}
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return lifeerr.New(lifeerr.Validation, "canonical: Unmarshal target must be a non-nil pointer")
	}
	return assign(rv.Elem(), tree)
}

// ---- encoding ----

var (
	timeType   = reflect.TypeOf(time.Time{})
	bigIntType = reflect.TypeOf(big.Int{})
	urlType    = reflect.TypeOf(url.URL{})
	regexpType = reflect.TypeOf(regexp.Regexp{})
	errorType  = reflect.TypeOf((*error)(nil)).Elem()
	setType    = reflect.TypeOf(Set(nil))
)

func encode(v reflect.Value) (any, error) {
	if !v.IsValid() {
		return nil, nil
	}

	// Rich types first, before the generic kind switch.
	switch v.Type() {
	case timeType:
		t := v.Interface().(time.Time)
		return map[string]any{tagDate: t.UTC().Format(time.RFC3339Nano)}, nil
	case bigIntType:
		n := v.Interface().(big.Int)
		return map[string]any{tagBigInt: n.String()}, nil
	case urlType:
		u := v.Interface().(url.URL)
		return map[string]any{tagURL: u.String()}, nil
	case regexpType:
		re := v.Interface().(regexp.Regexp)
		return map[string]any{tagRegexp: re.String()}, nil
	case setType:
		items := make([]any, v.Len())
		for i := 0; i < v.Len(); i++ {
			enc, err := encode(v.Index(i).Elem())
			if err != nil {
				return nil, err
			}
			items[i] = enc
		}
		return map[string]any{tagSet: items}, nil
	}

	if v.Type().Implements(errorType) && v.Kind() != reflect.Interface {
		return encodeError(v.Interface().(error)), nil
	}

	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return nil, nil
		}
		return encode(v.Elem())

	case reflect.Bool:
		return v.Bool(), nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint(), nil

	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, lifeerr.New(lifeerr.Validation, "canonical: cannot encode NaN or infinite float")
		}
		return f, nil

	case reflect.String:
		return v.String(), nil

	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.Type().Elem().Kind() == reflect.Uint8 {
			return map[string]any{tagBytes: base64.StdEncoding.EncodeToString(v.Bytes())}, nil
		}
		items := make([]any, v.Len())
		for i := 0; i < v.Len(); i++ {
			enc, err := encode(v.Index(i))
			if err != nil {
				return nil, err
			}
			items[i] = enc
		}
		return items, nil

	case reflect.Map:
		return encodeMap(v)

	case reflect.Struct:
		return encodeStruct(v)

	default:
		return nil, lifeerr.Newf(lifeerr.Validation, "canonical: cannot encode %s", v.Kind())
	}
}

func encodeError(err error) map[string]any {
	e := lifeerr.From(err)
	inner := map[string]any{
		"code":    string(e.Code),
		"message": e.Message,
	}
	if e.Public {
		inner["public"] = true
	}
	if e.Cause != nil {
		inner["cause"] = e.Cause.Error()
	}
	return map[string]any{tagError: inner}
}

// encodeMap emits a plain JSON object for string-keyed maps. Maps with
// non-string keys, or whose string keys collide with the tag namespace, use
// the $map pair encoding so nothing is coerced or shadowed.
func encodeMap(v reflect.Value) (any, error) {
	plain := v.Type().Key().Kind() == reflect.String
	if plain {
		for _, k := range v.MapKeys() {
			if strings.HasPrefix(k.String(), "$") {
				plain = false
				break
			}
		}
	}

	if plain {
		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			enc, err := encode(iter.Value())
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = enc
		}
		return out, nil
	}

	pairs := make([]any, 0, v.Len())
	iter := v.MapRange()
	for iter.Next() {
		k, err := encode(iter.Key())
		if err != nil {
			return nil, err
		}
		val, err := encode(iter.Value())
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, []any{k, val})
	}
	return map[string]any{tagMap: pairs}, nil
}

func encodeStruct(v reflect.Value) (any, error) {
	t := v.Type()
	out := make(map[string]any, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, omitempty := fieldName(f)
		if name == "-" {
			continue
		}
		fv := v.Field(i)
		if omitempty && fv.IsZero() {
			continue
		}
		enc, err := encode(fv)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f.Name, err)
		}
		out[name] = enc
	}
	return out, nil
}

func fieldName(f reflect.StructField) (name string, omitempty bool) {
	tag := f.Tag.Get("json")
	if tag == "" {
		return f.Name, false
	}
	parts := strings.Split(tag, ",")
	name = parts[0]
	if name == "" {
		name = f.Name
	}
	for _, p := range parts[1:] {
		if p == "omitempty" {
			omitempty = true
		}
	}
	return name, omitempty
}

// ---- restoring tagged values ----

// restore walks a freshly-unmarshalled JSON tree and replaces tagged
// wrappers with their rich Go values.
func restore(raw any) (any, error) {
	switch val := raw.(type) {
	case map[string]any:
		if len(val) == 1 {
			for tag, inner := range val {
				if strings.HasPrefix(tag, "$") {
					return restoreTagged(tag, inner)
				}
			}
		}
		out := make(map[string]any, len(val))
		for k, v := range val {
			r, err := restore(v)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil

	case []any:
		out := make([]any, len(val))
		for i, v := range val {
			r, err := restore(v)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil

	default:
		return raw, nil
	}
}

func restoreTagged(tag string, inner any) (any, error) {
	switch tag {
	case tagDate:
		s, ok := inner.(string)
		if !ok {
			return nil, lifeerr.New(lifeerr.Validation, "canonical: $date value must be a string")
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, lifeerr.Wrap(lifeerr.Validation, err)
		}
		return t, nil

	case tagBigInt:
		s, ok := inner.(string)
		if !ok {
			return nil, lifeerr.New(lifeerr.Validation, "canonical: $bigint value must be a string")
		}
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, lifeerr.Newf(lifeerr.Validation, "canonical: invalid $bigint %q", s)
		}
		return n, nil

	case tagBytes:
		s, ok := inner.(string)
		if !ok {
			return nil, lifeerr.New(lifeerr.Validation, "canonical: $bytes value must be a string")
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, lifeerr.Wrap(lifeerr.Validation, err)
		}
		return b, nil

	case tagURL:
		s, ok := inner.(string)
		if !ok {
			return nil, lifeerr.New(lifeerr.Validation, "canonical: $url value must be a string")
		}
		u, err := url.Parse(s)
		if err != nil {
			return nil, lifeerr.Wrap(lifeerr.Validation, err)
		}
		return u, nil

	case tagRegexp:
		s, ok := inner.(string)
		if !ok {
			return nil, lifeerr.New(lifeerr.Validation, "canonical: $regexp value must be a string")
		}
		re, err := regexp.Compile(s)
		if err != nil {
			return nil, lifeerr.Wrap(lifeerr.Validation, err)
		}
		return re, nil

	case tagError:
		m, ok := inner.(map[string]any)
		if !ok {
			return nil, lifeerr.New(lifeerr.Validation, "canonical: $error value must be an object")
		}
		e := &lifeerr.Error{Code: lifeerr.Unknown}
		if c, ok := m["code"].(string); ok {
			e.Code = lifeerr.Code(c)
		}
		if msg, ok := m["message"].(string); ok {
			e.Message = msg
		}
		if p, ok := m["public"].(bool); ok {
			e.Public = p
		}
		return e, nil

	case tagSet:
		items, ok := inner.([]any)
		if !ok {
			return nil, lifeerr.New(lifeerr.Validation, "canonical: $set value must be an array")
		}
		out := make(Set, len(items))
		for i, v := range items {
			r, err := restore(v)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil

	case tagMap:
		pairs, ok := inner.([]any)
		if !ok {
			return nil, lifeerr.New(lifeerr.Validation, "canonical: $map value must be an array of pairs")
		}
		out := make(map[any]any, len(pairs))
		for _, p := range pairs {
			pair, ok := p.([]any)
			if !ok || len(pair) != 2 {
				return nil, lifeerr.New(lifeerr.Validation, "canonical: $map entries must be [key, value] pairs")
			}
			k, err := restore(pair[0])
			if err != nil {
				return nil, err
			}
			v, err := restore(pair[1])
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil

	default:
		return nil, lifeerr.Newf(lifeerr.Validation, "canonical: unknown tag %q", tag)
	}
}
