package canonical

import (
	"math/big"
	"net/url"
	"reflect"
	"regexp"
	"time"

	"github.com/lifert/life/pkg/lifeerr"
)

// assign writes a restored tree value into the reflect target dst. It is the
// typed half of Unmarshal; the generic half (restore) has already replaced
// tagged wrappers with rich Go values.
func assign(dst reflect.Value, tree any) error {
	if tree == nil {
		dst.SetZero()
		return nil
	}

	// *any and interface targets take the tree verbatim.
	if dst.Kind() == reflect.Interface && dst.NumMethod() == 0 {
		dst.Set(reflect.ValueOf(tree))
		return nil
	}

	if dst.Kind() == reflect.Pointer {
		// Rich pointer types were restored as pointers already.
		if v := reflect.ValueOf(tree); v.Type().AssignableTo(dst.Type()) {
			dst.Set(v)
			return nil
		}
		if dst.IsNil() {
			dst.Set(reflect.New(dst.Type().Elem()))
		}
		return assign(dst.Elem(), tree)
	}

	switch dst.Type() {
	case timeType:
		t, ok := tree.(time.Time)
		if !ok {
			return mismatch(dst, tree)
		}
		dst.Set(reflect.ValueOf(t))
		return nil
	case bigIntType:
		n, ok := tree.(*big.Int)
		if !ok {
			return mismatch(dst, tree)
		}
		dst.Set(reflect.ValueOf(*n))
		return nil
	case urlType:
		u, ok := tree.(*url.URL)
		if !ok {
			return mismatch(dst, tree)
		}
		dst.Set(reflect.ValueOf(*u))
		return nil
	case regexpType:
		re, ok := tree.(*regexp.Regexp)
		if !ok {
			return mismatch(dst, tree)
		}
		dst.Set(reflect.ValueOf(*re))
		return nil
	}

	switch dst.Kind() {
	case reflect.Bool:
		b, ok := tree.(bool)
		if !ok {
			return mismatch(dst, tree)
		}
		dst.SetBool(b)
		return nil

	case reflect.String:
		s, ok := tree.(string)
		if !ok {
			return mismatch(dst, tree)
		}
		dst.SetString(s)
		return nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		f, ok := asFloat(tree)
		if !ok {
			return mismatch(dst, tree)
		}
		dst.SetInt(int64(f))
		return nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		f, ok := asFloat(tree)
		if !ok || f < 0 {
			return mismatch(dst, tree)
		}
		dst.SetUint(uint64(f))
		return nil

	case reflect.Float32, reflect.Float64:
		f, ok := asFloat(tree)
		if !ok {
			return mismatch(dst, tree)
		}
		dst.SetFloat(f)
		return nil

	case reflect.Slice:
		if dst.Type().Elem().Kind() == reflect.Uint8 {
			b, ok := tree.([]byte)
			if !ok {
				return mismatch(dst, tree)
			}
			dst.SetBytes(b)
			return nil
		}
		items, ok := tree.([]any)
		if !ok {
			if s, isSet := tree.(Set); isSet {
				items = []any(s)
			} else {
				return mismatch(dst, tree)
			}
		}
		out := reflect.MakeSlice(dst.Type(), len(items), len(items))
		for i, item := range items {
			if err := assign(out.Index(i), item); err != nil {
				return err
			}
		}
		dst.Set(out)
		return nil

	case reflect.Map:
		if dst.Type().Key().Kind() != reflect.String {
			return lifeerr.Newf(lifeerr.Validation, "canonical: cannot decode into map with %s keys", dst.Type().Key().Kind())
		}
		m, ok := tree.(map[string]any)
		if !ok {
			return mismatch(dst, tree)
		}
		out := reflect.MakeMapWithSize(dst.Type(), len(m))
		for k, v := range m {
			ev := reflect.New(dst.Type().Elem()).Elem()
			if err := assign(ev, v); err != nil {
				return err
			}
			out.SetMapIndex(reflect.ValueOf(k).Convert(dst.Type().Key()), ev)
		}
		dst.Set(out)
		return nil

	case reflect.Struct:
		m, ok := tree.(map[string]any)
		if !ok {
			return mismatch(dst, tree)
		}
		t := dst.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if !f.IsExported() {
				continue
			}
			name, _ := fieldName(f)
			if name == "-" {
				continue
			}
			v, present := m[name]
			if !present {
				continue
			}
			if err := assign(dst.Field(i), v); err != nil {
				return lifeerr.Newf(lifeerr.Validation, "canonical: field %s: %v", f.Name, err)
			}
		}
		return nil

	default:
		return lifeerr.Newf(lifeerr.Validation, "canonical: cannot decode into %s", dst.Kind())
	}
}

func asFloat(tree any) (float64, bool) {
	switch n := tree.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func mismatch(dst reflect.Value, tree any) error {
	return lifeerr.Newf(lifeerr.Validation, "canonical: cannot decode %T into %s", tree, dst.Type())
}
