package rules

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"

	"github.com/songzhibin97/approval-workflow/types"
)

var (
	// ErrFieldNotFound is returned by Context.Get for names absent from the context.
	ErrFieldNotFound = errors.New("field not found in rule context")
	// ErrConstantCollision is returned when a constant shadows a property of the evaluated object.
	ErrConstantCollision = fmt.Errorf("%w: constant collides with a property", types.ErrConfiguration)
)

// PropertyBag exposes the readable properties of a business object.
type PropertyBag interface {
	Properties() map[string]interface{}
}

// PropertyMap is a PropertyBag over a plain map.
type PropertyMap map[string]interface{}

// Properties implements PropertyBag.
func (m PropertyMap) Properties() map[string]interface{} {
	return m
}

// FromStruct builds a PropertyBag from the exported fields of a struct or
// pointer to struct. The `rule` tag renames a field, `rule:"-"` hides it.
// Maps keyed by string are taken as they are; any other value yields an
// empty bag.
func FromStruct(v interface{}) PropertyBag {
	out := PropertyMap{}
	rv := reflect.ValueOf(v)
	for rv.IsValid() && rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return out
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return out
		}
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = iter.Value().Interface()
		}
	case reflect.Struct:
		for _, f := range reflect.VisibleFields(rv.Type()) {
			if f.Anonymous || !f.IsExported() {
				continue
			}
			name := f.Name
			if tag, ok := f.Tag.Lookup("rule"); ok {
				if tag == "-" {
					continue
				}
				if tag != "" {
					name = tag
				}
			}
			fv, err := rv.FieldByIndexErr(f.Index)
			if err != nil {
				continue // promoted through a nil embedded pointer
			}
			out[name] = fv.Interface()
		}
	}
	return out
}

// Context is an immutable snapshot of an object's properties plus the
// constants injected for its evaluation.
type Context struct {
	values map[string]interface{}
}

// NewContext projects the properties of bag and adds constants. Null
// properties are left out, lists become []string, integers become int64 and
// anything else its string form. A constant named like a property is rejected.
func NewContext(bag PropertyBag, constants types.RuleConstants) (*Context, error) {
	c := &Context{values: make(map[string]interface{})}
	if bag != nil {
		for name, v := range bag.Properties() {
			if pv, ok := project(v); ok {
				c.values[name] = pv
			}
		}
	}
	for name, v := range constants {
		if _, exists := c.values[name]; exists {
			return nil, fmt.Errorf("%w: %q", ErrConstantCollision, name)
		}
		c.values[name] = v
	}
	return c, nil
}

// Get returns the value of name or ErrFieldNotFound.
func (c *Context) Get(name string) (interface{}, error) {
	v, ok := c.values[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrFieldNotFound, name)
	}
	return v, nil
}

// TryGet returns the value of name and whether it is present.
func (c *Context) TryGet(name string) (interface{}, bool) {
	v, ok := c.values[name]
	return v, ok
}

// Len returns the number of entries.
func (c *Context) Len() int {
	return len(c.values)
}

// Env returns a copy of the context usable as an expression environment.
func (c *Context) Env() map[string]interface{} {
	env := make(map[string]interface{}, len(c.values)+1)
	for k, v := range c.values {
		env[k] = v
	}
	return env
}

func project(v interface{}) (interface{}, bool) {
	rv := reflect.ValueOf(v)
	for rv.IsValid() && (rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface) {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	if !rv.IsValid() {
		return nil, false
	}
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, false
		}
		list := make([]string, rv.Len())
		for i := range list {
			list[i] = fmt.Sprint(rv.Index(i).Interface())
		}
		return list, true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return strconv.FormatUint(u, 10), true
		}
		return int64(u), true
	case reflect.Map, reflect.Chan, reflect.Func:
		if rv.IsNil() {
			return nil, false
		}
	}
	return fmt.Sprint(rv.Interface()), true
}
