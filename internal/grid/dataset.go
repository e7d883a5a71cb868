// Package grid extracts point measurements from gridded satellite files.
package grid

import (
	"errors"
	"fmt"
	"strings"
)

// ErrVariableNotFound is returned by GroupedDataset.Variable for a missing name.
var ErrVariableNotFound = errors.New("variable not found")

// GroupedDataset is one node of a hierarchical dataset: the file root or a
// group inside it.
type GroupedDataset interface {
	// OpenGroup opens a child group by name or relative path.
	OpenGroup(name string) (GroupedDataset, error)

	// HasVariable reports whether a variable exists in this node.
	HasVariable(name string) bool

	// Variable reads a variable's shape, data and attributes.
	Variable(name string) (*Variable, error)

	// Attribute returns a node attribute.
	Attribute(name string) (any, bool)

	// Close releases the handle. Closing a child never closes its parent.
	Close() error
}

// Opener opens a file, scoped to a group path when group is non-empty.
type Opener interface {
	Open(path, group string) (GroupedDataset, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(path, group string) (GroupedDataset, error)

// Open calls f.
func (f OpenerFunc) Open(path, group string) (GroupedDataset, error) { return f(path, group) }

// Variable is an n-dimensional array in row-major order. Dims names each
// axis when the file records it.
type Variable struct {
	Name  string
	Shape []int
	Dims  []string
	Data  []float64
	Attrs map[string]any
}

// Attr returns an attribute of the variable.
func (v *Variable) Attr(name string) (any, bool) {
	if v.Attrs == nil {
		return nil, false
	}
	a, ok := v.Attrs[name]
	return a, ok
}

// Float returns a numeric attribute as float64. Array attributes yield their
// first element.
func (v *Variable) Float(name string) (float64, bool) {
	a, ok := v.Attr(name)
	if !ok {
		return 0, false
	}
	return toFloat(a)
}

// Text returns a string attribute.
func (v *Variable) Text(name string) string {
	a, ok := v.Attr(name)
	if !ok {
		return ""
	}
	return toString(a)
}

func (v *Variable) validate() error {
	if len(v.Shape) == 0 {
		return fmt.Errorf("variable %q has no dimensions", v.Name)
	}
	n := 1
	for _, d := range v.Shape {
		if d < 0 {
			return fmt.Errorf("variable %q has negative dimension", v.Name)
		}
		n *= d
	}
	if n != len(v.Data) {
		return fmt.Errorf("variable %q has %d values for shape %v", v.Name, len(v.Data), v.Shape)
	}
	return nil
}

// SplitVariablePath splits "group/sub/var" at the last separator.
func SplitVariablePath(p string) (group, name string) {
	p = strings.Trim(p, "/")
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return "", p
	}
	return p[:i], p[i+1:]
}

func toFloat(a any) (float64, bool) {
	switch v := a.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case []float64:
		if len(v) > 0 {
			return v[0], true
		}
	case []float32:
		if len(v) > 0 {
			return float64(v[0]), true
		}
	case []int64:
		if len(v) > 0 {
			return float64(v[0]), true
		}
	case []int32:
		if len(v) > 0 {
			return float64(v[0]), true
		}
	case []uint64:
		if len(v) > 0 {
			return float64(v[0]), true
		}
	}
	return 0, false
}

func toString(a any) string {
	switch v := a.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case []string:
		if len(v) > 0 {
			return v[0]
		}
	}
	return ""
}
