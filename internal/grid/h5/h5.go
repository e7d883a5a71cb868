// Package h5 reads NetCDF-4/HDF5 files as grid.GroupedDataset values.
package h5

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robert-malhotra/go-hdf5/hdf5"

	"github.com/constelar/constelar/internal/grid"
)

// Opener opens HDF5 files from disk.
type Opener struct{}

// Open opens path and scopes the handle to group when it is non-empty.
func (Opener) Open(path, group string) (grid.GroupedDataset, error) {
	f, err := hdf5.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open hdf5: %w", err)
	}

	g := f.Root()
	if group != "" {
		g, err = f.OpenGroup(group)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("open group %q: %w", group, err)
		}
	}

	return &node{file: f, group: g, owner: true}, nil
}

var _ grid.Opener = Opener{}

// node is a group handle. Only the handle returned by Opener.Open owns the
// file.
type node struct {
	file  *hdf5.File
	group *hdf5.Group
	owner bool
}

func (n *node) OpenGroup(name string) (grid.GroupedDataset, error) {
	g, err := n.group.OpenGroup(name)
	if err != nil {
		return nil, fmt.Errorf("open group %q: %w", name, err)
	}
	return &node{file: n.file, group: g}, nil
}

func (n *node) HasVariable(name string) bool {
	_, err := n.group.OpenDataset(name)
	return err == nil
}

func (n *node) Variable(name string) (*grid.Variable, error) {
	ds, err := n.group.OpenDataset(name)
	if err != nil {
		if errors.Is(err, hdf5.ErrNotFound) || errors.Is(err, hdf5.ErrNotDataset) {
			return nil, fmt.Errorf("%s: %w", name, grid.ErrVariableNotFound)
		}
		return nil, fmt.Errorf("open dataset %q: %w", name, err)
	}

	data, err := ds.ReadFloat64()
	if err != nil {
		return nil, fmt.Errorf("read dataset %q: %w", name, err)
	}

	shape := make([]int, 0, ds.Rank())
	for _, d := range ds.Shape() {
		shape = append(shape, int(d))
	}
	if len(shape) == 0 {
		shape = []int{len(data)}
	}

	attrs := make(map[string]any)
	for _, a := range ds.Attrs() {
		attr := ds.Attr(a)
		if attr == nil {
			continue
		}
		v, err := attr.Value()
		if err != nil {
			continue
		}
		attrs[a] = v
	}

	return &grid.Variable{Name: name, Shape: shape, Dims: n.labelDims(shape), Data: data, Attrs: attrs}, nil
}

// Dimension scales that may name an axis, looked up in the variable's group
// and then the root group.
var scaleNames = []string{"time", "latitude", "longitude", "lat", "lon"}

// labelDims names axes from 1-D dimension scales. DIMENSION_LIST holds
// object references, which the reader does not resolve, so a scale names an
// axis only when exactly one axis has its length.
func (n *node) labelDims(shape []int) []string {
	if len(shape) < 2 {
		return nil
	}
	dims := make([]string, len(shape))
	labeled := false
	for _, name := range scaleNames {
		length, ok := n.scaleLength(name)
		if !ok {
			continue
		}
		axis := -1
		for i, d := range shape {
			if d != length {
				continue
			}
			if axis >= 0 {
				axis = -2
				break
			}
			axis = i
		}
		if axis >= 0 && dims[axis] == "" {
			dims[axis] = name
			labeled = true
		}
	}
	if !labeled {
		return nil
	}
	return dims
}

func (n *node) scaleLength(name string) (int, bool) {
	groups := []*hdf5.Group{n.group}
	if n.file != nil {
		groups = append(groups, n.file.Root())
	}
	for _, g := range groups {
		ds, err := g.OpenDataset(name)
		if err != nil || ds.Rank() != 1 {
			continue
		}
		attr := ds.Attr("CLASS")
		if attr == nil {
			continue
		}
		class, err := attr.ReadScalarString()
		if err != nil || !strings.EqualFold(strings.TrimRight(class, "\x00"), "DIMENSION_SCALE") {
			continue
		}
		return int(ds.Shape()[0]), true
	}
	return 0, false
}

func (n *node) Attribute(name string) (any, bool) {
	attr := n.group.Attr(name)
	if attr == nil {
		return nil, false
	}
	v, err := attr.Value()
	if err != nil {
		return nil, false
	}
	return v, true
}

func (n *node) Close() error {
	if !n.owner || n.file == nil {
		return nil
	}
	err := n.file.Close()
	n.file = nil
	return err
}
