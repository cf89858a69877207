package models

import "reflect"

// Data is an opaque entity payload: field name to value.
type Data map[string]any

// Clone copies the top-level fields. Nested values are shared, patches are
// shallow so nothing below the first level is ever written.
func (d Data) Clone() Data {
	if d == nil {
		return nil
	}
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Apply overwrites the fields of d with the fields of patch and returns the
// result as a new map. A nil value is kept as an explicit null field.
func (d Data) Apply(patch Data) Data {
	out := make(Data, len(d)+len(patch))
	for k, v := range d {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}

// Diff returns the fields of next whose value differs from d, or that d lacks.
// Fields present in d but missing from next are not reported; patches never delete.
func (d Data) Diff(next Data) Data {
	out := Data{}
	for k, v := range next {
		if cur, ok := d[k]; ok && reflect.DeepEqual(cur, v) {
			continue
		}
		out[k] = v
	}
	return out
}

func (d Data) Equal(other Data) bool {
	if len(d) != len(other) {
		return false
	}
	if len(d) == 0 {
		return true
	}
	return reflect.DeepEqual(map[string]any(d), map[string]any(other))
}

// Fold folds patches over base in the order given.
func Fold(base Data, patches ...Data) Data {
	out := base.Clone()
	if out == nil {
		out = Data{}
	}
	for _, p := range patches {
		for k, v := range p {
			out[k] = v
		}
	}
	return out
}
