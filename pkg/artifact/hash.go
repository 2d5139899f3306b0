// Copyright (C) 2025 Furu Labs (oss@furulabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package artifact

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"golang.org/x/crypto/blake2s"
)

// RefKey marks an embedded dependency in serialized config snapshots.
// A snapshot value of the form {"$furu": {"namespace": ..., "hash": ...,
// "config": {...}}} is a nested cacheable object.
const RefKey = "$furu"

// HashOf computes the stable content hash of an Object: a BLAKE2s-256
// digest (hex) over the canonical JSON of the namespace and all
// non-private declared fields, with nested Objects replaced by their
// own hash. Private fields (unexported, or tagged `furu:"-"`) never
// affect the hash.
func HashOf(obj Object) (string, error) {
	values, err := ConfigValues(obj)
	if err != nil {
		return "", err
	}
	encoded, err := encodeFields(values, false)
	if err != nil {
		return "", fmt.Errorf("hashing %s: %w", obj.FuruNamespace(), err)
	}
	payload := map[string]any{
		"namespace": obj.FuruNamespace(),
		"fields":    encoded,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("hashing %s: %w", obj.FuruNamespace(), err)
	}
	sum := blake2s.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ConfigSnapshot serializes an Object's declared fields for metadata
// storage. Nested Objects are embedded fully (namespace, hash and their
// own snapshot) so dependents can be discovered and payloads can be
// reconstructed without touching the dependency's directory.
func ConfigSnapshot(obj Object) (map[string]any, error) {
	values, err := ConfigValues(obj)
	if err != nil {
		return nil, err
	}
	encoded, err := encodeFields(values, true)
	if err != nil {
		return nil, fmt.Errorf("snapshot of %s: %w", obj.FuruNamespace(), err)
	}
	return encoded, nil
}

// ConfigValues returns the declared (non-private) field values of obj,
// keyed by declared name. Values are returned as-is; nested Objects are
// not substituted.
func ConfigValues(obj Object) (map[string]any, error) {
	rv := reflect.ValueOf(obj)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, fmt.Errorf("%w: nil object", ErrNotHashable)
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: %T is not a struct", ErrNotHashable, obj)
	}
	specs, err := fieldSpecs(rv.Type())
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(specs))
	for _, spec := range specs {
		if spec.Private {
			continue
		}
		out[spec.Name] = rv.Field(spec.Index).Interface()
	}
	return out, nil
}

// Dependencies returns the direct (non-recursive) Object-valued fields
// of obj, including Objects inside slices and string-keyed maps.
func Dependencies(obj Object) ([]Object, error) {
	values, err := ConfigValues(obj)
	if err != nil {
		return nil, err
	}
	var deps []Object
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		collectObjects(values[name], &deps)
	}
	return deps, nil
}

func collectObjects(v any, out *[]Object) {
	if v == nil {
		return
	}
	if o, ok := v.(Object); ok {
		*out = append(*out, o)
		return
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			if rv.Index(i).CanInterface() {
				collectObjects(rv.Index(i).Interface(), out)
			}
		}
	case reflect.Map:
		keys := rv.MapKeys()
		sort.Slice(keys, func(i, j int) bool {
			return fmt.Sprint(keys[i].Interface()) < fmt.Sprint(keys[j].Interface())
		})
		for _, k := range keys {
			collectObjects(rv.MapIndex(k).Interface(), out)
		}
	}
}

// encodeFields canonicalizes a field map. When full is set, nested
// Objects carry their complete config (snapshot mode); otherwise only
// namespace and hash (hash mode).
func encodeFields(values map[string]any, full bool) (map[string]any, error) {
	out := make(map[string]any, len(values))
	for name, v := range values {
		encoded, err := encodeValue(v, full)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		out[name] = encoded
	}
	return out, nil
}

func encodeValue(v any, full bool) (any, error) {
	if v == nil {
		return nil, nil
	}
	if o, ok := v.(Object); ok {
		return encodeObject(o, full)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return encodeValue(rv.Elem().Interface(), full)
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			enc, err := encodeValue(rv.Index(i).Interface(), full)
			if err != nil {
				return nil, err
			}
			out[i] = enc
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("%w: map key type %s", ErrNotHashable, rv.Type().Key())
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			enc, err := encodeValue(iter.Value().Interface(), full)
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = enc
		}
		return out, nil
	case reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return nil, fmt.Errorf("%w: kind %s", ErrNotHashable, rv.Kind())
	default:
		// Scalars and plain structs serialize through encoding/json,
		// which is deterministic for a fixed type.
		return v, nil
	}
}

func encodeObject(o Object, full bool) (any, error) {
	digest, err := HashOf(o)
	if err != nil {
		return nil, err
	}
	ref := map[string]any{
		"namespace": o.FuruNamespace(),
		"hash":      digest,
	}
	if full {
		snapshot, err := ConfigSnapshot(o)
		if err != nil {
			return nil, err
		}
		ref["config"] = snapshot
	}
	return map[string]any{RefKey: ref}, nil
}

// fieldSpec describes one declared struct field.
type fieldSpec struct {
	Name    string
	Index   int
	Private bool
	Type    reflect.Type
}

var fieldSpecCache sync.Map // reflect.Type -> []fieldSpec

// fieldSpecs enumerates the declared fields of a struct type. The
// `furu` tag renames a field or, with "-", marks it private.
func fieldSpecs(t reflect.Type) ([]fieldSpec, error) {
	if cached, ok := fieldSpecCache.Load(t); ok {
		return cached.([]fieldSpec), nil
	}
	var specs []fieldSpec
	seen := map[string]bool{}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		private := false
		if tag, ok := f.Tag.Lookup("furu"); ok {
			switch tag {
			case "-":
				private = true
			case "":
			default:
				name = tag
			}
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: duplicate field name %q on %s",
				ErrNotHashable, name, t)
		}
		seen[name] = true
		specs = append(specs, fieldSpec{Name: name, Index: i, Private: private, Type: f.Type})
	}
	fieldSpecCache.Store(t, specs)
	return specs, nil
}
