// Copyright (C) 2025 Furu Labs (oss@furulabs.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package artifact

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Field describes one declared configuration field of a registered
// type, as exposed to the migration engine.
type Field struct {
	Name       string
	Type       string
	Private    bool
	HasDefault bool
}

// Descriptor is the schema of one registered Object type: the declared
// fields, class defaults and the factory used to reconstruct instances
// from serialized config snapshots.
type Descriptor struct {
	Namespace string
	New       func() Object
	Defaults  map[string]func() any
	Loose     bool

	fields []fieldSpec
}

// Fields returns the declared field schema in declaration order.
func (d *Descriptor) Fields() []Field {
	out := make([]Field, 0, len(d.fields))
	for _, spec := range d.fields {
		_, hasDefault := d.Defaults[spec.Name]
		out = append(out, Field{
			Name:       spec.Name,
			Type:       spec.Type.String(),
			Private:    spec.Private,
			HasDefault: hasDefault,
		})
	}
	return out
}

// FieldNames returns the non-private declared field names, sorted.
func (d *Descriptor) FieldNames() []string {
	var names []string
	for _, spec := range d.fields {
		if !spec.Private {
			names = append(names, spec.Name)
		}
	}
	sort.Strings(names)
	return names
}

// HasDefault reports whether the named field carries a class default.
func (d *Descriptor) HasDefault(field string) bool {
	_, ok := d.Defaults[field]
	return ok
}

// RegisterOption configures a registration.
type RegisterOption func(*Descriptor)

// WithDefault declares a class default for a field, used by the
// migration engine when a new field must be backfilled.
func WithDefault(field string, def func() any) RegisterOption {
	return func(d *Descriptor) {
		if d.Defaults == nil {
			d.Defaults = map[string]func() any{}
		}
		d.Defaults[field] = def
	}
}

// AllowLooseNamespace permits namespaces that would otherwise be
// rejected as not stably reconstructible (no package qualifier, or
// under package main). Use only when every consumer links the same
// binary.
func AllowLooseNamespace() RegisterOption {
	return func(d *Descriptor) { d.Loose = true }
}

// Registry maps namespaces to descriptors. It is the Go-side stand-in
// for the declarative-config collaborator: the hashing code, the
// migration engine and the worker-pool payload decoder all query
// schemas through it.
type Registry struct {
	mu       sync.RWMutex
	byNS     map[string]*Descriptor
	validate *validator.Validate
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byNS:     map[string]*Descriptor{},
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Register adds a type to the registry. newFn must return a fresh
// zero-value instance on every call.
func Register(r *Registry, newFn func() Object, opts ...RegisterOption) (*Descriptor, error) {
	sample := newFn()
	desc := &Descriptor{
		Namespace: sample.FuruNamespace(),
		New:       newFn,
	}
	for _, opt := range opts {
		opt(desc)
	}
	if err := CheckNamespace(desc.Namespace, desc.Loose); err != nil {
		return nil, err
	}

	rv := reflect.ValueOf(sample)
	for rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: %T is not a struct", ErrInvalidNamespace, sample)
	}
	specs, err := fieldSpecs(rv.Type())
	if err != nil {
		return nil, err
	}
	desc.fields = specs

	for field := range desc.Defaults {
		if !hasField(specs, field) {
			return nil, fmt.Errorf("%w: default declared for unknown field %q on %s",
				ErrDecode, field, desc.Namespace)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byNS[desc.Namespace]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateNamespace, desc.Namespace)
	}
	r.byNS[desc.Namespace] = desc
	return desc, nil
}

// Lookup returns the descriptor for a namespace.
func (r *Registry) Lookup(namespace string) (*Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.byNS[namespace]
	return desc, ok
}

// Namespaces returns all registered namespaces, sorted.
func (r *Registry) Namespaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byNS))
	for ns := range r.byNS {
		out = append(out, ns)
	}
	sort.Strings(out)
	return out
}

// Typecheck runs the declared `validate` tags on obj.
func (r *Registry) Typecheck(obj Object) error {
	if err := r.validate.Struct(obj); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDecode, obj.FuruNamespace(), err)
	}
	return nil
}

// DecodeError reports a config snapshot that does not match the target
// schema. Missing and Extra list field names; both are sorted.
type DecodeError struct {
	Namespace string
	Missing   []string
	Extra     []string
	Cause     error
}

func (e *DecodeError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing fields: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Extra) > 0 {
		parts = append(parts, "extra fields: "+strings.Join(e.Extra, ", "))
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return fmt.Sprintf("decode %s: %s", e.Namespace, strings.Join(parts, "; "))
}

func (e *DecodeError) Unwrap() error { return ErrDecode }

// Decode reconstructs an Object from a serialized config snapshot.
// Every non-private declared field must be present (or carry a class
// default); unknown keys are rejected. Nested {"$furu": ...} values are
// decoded recursively.
func (r *Registry) Decode(namespace string, config map[string]any) (Object, error) {
	desc, ok := r.Lookup(namespace)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNamespace, namespace)
	}

	obj := desc.New()
	rv := reflect.ValueOf(obj)
	for rv.Kind() == reflect.Pointer {
		rv = rv.Elem()
	}

	var missing []string
	known := map[string]bool{}
	for _, spec := range desc.fields {
		if spec.Private {
			continue
		}
		known[spec.Name] = true
		raw, present := config[spec.Name]
		if !present {
			if def, has := desc.Defaults[spec.Name]; has {
				if err := r.assign(rv.Field(spec.Index), def()); err != nil {
					return nil, &DecodeError{Namespace: namespace, Cause: err}
				}
				continue
			}
			missing = append(missing, spec.Name)
			continue
		}
		if err := r.assign(rv.Field(spec.Index), raw); err != nil {
			return nil, &DecodeError{Namespace: namespace, Cause: fmt.Errorf("field %q: %w", spec.Name, err)}
		}
	}

	var extra []string
	for key := range config {
		if !known[key] {
			extra = append(extra, key)
		}
	}

	if len(missing) > 0 || len(extra) > 0 {
		sort.Strings(missing)
		sort.Strings(extra)
		return nil, &DecodeError{Namespace: namespace, Missing: missing, Extra: extra}
	}
	return obj, nil
}

// assign sets a struct field from a decoded JSON value. Embedded
// dependency refs are reconstructed through the registry; everything
// else round-trips through encoding/json into the field's type.
func (r *Registry) assign(field reflect.Value, raw any) error {
	if raw == nil {
		field.Set(reflect.Zero(field.Type()))
		return nil
	}

	// Direct assignment covers defaults supplied as live values,
	// including Objects.
	rawVal := reflect.ValueOf(raw)
	if rawVal.Type().AssignableTo(field.Type()) {
		field.Set(rawVal)
		return nil
	}

	if m, ok := raw.(map[string]any); ok {
		if refRaw, isRef := m[RefKey]; isRef {
			return r.assignRef(field, refRaw)
		}
	}

	// Recurse into slices and string-keyed maps so dependency refs
	// nested inside collections are reconstructed too.
	switch field.Kind() {
	case reflect.Slice:
		if items, ok := raw.([]any); ok {
			out := reflect.MakeSlice(field.Type(), len(items), len(items))
			for i, item := range items {
				if err := r.assign(out.Index(i), item); err != nil {
					return fmt.Errorf("index %d: %w", i, err)
				}
			}
			field.Set(out)
			return nil
		}
	case reflect.Map:
		if m, ok := raw.(map[string]any); ok && field.Type().Key().Kind() == reflect.String {
			out := reflect.MakeMapWithSize(field.Type(), len(m))
			for key, val := range m {
				elem := reflect.New(field.Type().Elem()).Elem()
				if err := r.assign(elem, val); err != nil {
					return fmt.Errorf("key %q: %w", key, err)
				}
				out.SetMapIndex(reflect.ValueOf(key).Convert(field.Type().Key()), elem)
			}
			field.Set(out)
			return nil
		}
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	target := reflect.New(field.Type())
	if err := json.Unmarshal(data, target.Interface()); err != nil {
		return err
	}
	field.Set(target.Elem())
	return nil
}

func (r *Registry) assignRef(field reflect.Value, refRaw any) error {
	ref, ok := refRaw.(map[string]any)
	if !ok {
		return fmt.Errorf("malformed %s value", RefKey)
	}
	ns, _ := ref["namespace"].(string)
	cfg, _ := ref["config"].(map[string]any)
	if ns == "" || cfg == nil {
		return fmt.Errorf("%s value missing namespace or config", RefKey)
	}
	dep, err := r.Decode(ns, cfg)
	if err != nil {
		return err
	}
	depVal := reflect.ValueOf(dep)
	if !depVal.Type().AssignableTo(field.Type()) {
		return fmt.Errorf("dependency %s (%T) not assignable to field type %s",
			ns, dep, field.Type())
	}
	field.Set(depVal)
	return nil
}

func hasField(specs []fieldSpec, name string) bool {
	for _, spec := range specs {
		if spec.Name == name && !spec.Private {
			return true
		}
	}
	return false
}
