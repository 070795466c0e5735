package codec

import "fmt"

// Registry maps command and notification names to their payload schemas,
// plus the reverse intent→name map frames are dispatched through. One
// registry exists per device connection and is populated exactly once, by
// the registration handler; afterwards it is read-only, so no locking.
type Registry struct {
	schemas map[string]Schema
	names   map[uint16]string
}

func NewRegistry() *Registry {
	return &Registry{
		schemas: make(map[string]Schema),
		names:   make(map[uint16]string),
	}
}

// SynthesizeSchema builds the payload schema a vocabulary entry declares:
// one field per parameter, in declaration order. Parameters must be
// primitive; a device declaring an array or record parameter is speaking a
// dialect we do not support.
func SynthesizeSchema(v Vocab) (Schema, error) {
	s := make(Schema, 0, len(v.Parameters))
	for _, p := range v.Parameters {
		if p.Type == Array || p.Type >= Record {
			return nil, fmt.Errorf("%w: %q parameter %q has non-primitive type %s",
				ErrUnsupportedSchema, v.Name, p.Name, p.Type)
		}
		s = append(s, Field{Name: p.Name, Type: p.Type})
	}
	return s, nil
}

// Add synthesizes and stores schemas for the given vocabulary entries.
// The first registration of a name wins; duplicates are ignored.
func (r *Registry) Add(entries []Vocab) error {
	for _, v := range entries {
		if _, ok := r.schemas[v.Name]; ok {
			continue
		}
		s, err := SynthesizeSchema(v)
		if err != nil {
			return err
		}
		r.schemas[v.Name] = s
		if _, ok := r.names[v.Intent]; !ok {
			r.names[v.Intent] = v.Name
		}
	}
	return nil
}

// Lookup returns the schema registered under name.
func (r *Registry) Lookup(name string) (Schema, bool) {
	s, ok := r.schemas[name]
	return s, ok
}

// ByIntent resolves a received frame's intent to its name and schema.
func (r *Registry) ByIntent(intent uint16) (string, Schema, bool) {
	name, ok := r.names[intent]
	if !ok {
		return "", nil, false
	}
	return name, r.schemas[name], true
}

// Len returns the number of registered names.
func (r *Registry) Len() int { return len(r.schemas) }
