package record

import (
	"fmt"
	"strings"
	"sync"
)

// Registry resolves response items to record definitions by message
// class or object type. It is created once by the application and passed
// to every Reader that needs it.
type Registry struct {
	mu           sync.RWMutex
	byClass      map[string]*Definition
	byObjectType map[int]*Definition
	byName       map[string]*Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byClass:      make(map[string]*Definition),
		byObjectType: make(map[int]*Definition),
		byName:       make(map[string]*Definition),
	}
}

// Register adds def under its message class. A definition without a
// message class is registered under its object type instead.
func (r *Registry) Register(def *Definition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[def.Name]; exists {
		return fmt.Errorf("record definition %q already registered", def.Name)
	}
	switch {
	case def.MessageClass != "":
		key := strings.ToUpper(def.MessageClass)
		if prev, exists := r.byClass[key]; exists {
			return fmt.Errorf(
				"message class %q already registered by %q",
				def.MessageClass, prev.Name,
			)
		}
		r.byClass[key] = def
	case def.ObjectType != 0:
		if prev, exists := r.byObjectType[def.ObjectType]; exists {
			return fmt.Errorf(
				"object type %d already registered by %q",
				def.ObjectType, prev.Name,
			)
		}
		r.byObjectType[def.ObjectType] = def
	default:
		return fmt.Errorf("record definition %q has no discriminator", def.Name)
	}
	r.byName[def.Name] = def
	return nil
}

// MustRegister is Register for static schema tables; it panics on error.
func (r *Registry) MustRegister(defs ...*Definition) *Registry {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
	return r
}

// RegisterObjectType maps an object type to def, for definitions that are
// also registered under a message class.
func (r *Registry) RegisterObjectType(objectType int, def *Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byObjectType[objectType] = def
}

// Lookup resolves a discriminator pair. Message classes match exactly
// first, then by dotted prefix ("IPM.Note.SMIME" falls back to
// "IPM.Note", then "IPM"); the object type is tried last.
func (r *Registry) Lookup(messageClass string, objectType int) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	class := strings.ToUpper(strings.TrimSpace(messageClass))
	for class != "" {
		if def, ok := r.byClass[class]; ok {
			return def, true
		}
		i := strings.LastIndexByte(class, '.')
		if i < 0 {
			break
		}
		class = class[:i]
	}
	if objectType != 0 {
		if def, ok := r.byObjectType[objectType]; ok {
			return def, true
		}
	}
	return nil, false
}

// ByName returns the definition registered with the given name.
func (r *Registry) ByName(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byName[name]
	return def, ok
}
