package envelope

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// FieldType is the JSON type expected for a payload field.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
	TypeObject  FieldType = "object"
	TypeArray   FieldType = "array"
)

func (fieldType FieldType) valid() bool {
	switch fieldType {
	case TypeString, TypeNumber, TypeInteger, TypeBoolean, TypeObject, TypeArray:
		return true
	default:
		return false
	}
}

// Field describes one payload field of a versioned schema.
type Field struct {
	Name     string
	Type     FieldType
	Optional bool
}

// Schema is a declarative payload definition for one (event_type, version).
type Schema struct {
	fields map[string]Field
}

// NewSchema builds a schema from its field definitions.
func NewSchema(fields ...Field) (Schema, error) {
	defined := make(map[string]Field, len(fields))

	for _, field := range fields {
		name := strings.TrimSpace(field.Name)
		if name == "" {
			return Schema{}, fmt.Errorf("%w: field name is empty", ErrSchemaRequired)
		}

		if !field.Type.valid() {
			return Schema{}, fmt.Errorf("%w: field %q has unknown type %q", ErrSchemaRequired, name, field.Type)
		}

		if _, exists := defined[name]; exists {
			return Schema{}, fmt.Errorf("%w: field %q defined twice", ErrSchemaRequired, name)
		}

		field.Name = name
		defined[name] = field
	}

	return Schema{fields: defined}, nil
}

// MustSchema is NewSchema that panics on definition errors. Intended for
// package-level schema declarations in consuming services.
func MustSchema(fields ...Field) Schema {
	schema, err := NewSchema(fields...)
	if err != nil {
		panic(err)
	}

	return schema
}

// Fields returns the schema fields sorted by name.
func (schema Schema) Fields() []Field {
	fields := make([]Field, 0, len(schema.fields))
	for _, field := range schema.fields {
		fields = append(fields, field)
	}

	sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })

	return fields
}

func (schema Schema) equal(other Schema) bool {
	if len(schema.fields) != len(other.fields) {
		return false
	}

	for name, field := range schema.fields {
		otherField, exists := other.fields[name]
		if !exists || otherField != field {
			return false
		}
	}

	return true
}

// supersetOf reports whether schema keeps every field of prev with the same
// type, and only introduces optional fields on top.
func (schema Schema) supersetOf(prev Schema) error {
	for name, prevField := range prev.fields {
		field, exists := schema.fields[name]
		if !exists {
			return fmt.Errorf("%w: field %q was removed", ErrIncompatibleSchema, name)
		}

		if field.Type != prevField.Type {
			return fmt.Errorf("%w: field %q changed type %s -> %s", ErrIncompatibleSchema, name, prevField.Type, field.Type)
		}

		if prevField.Optional && !field.Optional {
			return fmt.Errorf("%w: field %q became required", ErrIncompatibleSchema, name)
		}
	}

	for name, field := range schema.fields {
		if _, exists := prev.fields[name]; exists {
			continue
		}

		if !field.Optional {
			return fmt.Errorf("%w: new field %q must be optional", ErrIncompatibleSchema, name)
		}
	}

	return nil
}

// Registry holds append-only, versioned payload schemas per event type.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]map[int]Schema
}

// NewRegistry creates an empty schema registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]map[int]Schema)}
}

// Register records a schema for (eventType, version). Registering the exact
// same definition twice is a no-op; a different definition for an existing
// pair fails because schemas are append-only. A new version of an existing
// event type must be a superset-compatible evolution of the latest lower
// version: no removals, no retyping, new fields optional only.
func (registry *Registry) Register(eventType string, version int, schema Schema) error {
	if registry == nil {
		return ErrRegistryRequired
	}

	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return ErrEventTypeRequired
	}

	if version <= 0 {
		return fmt.Errorf("%w: %d", ErrSchemaVersionInvalid, version)
	}

	if schema.fields == nil {
		return ErrSchemaRequired
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	versions, exists := registry.schemas[eventType]
	if !exists {
		versions = make(map[int]Schema)
		registry.schemas[eventType] = versions
	}

	if existing, registered := versions[version]; registered {
		if existing.equal(schema) {
			return nil
		}

		return fmt.Errorf("%w: %s v%d", ErrDuplicateSchema, eventType, version)
	}

	if prevVersion, ok := latestBelow(versions, version); ok {
		if err := schema.supersetOf(versions[prevVersion]); err != nil {
			return fmt.Errorf("%s v%d -> v%d: %w", eventType, prevVersion, version, err)
		}
	}

	if nextVersion, ok := earliestAbove(versions, version); ok {
		if err := versions[nextVersion].supersetOf(schema); err != nil {
			return fmt.Errorf("%s v%d -> v%d: %w", eventType, version, nextVersion, err)
		}
	}

	versions[version] = schema

	return nil
}

// LatestVersion returns the highest registered version for an event type.
func (registry *Registry) LatestVersion(eventType string) (int, bool) {
	if registry == nil {
		return 0, false
	}

	registry.mu.RLock()
	defer registry.mu.RUnlock()

	versions, exists := registry.schemas[strings.TrimSpace(eventType)]
	if !exists || len(versions) == 0 {
		return 0, false
	}

	latest := 0
	for version := range versions {
		if version > latest {
			latest = version
		}
	}

	return latest, true
}

// Schema returns the schema registered for (eventType, version).
func (registry *Registry) Schema(eventType string, version int) (Schema, bool) {
	if registry == nil {
		return Schema{}, false
	}

	registry.mu.RLock()
	defer registry.mu.RUnlock()

	versions, exists := registry.schemas[strings.TrimSpace(eventType)]
	if !exists {
		return Schema{}, false
	}

	schema, registered := versions[version]

	return schema, registered
}

// Validate checks a payload against the registered schema. Fields unknown to
// the schema are permitted so older schemas accept newer payloads.
func (registry *Registry) Validate(eventType string, version int, payload json.RawMessage) error {
	if registry == nil {
		return ErrRegistryRequired
	}

	schema, registered := registry.Schema(eventType, version)
	if !registered {
		return fmt.Errorf("%w: %s v%d", ErrSchemaNotRegistered, eventType, version)
	}

	var decoded map[string]any

	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("%w: %w", ErrPayloadNotJSON, err)
	}

	if decoded == nil {
		return ErrPayloadNotJSON
	}

	for _, field := range schema.Fields() {
		value, present := decoded[field.Name]
		if !present {
			if field.Optional {
				continue
			}

			return fmt.Errorf("%w: missing required field %q", ErrSchemaValidation, field.Name)
		}

		if value == nil {
			if field.Optional {
				continue
			}

			return fmt.Errorf("%w: required field %q is null", ErrSchemaValidation, field.Name)
		}

		if err := checkFieldType(field, value); err != nil {
			return err
		}
	}

	return nil
}

func checkFieldType(field Field, value any) error {
	switch field.Type {
	case TypeString:
		if _, ok := value.(string); !ok {
			return typeMismatch(field, value)
		}
	case TypeBoolean:
		if _, ok := value.(bool); !ok {
			return typeMismatch(field, value)
		}
	case TypeNumber:
		if _, ok := value.(float64); !ok {
			return typeMismatch(field, value)
		}
	case TypeInteger:
		number, ok := value.(float64)
		if !ok || number != float64(int64(number)) {
			return typeMismatch(field, value)
		}
	case TypeObject:
		if _, ok := value.(map[string]any); !ok {
			return typeMismatch(field, value)
		}
	case TypeArray:
		if _, ok := value.([]any); !ok {
			return typeMismatch(field, value)
		}
	default:
		return typeMismatch(field, value)
	}

	return nil
}

func typeMismatch(field Field, value any) error {
	return fmt.Errorf("%w: field %q is not a valid %s (got %T)", ErrSchemaValidation, field.Name, field.Type, value)
}

func latestBelow(versions map[int]Schema, version int) (int, bool) {
	found := 0

	for registered := range versions {
		if registered < version && registered > found {
			found = registered
		}
	}

	return found, found > 0
}

func earliestAbove(versions map[int]Schema, version int) (int, bool) {
	found := 0

	for registered := range versions {
		if registered > version && (found == 0 || registered < found) {
			found = registered
		}
	}

	return found, found > 0
}
