package envelope

import "errors"

var (
	ErrRegistryRequired     = errors.New("schema registry is required")
	ErrEventTypeRequired    = errors.New("event type is required")
	ErrAggregateIDRequired  = errors.New("aggregate id is required")
	ErrPayloadRequired      = errors.New("payload is required")
	ErrPayloadNotJSON       = errors.New("payload must be a JSON object")
	ErrPayloadTooLarge      = errors.New("payload exceeds maximum allowed size")
	ErrSchemaRequired       = errors.New("schema definition is required")
	ErrSchemaNotRegistered  = errors.New("no schema registered for event type")
	ErrSchemaVersionInvalid = errors.New("schema version must be a positive integer")
	ErrSchemaValidation     = errors.New("payload does not conform to registered schema")
	ErrDuplicateSchema      = errors.New("schema already registered with a different definition")
	ErrIncompatibleSchema   = errors.New("schema evolution must only add optional fields")
	ErrEnvelopeInvalid      = errors.New("envelope is missing required fields")
)
