package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrMalformed marks a feed payload that can never be folded, no matter how often it is retried.
var ErrMalformed = errors.New("malformed price point")

// pricePointSchema is what every change-feed payload must satisfy. The pair must not
// contain '|' or whitespace since it is part of the sample identity.
const pricePointSchema = `{
	"type": "object",
	"properties": {
		"pair":  {"type": "string", "minLength": 1, "pattern": "^[^|\\s]+$"},
		"value": {"type": "number", "exclusiveMinimum": 0},
		"time":  {"type": "integer", "minimum": 0},
		"batch": {"type": "integer", "minimum": 1}
	},
	"required": ["pair", "value", "time", "batch"]
}`

var feedSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft7
	if err := compiler.AddResource("price_point.json", strings.NewReader(pricePointSchema)); err != nil {
		return nil, fmt.Errorf("failed to add price point schema: %w", err)
	}
	return compiler.Compile("price_point.json")
})

// PayloadError describes why a change-feed payload was rejected. It always matches
// ErrMalformed.
type PayloadError struct {
	Field  string // payload field at fault; empty when the payload as a whole is rejected
	Reason string
}

func (e *PayloadError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%v: %s", ErrMalformed, e.Reason)
	}
	return fmt.Sprintf("%v: field %q: %s", ErrMalformed, e.Field, e.Reason)
}

func (e *PayloadError) Unwrap() error { return ErrMalformed }

// ParsePricePoint decodes and validates a change-feed payload.
// Every failure wraps ErrMalformed; schema violations are a *PayloadError.
func ParsePricePoint(data string) (*PricePoint, error) {
	schema, err := feedSchema()
	if err != nil {
		return nil, err
	}

	var doc interface{}
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, &PayloadError{Reason: "not json: " + err.Error()}
	}

	if err := schema.Validate(doc); err != nil {
		return nil, payloadError(err)
	}

	var point PricePoint
	if err := json.Unmarshal([]byte(data), &point); err != nil {
		return nil, &PayloadError{Reason: err.Error()}
	}
	return &point, nil
}

// payloadError reports the first leaf violation, which names the offending field.
func payloadError(err error) error {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return &PayloadError{
		Field:  strings.TrimPrefix(ve.InstanceLocation, "/"),
		Reason: ve.Message,
	}
}

// MarshalPricePoint encodes a PricePoint as the change-feed payload.
func MarshalPricePoint(p PricePoint) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("json marshal failed: %w", err)
	}
	return string(data), nil
}
