// Package schema validates event metadata against a per-variant JSON Schema.
// The metadata payload stays an open map on the wire, but admission is gated
// by an explicit schema per event type so malformed submissions are rejected
// before they touch the chain.
package schema

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/synaptiq/neuroledger/pkg/ledger"
)

// variantSchemas declares required, typed metadata per event type. Additive
// only: changing the meaning of an existing variant's field requires a new
// event type instead.
var variantSchemas = map[ledger.EventType]string{
	ledger.EventSessionStart: `{
		"type": "object",
		"required": ["session_id", "protocol"],
		"properties": {
			"session_id": {"type": "string", "minLength": 1},
			"protocol":   {"type": "string", "minLength": 1},
			"operator":   {"type": "string"}
		}
	}`,
	ledger.EventSessionEnd: `{
		"type": "object",
		"required": ["session_id", "reason"],
		"properties": {
			"session_id":  {"type": "string", "minLength": 1},
			"reason":      {"type": "string", "minLength": 1},
			"duration_ms": {"type": "integer", "minimum": 0}
		}
	}`,
	ledger.EventSessionPause: `{
		"type": "object",
		"required": ["session_id"],
		"properties": {"session_id": {"type": "string", "minLength": 1}}
	}`,
	ledger.EventSessionResume: `{
		"type": "object",
		"required": ["session_id"],
		"properties": {"session_id": {"type": "string", "minLength": 1}}
	}`,
	ledger.EventDataRecorded: `{
		"type": "object",
		"required": ["channel_count", "sample_rate_hz"],
		"properties": {
			"channel_count":  {"type": "integer", "minimum": 1},
			"sample_rate_hz": {"type": "number", "exclusiveMinimum": 0},
			"duration_ms":    {"type": "integer", "minimum": 0}
		}
	}`,
	ledger.EventDataExport: `{
		"type": "object",
		"required": ["destination", "record_count"],
		"properties": {
			"destination":  {"type": "string", "minLength": 1},
			"record_count": {"type": "integer", "minimum": 0},
			"format":       {"type": "string"}
		}
	}`,
	ledger.EventDeviceConnected: `{
		"type": "object",
		"required": ["firmware_version"],
		"properties": {
			"firmware_version": {"type": "string", "minLength": 1},
			"electrode_count":  {"type": "integer", "minimum": 0}
		}
	}`,
	ledger.EventDeviceDisconnected: `{
		"type": "object",
		"properties": {"reason": {"type": "string"}}
	}`,
	ledger.EventDeviceFault: `{
		"type": "object",
		"required": ["fault_code"],
		"properties": {
			"fault_code": {"type": "string", "minLength": 1},
			"severity":   {"type": "string", "enum": ["info", "warning", "critical"]}
		}
	}`,
	ledger.EventDeviceEmergencyStop: `{
		"type": "object",
		"required": ["trigger"],
		"properties": {"trigger": {"type": "string", "minLength": 1}}
	}`,
	ledger.EventMLInference: `{
		"type": "object",
		"required": ["model", "confidence"],
		"properties": {
			"model":      {"type": "string", "minLength": 1},
			"confidence": {"type": "number", "minimum": 0, "maximum": 1},
			"window_ms":  {"type": "integer", "minimum": 0}
		}
	}`,
	ledger.EventMLModelLoaded: `{
		"type": "object",
		"required": ["model", "model_version"],
		"properties": {
			"model":         {"type": "string", "minLength": 1},
			"model_version": {"type": "string", "minLength": 1}
		}
	}`,
	ledger.EventAuthLogin: `{
		"type": "object",
		"required": ["method"],
		"properties": {"method": {"type": "string", "minLength": 1}}
	}`,
	ledger.EventAuthLogout: `{
		"type": "object",
		"properties": {"method": {"type": "string"}}
	}`,
	ledger.EventAuthFailure: `{
		"type": "object",
		"required": ["method", "reason"],
		"properties": {
			"method": {"type": "string", "minLength": 1},
			"reason": {"type": "string", "minLength": 1}
		}
	}`,
	ledger.EventAccessGranted: `{
		"type": "object",
		"required": ["resource"],
		"properties": {
			"resource": {"type": "string", "minLength": 1},
			"scope":    {"type": "string"}
		}
	}`,
	ledger.EventAccessDenied: `{
		"type": "object",
		"required": ["resource", "reason"],
		"properties": {
			"resource": {"type": "string", "minLength": 1},
			"reason":   {"type": "string", "minLength": 1}
		}
	}`,
	ledger.EventConsentGranted: `{
		"type": "object",
		"required": ["consent_scope"],
		"properties": {"consent_scope": {"type": "string", "minLength": 1}}
	}`,
	ledger.EventConsentRevoked: `{
		"type": "object",
		"required": ["consent_scope"],
		"properties": {"consent_scope": {"type": "string", "minLength": 1}}
	}`,
	ledger.EventLedgerRejected: `{
		"type": "object",
		"required": ["rejected_type", "error"],
		"properties": {
			"rejected_type": {"type": "string"},
			"error":         {"type": "string"}
		}
	}`,
	ledger.EventLedgerCorruption: `{
		"type": "object",
		"required": ["partition_key", "error"],
		"properties": {
			"partition_key": {"type": "string"},
			"event_id":      {"type": "string"},
			"position":      {"type": "integer"},
			"error":         {"type": "string"}
		}
	}`,
}

// Validator holds compiled metadata schemas for every known event type.
type Validator struct {
	compiled map[ledger.EventType]*jsonschema.Schema
}

// NewValidator compiles all variant schemas up front so admission never pays
// compilation cost.
func NewValidator() (*Validator, error) {
	v := &Validator{compiled: make(map[ledger.EventType]*jsonschema.Schema, len(variantSchemas))}
	for et, raw := range variantSchemas {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://neuroledger.schemas.local/events/%s.schema.json", et)
		if err := c.AddResource(url, strings.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("schema load for %s failed: %w", et, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("schema compile for %s failed: %w", et, err)
		}
		v.compiled[et] = compiled
	}
	return v, nil
}

// Validate checks metadata against the schema for the given event type.
// Returns a ValidationError naming the offending field.
func (v *Validator) Validate(et ledger.EventType, metadata map[string]interface{}) error {
	compiled, ok := v.compiled[et]
	if !ok {
		return &ledger.ValidationError{Field: "event_type", Reason: fmt.Sprintf("unknown variant %q", et)}
	}

	// jsonschema validates generic values; nil metadata is an empty object.
	var instance interface{} = map[string]interface{}{}
	if metadata != nil {
		instance = mapToGeneric(metadata)
	}
	if err := compiled.Validate(instance); err != nil {
		return &ledger.ValidationError{Field: offendingField(err), Reason: err.Error()}
	}
	return nil
}

// mapToGeneric normalizes typed Go numbers into the generic JSON domain the
// schema engine expects (int must compare as a JSON number).
func mapToGeneric(m map[string]interface{}) interface{} {
	out := make(map[string]interface{}, len(m))
	for k, val := range m {
		out[k] = valueToGeneric(val)
	}
	return out
}

func valueToGeneric(v interface{}) interface{} {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	case map[string]interface{}:
		return mapToGeneric(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = valueToGeneric(e)
		}
		return out
	default:
		return v
	}
}

// offendingField extracts the metadata field a validation failure points at.
func offendingField(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return "metadata"
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	loc := strings.TrimPrefix(leaf.InstanceLocation, "/")
	if loc == "" {
		// Missing-required failures locate at the object root; pull the
		// property name out of the message when present.
		msg := leaf.Message
		if i := strings.Index(msg, "'"); i >= 0 {
			if j := strings.Index(msg[i+1:], "'"); j >= 0 {
				return "metadata." + msg[i+1:i+1+j]
			}
		}
		return "metadata"
	}
	return "metadata." + strings.ReplaceAll(loc, "/", ".")
}
