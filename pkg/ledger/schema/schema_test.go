package schema

import (
	"errors"
	"strings"
	"testing"

	"github.com/synaptiq/neuroledger/pkg/ledger"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("compile schemas: %v", err)
	}
	return v
}

func TestValidate_SessionStartValid(t *testing.T) {
	v := newValidator(t)

	err := v.Validate(ledger.EventSessionStart, map[string]interface{}{
		"session_id": "sess-42",
		"protocol":   "motor-imagery-v2",
		"operator":   "dr-chen",
	})
	if err != nil {
		t.Errorf("valid metadata rejected: %v", err)
	}
}

func TestValidate_MissingRequiredField(t *testing.T) {
	v := newValidator(t)

	err := v.Validate(ledger.EventSessionStart, map[string]interface{}{
		"session_id": "sess-42",
	})
	var verr *ledger.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if !strings.Contains(verr.Field, "protocol") {
		t.Errorf("error should name the missing field, got %q", verr.Field)
	}
}

func TestValidate_WrongType(t *testing.T) {
	v := newValidator(t)

	err := v.Validate(ledger.EventDataRecorded, map[string]interface{}{
		"channel_count":  "sixty-four",
		"sample_rate_hz": 30000,
	})
	var verr *ledger.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if !strings.Contains(verr.Field, "channel_count") {
		t.Errorf("error should point at channel_count, got %q", verr.Field)
	}
}

func TestValidate_GoIntegersAccepted(t *testing.T) {
	v := newValidator(t)

	// Producers hand us native Go ints; the schema must treat them as JSON
	// numbers, not reject them on type.
	err := v.Validate(ledger.EventDataRecorded, map[string]interface{}{
		"channel_count":  64,
		"sample_rate_hz": 30000,
		"duration_ms":    int64(1500),
	})
	if err != nil {
		t.Errorf("native integer metadata rejected: %v", err)
	}
}

func TestValidate_EnumViolation(t *testing.T) {
	v := newValidator(t)

	err := v.Validate(ledger.EventDeviceFault, map[string]interface{}{
		"fault_code": "E-117",
		"severity":   "catastrophic",
	})
	if err == nil {
		t.Error("out-of-enum severity should be rejected")
	}
}

func TestValidate_ConfidenceBounds(t *testing.T) {
	v := newValidator(t)

	err := v.Validate(ledger.EventMLInference, map[string]interface{}{
		"model":      "decoder-v3",
		"confidence": 1.2,
	})
	if err == nil {
		t.Error("confidence above 1 should be rejected")
	}

	err = v.Validate(ledger.EventMLInference, map[string]interface{}{
		"model":      "decoder-v3",
		"confidence": 0.87,
	})
	if err != nil {
		t.Errorf("in-range confidence rejected: %v", err)
	}
}

func TestValidate_NilMetadata(t *testing.T) {
	v := newValidator(t)

	// device.disconnected has no required fields; nil metadata passes.
	if err := v.Validate(ledger.EventDeviceDisconnected, nil); err != nil {
		t.Errorf("nil metadata with no required fields rejected: %v", err)
	}

	// session.start requires fields; nil metadata fails.
	if err := v.Validate(ledger.EventSessionStart, nil); err == nil {
		t.Error("nil metadata must fail when fields are required")
	}
}

func TestValidate_UnknownVariant(t *testing.T) {
	v := newValidator(t)

	err := v.Validate(ledger.EventType("bogus.type"), nil)
	var verr *ledger.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for unknown variant, got %v", err)
	}
}

func TestNewValidator_CoversAllKnownTypes(t *testing.T) {
	v := newValidator(t)

	for et := range variantSchemas {
		if !ledger.IsKnownType(et) {
			t.Errorf("schema declared for unknown type %s", et)
		}
		if v.compiled[et] == nil {
			t.Errorf("no compiled schema for %s", et)
		}
	}
}
