package payload

import (
	"testing"

	"fleetagent/internal/workflow"
)

func TestValidateAcceptsWellFormedPayload(t *testing.T) {
	raw := []byte(`{
		"updateId": {"provider": "contoso", "name": "firmware", "version": "1.0"},
		"action": 1,
		"steps": [{"updateType": "apt:1"}]
	}`)
	if err := Validate(raw); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidateRejectsMissingUpdateID(t *testing.T) {
	raw := []byte(`{"action": 1, "steps": []}`)
	err := Validate(raw)
	if err == nil {
		t.Fatal("expected a validation error for a missing updateId")
	}
	if _, ok := err.(*ValidationError); !ok {
		t.Errorf("error type = %T, want *ValidationError", err)
	}
}

func TestValidateRejectsStepWithoutUpdateType(t *testing.T) {
	raw := []byte(`{
		"updateId": {"provider": "contoso", "name": "firmware", "version": "1.0"},
		"action": 1,
		"steps": [{"files": []}]
	}`)
	if err := Validate(raw); err == nil {
		t.Fatal("expected a validation error for a step missing updateType")
	}
}

func TestValidateRejectsMalformedJSON(t *testing.T) {
	if err := Validate([]byte(`{not json`)); err == nil {
		t.Fatal("expected an error for malformed JSON")
	}
}

func TestParseAndValidateReturnsParsedUpdate(t *testing.T) {
	raw := []byte(`{
		"updateId": {"provider": "contoso", "name": "firmware", "version": "2.0"},
		"action": 1,
		"steps": [{"updateType": "apt:1"}]
	}`)
	update, err := ParseAndValidate(raw)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if update.Action != workflow.ActionProcessDeployment {
		t.Errorf("Action = %v, want ActionProcessDeployment", update.Action)
	}
	if update.UpdateID.String() != "contoso.firmware.2.0" {
		t.Errorf("UpdateID.String() = %q", update.UpdateID.String())
	}
}

func TestParseAndValidateParsesForceUpdate(t *testing.T) {
	raw := []byte(`{
		"updateId": {"provider": "contoso", "name": "firmware", "version": "3.0"},
		"action": 1,
		"forceUpdate": true,
		"steps": [{"updateType": "apt:1"}]
	}`)
	update, err := ParseAndValidate(raw)
	if err != nil {
		t.Fatalf("ParseAndValidate: %v", err)
	}
	if !update.ForceUpdate {
		t.Error("expected ForceUpdate to be parsed as true")
	}
}

func TestParseAndValidateRejectsBeforeParsing(t *testing.T) {
	raw := []byte(`{"action": 1}`)
	if _, err := ParseAndValidate(raw); err == nil {
		t.Fatal("expected schema validation to reject before parsing runs")
	}
}
