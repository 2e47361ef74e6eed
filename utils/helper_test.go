package utils

import (
	"errors"
	"strings"
	"testing"
)

type ruleInputFixture struct {
	Name     string `validate:"required"`
	Priority int    `validate:"gte=0"`
}

func TestValidateInput_ReportsFieldTags(t *testing.T) {
	err := ValidateInput(&ruleInputFixture{Priority: -1})
	if err == nil {
		t.Fatal("missing required field must fail validation")
	}
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %T: %v", err, err)
	}
	if !strings.Contains(ve.Message, "Name") || !strings.Contains(ve.Message, "required") {
		t.Fatalf("message should name the failing field and tag: %s", ve.Message)
	}
	if !strings.Contains(ve.Message, "Priority") || !strings.Contains(ve.Message, "gte") {
		t.Fatalf("message should carry every failing field: %s", ve.Message)
	}

	if err := ValidateInput(&ruleInputFixture{Name: "coffee", Priority: 1}); err != nil {
		t.Fatalf("valid input should pass, got %v", err)
	}
}

func TestGetValidationErrors_NonValidatorError(t *testing.T) {
	// Arbitrary errors must degrade to a generic entry, never panic.
	m := GetValidationErrors(errors.New("boom"))
	if m["input"] != "boom" {
		t.Fatalf("unexpected map for plain error: %v", m)
	}
}
