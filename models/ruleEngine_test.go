package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

// NOTE: These tests are intentionally DB-free. The rule interpreter is a pure
// function over in-memory transactions, so the operator and action semantics
// can be validated without MySQL.

func sampleTxn() *BankTransaction {
	return &BankTransaction{
		ID:              1,
		CompanyId:       "co-1",
		BankAccountId:   10,
		Amount:          decimal.NewFromFloat(-25.00),
		TransactionType: TransactionTypeWithdrawal,
		Description:     "STARBUCKS COFFEE #1234",
		PayeeName:       "Starbucks",
		ReferenceNumber: "REF-778",
	}
}

func cond(field ConditionField, op ConditionOperator, value any) RuleCondition {
	return RuleCondition{Field: field, Operator: op, Value: value}
}

func TestEvaluate_Contains_IsCaseInsensitive(t *testing.T) {
	txn := sampleTxn()
	if !cond(ConditionFieldDescription, ConditionOperatorContains, "starbucks").Evaluate(txn) {
		t.Fatal("lowercase needle should match uppercase description")
	}
	if !cond(ConditionFieldDescription, ConditionOperatorContains, "STARBUCKS").Evaluate(txn) {
		t.Fatal("uppercase needle should match")
	}
	if cond(ConditionFieldDescription, ConditionOperatorContains, "dunkin").Evaluate(txn) {
		t.Fatal("absent substring should not match")
	}
}

func TestEvaluate_StartsWithEndsWith(t *testing.T) {
	txn := sampleTxn()
	if !cond(ConditionFieldDescription, ConditionOperatorStartsWith, "star").Evaluate(txn) {
		t.Fatal("starts_with prefix should match case-insensitively")
	}
	if !cond(ConditionFieldDescription, ConditionOperatorEndsWith, "#1234").Evaluate(txn) {
		t.Fatal("ends_with suffix should match")
	}
	if cond(ConditionFieldDescription, ConditionOperatorStartsWith, "coffee").Evaluate(txn) {
		t.Fatal("mid-string value must not satisfy starts_with")
	}
}

func TestEvaluate_AmountComparesAbsoluteValue(t *testing.T) {
	txn := sampleTxn() // amount is -25.00

	if !cond(ConditionFieldAmount, ConditionOperatorEquals, 25.0).Evaluate(txn) {
		t.Fatal("equals should compare the magnitude, not the signed amount")
	}
	if !cond(ConditionFieldAmount, ConditionOperatorGt, 10).Evaluate(txn) {
		t.Fatal("gt should hold for |-25| > 10")
	}
	if cond(ConditionFieldAmount, ConditionOperatorGt, 25).Evaluate(txn) {
		t.Fatal("gt is strict")
	}
	if !cond(ConditionFieldAmount, ConditionOperatorLt, 30).Evaluate(txn) {
		t.Fatal("lt should hold for |-25| < 30")
	}
}

func TestEvaluate_BetweenIsInclusive(t *testing.T) {
	txn := sampleTxn() // |amount| = 25

	if !cond(ConditionFieldAmount, ConditionOperatorBetween, []any{10.0, 50.0}).Evaluate(txn) {
		t.Fatal("25 should fall inside [10, 50]")
	}
	if !cond(ConditionFieldAmount, ConditionOperatorBetween, []any{25.0, 50.0}).Evaluate(txn) {
		t.Fatal("lower bound is inclusive")
	}
	if !cond(ConditionFieldAmount, ConditionOperatorBetween, []any{10.0, 25.0}).Evaluate(txn) {
		t.Fatal("upper bound is inclusive")
	}
	if cond(ConditionFieldAmount, ConditionOperatorBetween, []any{26.0, 50.0}).Evaluate(txn) {
		t.Fatal("25 is outside [26, 50]")
	}
}

func TestEvaluate_MalformedValuesNeverMatch(t *testing.T) {
	txn := sampleTxn()

	cases := []struct {
		name string
		c    RuleCondition
	}{
		{"invalid regex", cond(ConditionFieldDescription, ConditionOperatorRegex, "([unclosed")},
		{"reversed between range", cond(ConditionFieldAmount, ConditionOperatorBetween, []any{50.0, 10.0})},
		{"short between range", cond(ConditionFieldAmount, ConditionOperatorBetween, []any{10.0})},
		{"non-array between value", cond(ConditionFieldAmount, ConditionOperatorBetween, "10-50")},
		{"non-numeric gt value", cond(ConditionFieldAmount, ConditionOperatorGt, "abc")},
		{"unknown field", cond(ConditionField("memo"), ConditionOperatorContains, "x")},
		{"unknown operator", cond(ConditionFieldDescription, ConditionOperator("matches"), "x")},
		{"nil value", cond(ConditionFieldDescription, ConditionOperatorContains, nil)},
	}
	for _, tc := range cases {
		if tc.c.Evaluate(txn) {
			t.Fatalf("%s: malformed condition must evaluate to no-match", tc.name)
		}
	}
}

func TestEvaluate_RegexMatches(t *testing.T) {
	txn := sampleTxn()
	if !cond(ConditionFieldReferenceNumber, ConditionOperatorRegex, `^REF-\d+$`).Evaluate(txn) {
		t.Fatal("valid pattern should match the reference number")
	}
}

func TestMatches_AllConditionsMustHold(t *testing.T) {
	txn := sampleTxn()
	rule := BankRule{
		IsActive: boolPtr(true),
		Conditions: RuleConditions{
			cond(ConditionFieldDescription, ConditionOperatorContains, "starbucks"),
			cond(ConditionFieldAmount, ConditionOperatorLt, 100),
		},
	}
	if !rule.Matches(txn) {
		t.Fatal("both conditions hold, rule should match")
	}

	rule.Conditions = append(rule.Conditions, cond(ConditionFieldCategory, ConditionOperatorEquals, "Travel"))
	if rule.Matches(txn) {
		t.Fatal("one failing condition must fail the whole rule")
	}
}

func TestMatches_ScopeAndActiveFlag(t *testing.T) {
	txn := sampleTxn() // account 10
	base := BankRule{
		IsActive:   boolPtr(true),
		Conditions: RuleConditions{cond(ConditionFieldDescription, ConditionOperatorContains, "starbucks")},
	}

	companyWide := base
	if !companyWide.Matches(txn) {
		t.Fatal("nil account scope applies to every account")
	}

	scoped := base
	scoped.BankAccountId = intPtr(10)
	if !scoped.Matches(txn) {
		t.Fatal("matching account scope should apply")
	}

	other := base
	other.BankAccountId = intPtr(99)
	if other.Matches(txn) {
		t.Fatal("rule scoped to another account must not apply")
	}

	inactive := base
	inactive.IsActive = boolPtr(false)
	if inactive.Matches(txn) {
		t.Fatal("inactive rule must never match")
	}
}

func TestMatchTransaction_FirstMatchWins(t *testing.T) {
	txn := sampleTxn()
	first := &BankRule{
		ID:         1,
		IsActive:   boolPtr(true),
		Conditions: RuleConditions{cond(ConditionFieldDescription, ConditionOperatorContains, "starbucks")},
	}
	second := &BankRule{
		ID:         2,
		IsActive:   boolPtr(true),
		Conditions: RuleConditions{cond(ConditionFieldAmount, ConditionOperatorLt, 100)},
	}

	got := MatchTransaction(txn, []*BankRule{first, second})
	if got == nil || got.ID != 1 {
		t.Fatalf("expected rule 1 to win, got %+v", got)
	}

	// With the first rule not matching, the second takes over.
	first.Conditions = RuleConditions{cond(ConditionFieldDescription, ConditionOperatorContains, "dunkin")}
	got = MatchTransaction(txn, []*BankRule{first, second})
	if got == nil || got.ID != 2 {
		t.Fatalf("expected rule 2 to win, got %+v", got)
	}

	if MatchTransaction(txn, nil) != nil {
		t.Fatal("no rules means no match")
	}
}

func TestApplyActions_InOrderWithOldNewValues(t *testing.T) {
	txn := sampleTxn()
	actions := RuleActions{
		{Type: ActionTypeSetCategory, Value: "Meals"},
		{Type: ActionTypeSetPayee, Value: "Starbucks Inc"},
		{Type: ActionTypeSetCategory, Value: "Coffee"},
	}

	results := ApplyActions(txn, actions)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].OldValue != "" || results[0].NewValue != "Meals" || !results[0].Applied {
		t.Fatalf("first set_category result wrong: %+v", results[0])
	}
	// The third action sees the category written by the first.
	if results[2].OldValue != "Meals" || results[2].NewValue != "Coffee" {
		t.Fatalf("later action must observe earlier mutation: %+v", results[2])
	}
	if txn.Category != "Coffee" || txn.PayeeName != "Starbucks Inc" {
		t.Fatalf("transaction not mutated as expected: %+v", txn)
	}
}

func TestApplyActions_DelegatedAndUnknown(t *testing.T) {
	txn := sampleTxn()
	actions := RuleActions{
		{Type: ActionTypeAutoMatchCustomer},
		{Type: ActionTypeAutoMatchVendor, Value: "ACME Supply"},
		{Type: ActionType("set_tax_code"), Value: "VAT5"},
	}

	results := ApplyActions(txn, actions)
	if !results[0].Delegated || results[0].Hint != "Starbucks" {
		t.Fatalf("auto_match_customer should delegate with payee fallback hint: %+v", results[0])
	}
	if !results[1].Delegated || results[1].Hint != "ACME Supply" {
		t.Fatalf("auto_match_vendor should carry the explicit hint: %+v", results[1])
	}
	if results[2].Applied || results[2].Delegated || results[2].Note == "" {
		t.Fatalf("unknown action must be a noted no-op: %+v", results[2])
	}
}

func TestApplyActions_InvalidTransactionTypeIsNoOp(t *testing.T) {
	txn := sampleTxn()
	results := ApplyActions(txn, RuleActions{{Type: ActionTypeSetTransactionType, Value: "refund"}})
	if results[0].Applied {
		t.Fatal("invalid transaction type must not be applied")
	}
	if txn.TransactionType != TransactionTypeWithdrawal {
		t.Fatal("transaction type must be unchanged")
	}
}

func TestFieldMutations_OnlyAppliedResults(t *testing.T) {
	results := []ActionResult{
		{Type: ActionTypeSetCategory, NewValue: "Coffee", Applied: true},
		{Type: ActionTypeSetPayee, NewValue: "Starbucks Inc", Applied: true},
		{Type: ActionTypeSetTransactionType, NewValue: "fee", Applied: false},
		{Type: ActionTypeAutoMatchCustomer, Delegated: true},
	}
	updates := FieldMutations(results)
	if len(updates) != 2 {
		t.Fatalf("expected 2 column updates, got %d: %v", len(updates), updates)
	}
	if updates["Category"] != "Coffee" || updates["PayeeName"] != "Starbucks Inc" {
		t.Fatalf("unexpected updates: %v", updates)
	}
}

func boolPtr(v bool) *bool { return &v }
func intPtr(v int) *int    { return &v }
