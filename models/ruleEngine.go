package models

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// The rule interpreter is total: malformed conditions evaluate to no-match
// and unknown actions degrade to no-op results. Nothing here touches the DB
// or the network, so both halves are unit-testable in isolation.

// Matches reports whether the rule applies to the transaction: the rule must
// be active, its account scope must be nil or equal to the transaction's
// account, and every condition must hold (AND semantics).
func (r BankRule) Matches(txn *BankTransaction) bool {
	if r.IsActive != nil && !*r.IsActive {
		return false
	}
	if r.BankAccountId != nil && *r.BankAccountId != txn.BankAccountId {
		return false
	}
	for _, c := range r.Conditions {
		if !c.Evaluate(txn) {
			return false
		}
	}
	return true
}

// MatchTransaction returns the first rule in the (already ordered) list that
// matches the transaction, or nil. First match wins; later rules are not
// evaluated for this transaction.
func MatchTransaction(txn *BankTransaction, rules []*BankRule) *BankRule {
	for _, r := range rules {
		if r.Matches(txn) {
			return r
		}
	}
	return nil
}

// Evaluate applies one condition against the transaction. Unknown fields or
// operators and malformed values evaluate to false, never error.
func (c RuleCondition) Evaluate(txn *BankTransaction) bool {
	fieldStr, ok := txn.FieldValue(c.Field)
	if !ok {
		return false
	}

	switch c.Operator {
	case ConditionOperatorContains:
		v, ok := valueAsString(c.Value)
		return ok && strings.Contains(strings.ToLower(fieldStr), strings.ToLower(v))
	case ConditionOperatorStartsWith:
		v, ok := valueAsString(c.Value)
		return ok && strings.HasPrefix(strings.ToLower(fieldStr), strings.ToLower(v))
	case ConditionOperatorEndsWith:
		v, ok := valueAsString(c.Value)
		return ok && strings.HasSuffix(strings.ToLower(fieldStr), strings.ToLower(v))
	case ConditionOperatorEquals:
		if c.Field == ConditionFieldAmount {
			v, ok := valueAsDecimal(c.Value)
			return ok && txn.AbsAmount().Equal(v)
		}
		v, ok := valueAsString(c.Value)
		return ok && strings.EqualFold(fieldStr, v)
	case ConditionOperatorRegex:
		pattern, ok := valueAsString(c.Value)
		if !ok {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			// Invalid pattern is no-match, never an error.
			return false
		}
		return re.MatchString(fieldStr)
	case ConditionOperatorGt:
		fv, fok := numericFieldValue(txn, c.Field, fieldStr)
		v, vok := valueAsDecimal(c.Value)
		return fok && vok && fv.GreaterThan(v)
	case ConditionOperatorLt:
		fv, fok := numericFieldValue(txn, c.Field, fieldStr)
		v, vok := valueAsDecimal(c.Value)
		return fok && vok && fv.LessThan(v)
	case ConditionOperatorBetween:
		fv, fok := numericFieldValue(txn, c.Field, fieldStr)
		lo, hi, rok := rangeFromValue(c.Value)
		// Inclusive on both ends.
		return fok && rok && fv.GreaterThanOrEqual(lo) && fv.LessThanOrEqual(hi)
	default:
		return false
	}
}

func numericFieldValue(txn *BankTransaction, field ConditionField, fieldStr string) (decimal.Decimal, bool) {
	if field == ConditionFieldAmount {
		return txn.AbsAmount(), true
	}
	d, err := decimal.NewFromString(strings.TrimSpace(fieldStr))
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func valueAsString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return decimal.NewFromFloat(t).String(), true
	case int:
		return decimal.NewFromInt(int64(t)).String(), true
	case json.Number:
		return t.String(), true
	case decimal.Decimal:
		return t.String(), true
	default:
		return "", false
	}
}

func valueAsDecimal(v any) (decimal.Decimal, bool) {
	switch t := v.(type) {
	case float64:
		return decimal.NewFromFloat(t), true
	case int:
		return decimal.NewFromInt(int64(t)), true
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(t))
		return d, err == nil
	case decimal.Decimal:
		return t, true
	default:
		return decimal.Zero, false
	}
}

// rangeFromValue decodes a between value: a 2-element ordered numeric pair.
// A reversed or short pair is malformed and yields ok=false.
func rangeFromValue(v any) (lo decimal.Decimal, hi decimal.Decimal, ok bool) {
	arr, isArr := v.([]any)
	if !isArr {
		return decimal.Zero, decimal.Zero, false
	}
	if len(arr) != 2 {
		return decimal.Zero, decimal.Zero, false
	}
	lo, lok := valueAsDecimal(arr[0])
	hi, hok := valueAsDecimal(arr[1])
	if !lok || !hok || lo.GreaterThan(hi) {
		return decimal.Zero, decimal.Zero, false
	}
	return lo, hi, true
}

// ActionResult records one action's effect for the audit trail. Direct field
// actions carry old/new values; delegating actions carry the hint handed to
// the external collaborator.
type ActionResult struct {
	Type      ActionType `json:"type"`
	OldValue  string     `json:"old_value,omitempty"`
	NewValue  string     `json:"new_value,omitempty"`
	Applied   bool       `json:"applied"`
	Delegated bool       `json:"delegated"`
	Hint      string     `json:"hint,omitempty"`
	Note      string     `json:"note,omitempty"`
}

// ApplyActions executes the actions strictly in list order against the
// in-memory transaction. Each action sees the state left by earlier ones.
// Delegating actions do not mutate; they package their hint for the
// orchestrator's collaborators. Unknown action types are no-op results.
func ApplyActions(txn *BankTransaction, actions RuleActions) []ActionResult {
	results := make([]ActionResult, 0, len(actions))
	for _, a := range actions {
		switch a.Type {
		case ActionTypeSetCategory:
			v, ok := valueAsString(a.Value)
			if !ok {
				results = append(results, ActionResult{Type: a.Type, Note: "malformed value"})
				continue
			}
			results = append(results, ActionResult{Type: a.Type, OldValue: txn.Category, NewValue: v, Applied: true})
			txn.Category = v
		case ActionTypeSetPayee:
			v, ok := valueAsString(a.Value)
			if !ok {
				results = append(results, ActionResult{Type: a.Type, Note: "malformed value"})
				continue
			}
			results = append(results, ActionResult{Type: a.Type, OldValue: txn.PayeeName, NewValue: v, Applied: true})
			txn.PayeeName = v
		case ActionTypeSetTransactionType:
			v, ok := valueAsString(a.Value)
			if !ok || !TransactionType(v).IsValid() {
				results = append(results, ActionResult{Type: a.Type, Note: fmt.Sprintf("invalid transaction type %q", v)})
				continue
			}
			results = append(results, ActionResult{Type: a.Type, OldValue: string(txn.TransactionType), NewValue: v, Applied: true})
			txn.TransactionType = TransactionType(v)
		case ActionTypeAutoMatchCustomer, ActionTypeAutoMatchVendor:
			hint, ok := valueAsString(a.Value)
			if !ok || hint == "" {
				hint = txn.PayeeName
			}
			results = append(results, ActionResult{Type: a.Type, Delegated: true, Hint: hint})
		case ActionTypeSetGlAccountId:
			hint, _ := valueAsString(a.Value)
			results = append(results, ActionResult{Type: a.Type, Delegated: true, Hint: hint})
		default:
			results = append(results, ActionResult{Type: a.Type, Note: "unknown action type"})
		}
	}
	return results
}

// FieldMutations converts applied direct-field results into the column update
// map persisted by the orchestrator's compare-and-set write.
func FieldMutations(results []ActionResult) map[string]interface{} {
	updates := map[string]interface{}{}
	for _, r := range results {
		if !r.Applied {
			continue
		}
		switch r.Type {
		case ActionTypeSetCategory:
			updates["Category"] = r.NewValue
		case ActionTypeSetPayee:
			updates["PayeeName"] = r.NewValue
		case ActionTypeSetTransactionType:
			updates["TransactionType"] = TransactionType(r.NewValue)
		}
	}
	return updates
}
