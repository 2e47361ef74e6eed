package models

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/banking_backend/config"
	"bitbucket.org/mmdatafocus/banking_backend/utils"
)

// RuleCondition is one predicate of a rule. Value is loosely typed on the
// wire (string, number, or 2-element range for between) and interpreted by
// the evaluator, which treats malformed values as no-match.
type RuleCondition struct {
	Field    ConditionField    `json:"field"`
	Operator ConditionOperator `json:"operator"`
	Value    any               `json:"value"`
}

type RuleConditions []RuleCondition

func (c RuleConditions) Value() (driver.Value, error) {
	return json.Marshal(c)
}

func (c *RuleConditions) Scan(value interface{}) error {
	b, ok := value.([]byte)
	if !ok {
		if s, sok := value.(string); sok {
			b = []byte(s)
		} else {
			return fmt.Errorf("cannot scan %T into RuleConditions", value)
		}
	}
	return json.Unmarshal(b, c)
}

// RuleAction is one effect of a matched rule, applied in list order.
type RuleAction struct {
	Type  ActionType `json:"type"`
	Value any        `json:"value"`
}

type RuleActions []RuleAction

func (a RuleActions) Value() (driver.Value, error) {
	return json.Marshal(a)
}

func (a *RuleActions) Scan(value interface{}) error {
	b, ok := value.([]byte)
	if !ok {
		if s, sok := value.(string); sok {
			b = []byte(s)
		} else {
			return fmt.Errorf("cannot scan %T into RuleActions", value)
		}
	}
	return json.Unmarshal(b, a)
}

// BankRule is a user-authored classification rule. BankAccountId nil means
// the rule applies to every account of the company. Lower priority evaluates
// first; ties break by id (creation order).
type BankRule struct {
	ID            int            `gorm:"primary_key" json:"id"`
	CompanyId     string         `gorm:"size:64;not null;index" json:"company_id"`
	BankAccountId *int           `gorm:"index" json:"bank_account_id"`
	Name          string         `gorm:"size:255;not null" json:"name"`
	Priority      int            `gorm:"not null;default:0;index" json:"priority"`
	Conditions    RuleConditions `gorm:"type:json" json:"conditions"`
	Actions       RuleActions    `gorm:"type:json" json:"actions"`
	IsActive      *bool          `gorm:"not null;default:true" json:"is_active"`
	CreatedAt     time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (r BankRule) GetId() int {
	return r.ID
}

type NewBankRule struct {
	Name          string         `json:"name" validate:"required,max=255"`
	BankAccountId *int           `json:"bank_account_id"`
	Priority      int            `json:"priority" validate:"gte=0"`
	Conditions    RuleConditions `json:"conditions" validate:"required,min=1"`
	Actions       RuleActions    `json:"actions" validate:"required,min=1"`
	IsActive      *bool          `json:"is_active"`
}

func (input NewBankRule) validate(ctx context.Context, companyId string) error {
	if err := utils.ValidateInput(&input); err != nil {
		return utils.NewValidationError("invalid rule input: %v", err)
	}
	for i, c := range input.Conditions {
		if !isKnownConditionField(c.Field) {
			return utils.NewValidationError("condition %d: unknown field %q", i, c.Field)
		}
		if !isKnownConditionOperator(c.Operator) {
			return utils.NewValidationError("condition %d: unknown operator %q", i, c.Operator)
		}
		if c.Operator == ConditionOperatorBetween {
			if _, _, ok := rangeFromValue(c.Value); !ok {
				return utils.NewValidationError("condition %d: between requires a 2-element numeric range", i)
			}
		}
	}
	for i, a := range input.Actions {
		if !isKnownActionType(a.Type) {
			return utils.NewValidationError("action %d: unknown type %q", i, a.Type)
		}
	}
	if input.BankAccountId != nil {
		if err := utils.ValidateResourceId[BankAccount](ctx, companyId, *input.BankAccountId); err != nil {
			return errors.New("bank account id not found")
		}
	}
	return nil
}

func isKnownConditionField(f ConditionField) bool {
	switch f {
	case ConditionFieldDescription, ConditionFieldPayeeName, ConditionFieldAmount,
		ConditionFieldReferenceNumber, ConditionFieldCategory, ConditionFieldTransactionType:
		return true
	}
	return false
}

func isKnownConditionOperator(op ConditionOperator) bool {
	switch op {
	case ConditionOperatorContains, ConditionOperatorEquals, ConditionOperatorStartsWith,
		ConditionOperatorEndsWith, ConditionOperatorRegex, ConditionOperatorGt,
		ConditionOperatorLt, ConditionOperatorBetween:
		return true
	}
	return false
}

func isKnownActionType(t ActionType) bool {
	switch t {
	case ActionTypeSetCategory, ActionTypeSetPayee, ActionTypeSetTransactionType,
		ActionTypeAutoMatchCustomer, ActionTypeAutoMatchVendor, ActionTypeSetGlAccountId:
		return true
	}
	return false
}

func bankRulesCacheKey(companyId string) string {
	return "bankRules:" + companyId
}

func invalidateBankRulesCache(companyId string) {
	_ = config.RemoveRedisKey(bankRulesCacheKey(companyId))
}

func CreateBankRule(ctx context.Context, input *NewBankRule) (*BankRule, error) {
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, errors.New("company id is required")
	}
	if err := input.validate(ctx, companyId); err != nil {
		return nil, err
	}

	rule := BankRule{
		CompanyId:     companyId,
		BankAccountId: input.BankAccountId,
		Name:          input.Name,
		Priority:      input.Priority,
		Conditions:    input.Conditions,
		Actions:       input.Actions,
		IsActive:      input.IsActive,
	}
	if rule.IsActive == nil {
		rule.IsActive = utils.NewTrue()
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&rule).Error; err != nil {
		return nil, err
	}
	invalidateBankRulesCache(companyId)
	return &rule, nil
}

func UpdateBankRule(ctx context.Context, id int, input *NewBankRule) (*BankRule, error) {
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, errors.New("company id is required")
	}
	if err := input.validate(ctx, companyId); err != nil {
		return nil, err
	}

	rule, err := utils.FetchModel[BankRule](ctx, companyId, id)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	err = db.WithContext(ctx).Model(rule).Updates(map[string]interface{}{
		"Name":          input.Name,
		"BankAccountId": input.BankAccountId,
		"Priority":      input.Priority,
		"Conditions":    input.Conditions,
		"Actions":       input.Actions,
	}).Error
	if err != nil {
		return nil, err
	}
	invalidateBankRulesCache(companyId)
	return utils.FetchModel[BankRule](ctx, companyId, id)
}

func DeleteBankRule(ctx context.Context, id int) (*BankRule, error) {
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, errors.New("company id is required")
	}

	rule, err := utils.FetchModel[BankRule](ctx, companyId, id)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Delete(rule).Error; err != nil {
		return nil, err
	}
	invalidateBankRulesCache(companyId)
	return rule, nil
}

// ToggleBankRuleActive deactivates or reactivates a rule without deleting it.
// Deactivated rules are excluded from evaluation.
func ToggleBankRuleActive(ctx context.Context, id int, active bool) (*BankRule, error) {
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, errors.New("company id is required")
	}

	rule, err := utils.FetchModel[BankRule](ctx, companyId, id)
	if err != nil {
		return nil, err
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Model(rule).Update("IsActive", active).Error; err != nil {
		return nil, err
	}
	rule.IsActive = &active
	invalidateBankRulesCache(companyId)
	return rule, nil
}

func GetBankRule(ctx context.Context, id int) (*BankRule, error) {
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, errors.New("company id is required")
	}
	return utils.FetchModel[BankRule](ctx, companyId, id)
}

func ListBankRules(ctx context.Context) ([]*BankRule, error) {
	companyId, ok := utils.GetCompanyIdFromContext(ctx)
	if !ok || companyId == "" {
		return nil, errors.New("company id is required")
	}
	db := config.GetDB()
	var rules []*BankRule
	err := db.WithContext(ctx).
		Where("company_id = ?", companyId).
		Order("priority ASC, id ASC").
		Find(&rules).Error
	if err != nil {
		return nil, err
	}
	return rules, nil
}

// ActiveRulesForAccount returns the active rules scoped to the account or to
// the whole company, ordered by (priority ASC, id ASC). The company's full
// active rule list is cached in redis; orchestrator runs load it once.
func ActiveRulesForAccount(ctx context.Context, companyId string, accountId int) ([]*BankRule, error) {
	key := bankRulesCacheKey(companyId)

	var all []*BankRule
	exists, err := config.GetRedisObject(key, &all)
	if err != nil {
		return nil, err
	}
	if !exists {
		db := config.GetDB()
		err := db.WithContext(ctx).
			Where("company_id = ? AND is_active = 1", companyId).
			Order("priority ASC, id ASC").
			Find(&all).Error
		if err != nil {
			return nil, err
		}
		if err := config.SetRedisObject(key, &all, 10*time.Minute); err != nil {
			return nil, err
		}
	}

	scoped := make([]*BankRule, 0, len(all))
	for _, r := range all {
		if r.BankAccountId == nil || *r.BankAccountId == accountId {
			scoped = append(scoped, r)
		}
	}
	return scoped, nil
}
