package models

type TransactionType string

const (
	TransactionTypeDeposit     TransactionType = "deposit"
	TransactionTypeWithdrawal  TransactionType = "withdrawal"
	TransactionTypeTransferIn  TransactionType = "transfer_in"
	TransactionTypeTransferOut TransactionType = "transfer_out"
	TransactionTypeFee         TransactionType = "fee"
	TransactionTypeInterest    TransactionType = "interest"
	TransactionTypeAdjustment  TransactionType = "adjustment"
	TransactionTypeOpening     TransactionType = "opening"
)

func (t TransactionType) IsValid() bool {
	switch t {
	case TransactionTypeDeposit, TransactionTypeWithdrawal,
		TransactionTypeTransferIn, TransactionTypeTransferOut,
		TransactionTypeFee, TransactionTypeInterest,
		TransactionTypeAdjustment, TransactionTypeOpening:
		return true
	}
	return false
}

type TransactionSource string

const (
	TransactionSourceManual   TransactionSource = "manual"
	TransactionSourceImported TransactionSource = "imported"
	TransactionSourceFeed     TransactionSource = "feed"
	TransactionSourceSystem   TransactionSource = "system"
)

type SessionStatus string

const (
	SessionStatusInProgress SessionStatus = "in_progress"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusCancelled  SessionStatus = "cancelled"
)

// IsTerminal reports whether the session can no longer transition.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusCancelled
}

type ConditionField string

const (
	ConditionFieldDescription     ConditionField = "description"
	ConditionFieldPayeeName       ConditionField = "payee_name"
	ConditionFieldAmount          ConditionField = "amount"
	ConditionFieldReferenceNumber ConditionField = "reference_number"
	ConditionFieldCategory        ConditionField = "category"
	ConditionFieldTransactionType ConditionField = "transaction_type"
)

type ConditionOperator string

const (
	ConditionOperatorContains   ConditionOperator = "contains"
	ConditionOperatorEquals     ConditionOperator = "equals"
	ConditionOperatorStartsWith ConditionOperator = "starts_with"
	ConditionOperatorEndsWith   ConditionOperator = "ends_with"
	ConditionOperatorRegex      ConditionOperator = "regex"
	ConditionOperatorGt         ConditionOperator = "gt"
	ConditionOperatorLt         ConditionOperator = "lt"
	ConditionOperatorBetween    ConditionOperator = "between"
)

type ActionType string

const (
	ActionTypeSetCategory        ActionType = "set_category"
	ActionTypeSetPayee           ActionType = "set_payee"
	ActionTypeSetTransactionType ActionType = "set_transaction_type"
	ActionTypeAutoMatchCustomer  ActionType = "auto_match_customer"
	ActionTypeAutoMatchVendor    ActionType = "auto_match_vendor"
	ActionTypeSetGlAccountId     ActionType = "set_gl_account_id"
)

// RunStatus tracks the durable lifecycle of a background match run.
type RunStatus string

const (
	RunStatusPending    RunStatus = "PENDING"
	RunStatusProcessing RunStatus = "PROCESSING"
	RunStatusSucceeded  RunStatus = "SUCCEEDED"
	RunStatusFailed     RunStatus = "FAILED"
	RunStatusDead       RunStatus = "DEAD"
)

type NotificationEventType string

const (
	NotificationEventRunCompleted NotificationEventType = "RunCompleted"
	NotificationEventRunFailed    NotificationEventType = "RunFailed"
)
