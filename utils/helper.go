package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/banking_backend/config"
	"github.com/bsm/redislock"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ValidateInput runs struct tag validation on a mutation input.
func ValidateInput(input interface{}) error {
	if err := validate.Struct(input); err != nil {
		return NewValidationError("%v", GetValidationErrors(err))
	}
	return nil
}

// GetValidationErrors converts validator errors into a field:tag map for responses.
func GetValidationErrors(err error) map[string]string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return map[string]string{"input": err.Error()}
	}

	errorResponse := make(map[string]string)

	for _, ve := range validationErrors {
		errorResponse[ve.Field()] = ve.Tag()
	}

	return errorResponse
}

func NewTrue() *bool {
	b := true
	return &b
}

func NewFalse() *bool {
	b := false
	return &b
}

// AcquireAccountRunLock obtains a short-lived distributed lock for one bank
// account so duplicate run dispatches shed instead of racing. The caller must
// release the returned lock.
func AcquireAccountRunLock(ctx context.Context, companyId string, accountId int, ttl time.Duration) (*redislock.Lock, error) {
	logger := config.GetLogger()
	locker := config.GetRedisLock()
	if locker == nil {
		// Avoid nil-pointer panics when Redis lock isn't initialized yet.
		config.LogError(logger, "utils", "AcquireAccountRunLock", "Redis lock not initialized", companyId, errors.New("redis lock is nil"))
		return nil, errors.New("service not ready (redis lock not initialized)")
	}
	lockKey := fmt.Sprintf("matchrun:%s:%d", companyId, accountId)
	lock, err := locker.Obtain(ctx, lockKey, ttl, nil)
	if err == redislock.ErrNotObtained {
		return nil, redislock.ErrNotObtained
	} else if err != nil {
		config.LogError(logger, "utils", "AcquireAccountRunLock", "Error obtaining lock for account", lockKey, err)
		return nil, err
	}
	return lock, nil
}
