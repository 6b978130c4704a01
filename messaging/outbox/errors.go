package outbox

import "errors"

var (
	ErrMessageRequired     = errors.New("outbox message is required")
	ErrRepositoryRequired  = errors.New("outbox repository is required")
	ErrPublisherRequired   = errors.New("publisher is required")
	ErrDispatcherRequired  = errors.New("outbox dispatcher is required")
	ErrDispatcherRunning   = errors.New("outbox dispatcher is already running")
	ErrTransactionRequired = errors.New("transaction is required")
	ErrPayloadRequired     = errors.New("outbox message payload is required")
	ErrLimitMustBePositive = errors.New("limit must be greater than zero")
	ErrIDRequired          = errors.New("id is required")
	ErrMessageNotFound     = errors.New("outbox message not found")
	ErrAlreadyProcessed    = errors.New("outbox message already processed")
)
