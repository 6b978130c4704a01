package consumer

import "errors"

var (
	ErrSubscriberRequired       = errors.New("broker subscriber is required")
	ErrTypeRegistryRequired     = errors.New("event type registry is required")
	ErrHandlerRegistryRequired  = errors.New("handler registry is required")
	ErrInboxRepositoryRequired  = errors.New("inbox repository is required")
	ErrQueueMapRequired         = errors.New("at least one queue subscription is required")
	ErrConsumerRequired         = errors.New("consumer is required")
	ErrConsumerRunning          = errors.New("consumer is already running")
	ErrHandlerRequired          = errors.New("handler is required")
	ErrHandlerNameRequired      = errors.New("handler name is required")
	ErrHandlerFuncRequired      = errors.New("handler function is required")
	ErrHandlerAlreadyRegistered = errors.New("handler already registered")
	ErrEventTypeMismatch        = errors.New("decoded event type does not match handler")
	ErrDeliveryNotDue           = errors.New("delivery is inside its backoff window")
)
