package inbox

import "errors"

var (
	ErrEventIDRequired        = errors.New("event id is required")
	ErrHandlerNameRequired    = errors.New("handler name is required")
	ErrSubscriberNameRequired = errors.New("subscriber name is required")
	ErrMessageRequired        = errors.New("inbox message is required")
	ErrDeliveryRequired       = errors.New("delivery record is required")
	ErrRepositoryRequired     = errors.New("inbox repository is required")
	ErrMessageNotFound        = errors.New("inbox message not found")
	ErrDeliveryNotFound       = errors.New("delivery record not found")
)
