package rabbitmq

import (
	"context"
	"errors"
	"io"
	"net"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/rbasniak/painting-projects-management-sub003/messaging/publish"
)

// Classifier maps AMQP failures onto the retry taxonomy. Classification
// happens once here, at the lowest layer; callers only ever observe
// "succeeded" or "failed after policy".
//
// Permanent: broker refusals that a retry cannot fix (auth/ACL, unroutable
// or undeclared targets). Transient: connectivity faults that usually clear
// (timeouts, I/O errors, forced closes, broker internal errors). Anything
// else stays unclassified and propagates without retry.
type Classifier struct{}

var _ publish.Classifier = Classifier{}

// Classify implements publish.Classifier.
func (Classifier) Classify(err error) publish.FailureClass {
	if err == nil {
		return publish.ClassUnknown
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return classifyAMQPCode(amqpErr.Code)
	}

	if errors.Is(err, amqp.ErrClosed) ||
		errors.Is(err, ErrPublishNacked) ||
		errors.Is(err, ErrConfirmTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return publish.ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return publish.ClassTransient
	}

	return publish.ClassUnknown
}

func classifyAMQPCode(code int) publish.FailureClass {
	switch code {
	case amqp.AccessRefused, amqp.NotAllowed:
		// Auth/ACL refusals.
		return publish.ClassPermanent
	case amqp.NotFound, amqp.CommandInvalid, amqp.SyntaxError:
		// Malformed or missing target.
		return publish.ClassPermanent
	case amqp.ConnectionForced, amqp.InternalError, amqp.ResourceError,
		amqp.ChannelError, amqp.FrameError, amqp.UnexpectedFrame:
		return publish.ClassTransient
	default:
		return publish.ClassUnknown
	}
}
