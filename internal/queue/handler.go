package queue

import (
	"errors"

	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/logger"

	"github.com/rabbitmq/amqp091-go"
)

// MaxRetries is how often a failing message goes through the retry queue
// before it is dead lettered.
const MaxRetries = 10

// RetryHeader counts the attempts of a message.
const RetryHeader = "x-retries"

type channel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
}

func retries(msg amqp091.Delivery) int {
	switch v := msg.Headers[RetryHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// HandleProcessingError moves a failed message to the retry queue, or to
// the dead letter queue once it ran out of retries or failed permanently.
// The original delivery is acked once the copy is published. A *RetryError
// replaces the body of the copy.
func HandleProcessingError(ch channel, msg amqp091.Delivery, queueName string, procErr error) {
	n := retries(msg)
	body := msg.Body
	var partial *RetryError
	if errors.As(procErr, &partial) && len(partial.Body) > 0 {
		body = partial.Body
	}

	if n >= MaxRetries || IsPermanent(procErr) {
		dlqName := queueName + "_dlq"
		logger.Warn("[Queue] Sending message to DLQ", "dlq", dlqName, "retries", n, "err", procErr)
		headers := msg.Headers
		if headers == nil {
			headers = amqp091.Table{}
		}
		headers["x-error"] = procErr.Error()
		pubErr := ch.Publish(
			"",
			dlqName,
			false,
			false,
			amqp091.Publishing{
				ContentType: msg.ContentType,
				Body:        body,
				Headers:     headers,
			},
		)
		if pubErr != nil {
			logger.Error("[Queue] Failed to publish to DLQ", "dlq", dlqName, "err", pubErr)
			_ = msg.Nack(false, true)
			return
		}
		_ = msg.Ack(false)
		return
	}

	retryName := queueName + "_retry"
	headers := msg.Headers
	if headers == nil {
		headers = amqp091.Table{}
	}
	headers[RetryHeader] = int32(n + 1)

	pubErr := ch.Publish(
		"",
		retryName,
		false,
		false,
		amqp091.Publishing{
			ContentType:  msg.ContentType,
			Body:         body,
			Headers:      headers,
			DeliveryMode: amqp091.Persistent,
		},
	)
	if pubErr != nil {
		logger.Error("[Queue] Failed to publish to retry queue", "retry_queue", retryName, "err", pubErr)
		_ = msg.Nack(false, true)
		return
	}
	_ = msg.Ack(false)
}
