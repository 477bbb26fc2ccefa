package queue

import (
	"sync"
	"time"

	"github.com/OFFIS-RIT/kiwi/consolidation/pkg/logger"

	"github.com/rabbitmq/amqp091-go"
)

// EventExchange receives graph change events published with PublishTopic.
const EventExchange = "graph_events"

// Init dials the broker at url.
func Init(url string) (*amqp091.Connection, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, err
	}
	logger.Info("[Queue] Connected to RabbitMQ")
	return conn, nil
}

// SetupQueues declares the event exchange and, for every queue name, the
// work queue with its dead letter queue and a retry queue that hands
// messages back after ten seconds.
func SetupQueues(ch *amqp091.Channel, queueNames []string) error {
	err := ch.ExchangeDeclare(
		EventExchange, // name
		"topic",       // type
		true,          // durable
		false,         // autoDelete
		false,         // internal
		false,         // noWait
		nil,
	)
	if err != nil {
		return err
	}

	for _, name := range queueNames {
		_, err := ch.QueueDeclare(
			name,
			true,  // durable
			false, // autoDelete
			false, // exclusive
			false, // noWait
			nil,   // args
		)
		if err != nil {
			return err
		}

		dlqName := name + "_dlq"
		_, err = ch.QueueDeclare(
			dlqName,
			true,
			false,
			false,
			false,
			nil,
		)
		if err != nil {
			return err
		}

		retryName := name + "_retry"
		_, err = ch.QueueDeclare(
			retryName,
			true,
			false,
			false,
			false,
			amqp091.Table{
				"x-message-ttl":             int32(10000),
				"x-dead-letter-exchange":    "",
				"x-dead-letter-routing-key": name,
			},
		)
		if err != nil {
			return err
		}
		logger.Debug("[Queue] Declared queue", "queue", name)
	}

	return nil
}

func PublishFIFO(ch *amqp091.Channel, queueName string, data []byte) error {
	publishing := amqp091.Publishing{
		ContentType:  "application/json",
		Body:         data,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
	}

	return ch.Publish(
		"",
		queueName,
		false,
		false,
		publishing,
	)
}

func PublishTopic(ch *amqp091.Channel, topic string, data []byte) error {
	publishing := amqp091.Publishing{
		ContentType:  "application/json",
		Body:         data,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
	}

	return ch.Publish(
		EventExchange,
		topic,
		false,
		false,
		publishing,
	)
}

// Publisher sends jobs and graph events.
type Publisher interface {
	PublishFIFO(queueName string, data []byte) error
	PublishTopic(topic string, data []byte) error
}

// ChannelPublisher publishes on one amqp channel. Channels are not safe for
// concurrent publishing, so calls are serialized.
type ChannelPublisher struct {
	mu sync.Mutex
	ch *amqp091.Channel
}

func NewChannelPublisher(ch *amqp091.Channel) *ChannelPublisher {
	return &ChannelPublisher{ch: ch}
}

func (p *ChannelPublisher) PublishFIFO(queueName string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PublishFIFO(p.ch, queueName, data)
}

func (p *ChannelPublisher) PublishTopic(topic string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PublishTopic(p.ch, topic, data)
}
