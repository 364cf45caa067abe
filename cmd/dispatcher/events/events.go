package events

import (
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	json "github.com/goccy/go-json"
	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/pkg/datamodel"
)

// Publisher emits lifecycle events to Kafka, fire and forget. With no
// KAFKA_BROKERS configured every publish is a no-op, the dispatcher runs
// fine without an event bus.
type Publisher struct {
	producer sarama.AsyncProducer
	topic    string
}

var (
	publisher     *Publisher
	publisherOnce sync.Once
)

func GetOrInit() *Publisher {
	publisherOnce.Do(func() {
		brokers, err := env.GetAsString("KAFKA_BROKERS", false, "")
		if err != nil {
			zap.S().Fatalf("Failed to get KAFKA_BROKERS from env: %s", err)
		}
		topic, err := env.GetAsString("DISPATCHER_EVENTS_TOPIC", false, "dispatcher.events")
		if err != nil {
			zap.S().Fatalf("Failed to get DISPATCHER_EVENTS_TOPIC from env: %s", err)
		}

		publisher = &Publisher{topic: topic}
		if brokers == "" {
			zap.S().Infof("KAFKA_BROKERS not set, event publishing disabled")
			return
		}

		config := sarama.NewConfig()
		config.Producer.Return.Errors = true
		config.Producer.Return.Successes = false
		config.Producer.RequiredAcks = sarama.WaitForLocal

		producer, err := sarama.NewAsyncProducer(strings.Split(brokers, ","), config)
		if err != nil {
			zap.S().Fatalf("Failed to connect to kafka at %s: %s", brokers, err)
		}
		publisher.producer = producer
		go publisher.drainErrors()
		zap.S().Infof("Publishing lifecycle events to %s on %s", topic, brokers)
	})
	return publisher
}

func (p *Publisher) drainErrors() {
	for err := range p.producer.Errors() {
		zap.S().Warnf("Failed to publish event: %s", err)
	}
}

func (p *Publisher) Shutdown() {
	if p.producer != nil {
		p.producer.AsyncClose()
	}
}

type taskEvent struct {
	Type        string    `json:"type"`
	ExecutionID int64     `json:"executionId"`
	TaskID      int64     `json:"taskId,omitempty"`
	State       string    `json:"state"`
	At          time.Time `json:"at"`
}

func (p *Publisher) publish(event taskEvent) {
	if p.producer == nil {
		return
	}
	raw, err := json.Marshal(event)
	if err != nil {
		zap.S().Warnf("Failed to encode %s event: %s", event.Type, err)
		return
	}
	p.producer.Input() <- &sarama.ProducerMessage{
		Topic: p.topic,
		Value: sarama.ByteEncoder(raw),
	}
}

func (p *Publisher) TaskTransition(executionID int64, taskID int64, state datamodel.TaskExecState) {
	p.publish(taskEvent{
		Type:        "task.transition",
		ExecutionID: executionID,
		TaskID:      taskID,
		State:       state.String(),
		At:          time.Now(),
	})
}

func (p *Publisher) ExecutionTransition(executionID int64, state datamodel.ExecutionState) {
	p.publish(taskEvent{
		Type:        "execution.transition",
		ExecutionID: executionID,
		State:       state.String(),
		At:          time.Now(),
	})
}
