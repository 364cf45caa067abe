package transport

import (
	"context"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	json "github.com/goccy/go-json"
	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/cmd/dispatcher/recovery"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/repository"
	"github.com/taskmesh/taskmesh/cmd/dispatcher/state"
	"github.com/taskmesh/taskmesh/pkg/datamodel"
)

const heartbeatTopic = "dispatcher/heartbeat/+"

var mqttClient MQTT.Client

// SetupHeartbeatListener subscribes to the heartbeat topic so cores behind a
// broker do not need to reach the REST API for liveness. The last topic
// level is the core id, the payload a JSON heartbeat.
func SetupHeartbeatListener(brokerURL string, clientID string, repo repository.Repository, engine *state.Engine, tracker *recovery.Tracker, health healthcheck.Handler) {
	opts := MQTT.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(func(MQTT.Client) {
		zap.S().Infof("Connected to MQTT broker %s", brokerURL)
	})
	opts.SetConnectionLostHandler(func(_ MQTT.Client, err error) {
		zap.S().Warnf("Connection to MQTT broker lost: %s", err)
	})

	mqttClient = MQTT.NewClient(opts)
	if token := mqttClient.Connect(); token.Wait() && token.Error() != nil {
		zap.S().Fatalf("Failed to connect to MQTT broker %s: %s", brokerURL, token.Error())
	}

	handler := heartbeatMessageHandler(repo, engine, tracker)
	if token := mqttClient.Subscribe(heartbeatTopic, 1, handler); token.Wait() && token.Error() != nil {
		zap.S().Fatalf("Failed to subscribe to %s: %s", heartbeatTopic, token.Error())
	}
	zap.S().Infof("MQTT heartbeat listener subscribed to %s", heartbeatTopic)

	health.AddReadinessCheck("mqtt-check", func() error {
		if !mqttClient.IsConnected() {
			return errNotConnected
		}
		return nil
	})
}

var errNotConnected = mqttError("not connected to MQTT broker")

type mqttError string

func (e mqttError) Error() string { return string(e) }

func heartbeatMessageHandler(repo repository.Repository, engine *state.Engine, tracker *recovery.Tracker) MQTT.MessageHandler {
	return func(_ MQTT.Client, message MQTT.Message) {
		var hb datamodel.Heartbeat
		if err := json.Unmarshal(message.Payload(), &hb); err != nil {
			zap.S().Warnf("Dropping undecodable heartbeat on %s: %s", message.Topic(), err)
			return
		}
		if hb.CoreID == "" {
			hb.CoreID = coreIDFromTopic(message.Topic())
		}
		if hb.SentAt.IsZero() {
			hb.SentAt = time.Now()
		}

		tracker.Record(hb)
		task, err := repo.LoadTask(context.Background(), hb.TaskID)
		if err != nil {
			return
		}
		if err := engine.MarkInProgress(context.Background(), task.ExecutionID, hb.TaskID); err != nil {
			zap.S().Debugf("Heartbeat for task %d could not confirm start: %s", hb.TaskID, err)
		}
	}
}

func coreIDFromTopic(topic string) string {
	for i := len(topic) - 1; i >= 0; i-- {
		if topic[i] == '/' {
			return topic[i+1:]
		}
	}
	return topic
}

// ShutdownMQTT disconnects from the broker, flushing in-flight messages.
func ShutdownMQTT() {
	if mqttClient != nil {
		mqttClient.Disconnect(1000)
	}
}
