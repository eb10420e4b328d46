// Package integration forwards platform notifications to external systems.
package integration

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/cortexbuild/cortexbuild-controlplane/internal/company"
	"github.com/cortexbuild/cortexbuild-controlplane/internal/config"
)

const mqttTimeout = 5 * time.Second

// ErrMQTTTimeout is returned when the broker does not acknowledge in time
var ErrMQTTTimeout = errors.New("mqtt operation timed out")

// Forwarder delivers notifications to an HTTP webhook and/or an MQTT
// broker. Sinks that are not configured are skipped.
type Forwarder struct {
	webhook config.WebhookConfig
	broker  config.MQTTConfig

	httpClient *http.Client

	mu         sync.Mutex
	mqttClient mqtt.Client
	newClient  func(*mqtt.ClientOptions) mqtt.Client
}

// NewForwarder creates a forwarder
func NewForwarder(cfg config.NotifyConfig) *Forwarder {
	timeout := cfg.Webhook.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Forwarder{
		webhook:    cfg.Webhook,
		broker:     cfg.MQTT,
		httpClient: &http.Client{Timeout: timeout},
		newClient:  mqtt.NewClient,
	}
}

// Enabled reports whether any sink is configured
func (f *Forwarder) Enabled() bool {
	return f.webhook.URL != "" || f.broker.BrokerURL != ""
}

// Notify implements company.Notifier
func (f *Forwarder) Notify(ctx context.Context, n company.Notification) error {
	payload, err := json.Marshal(struct {
		company.Notification
		Timestamp time.Time `json:"timestamp"`
	}{n, time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	var errs []error
	if f.webhook.URL != "" {
		if err := f.forwardToHTTP(ctx, payload); err != nil {
			errs = append(errs, err)
		}
	}
	if f.broker.BrokerURL != "" {
		if err := f.forwardToMQTT(n, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// forwardToHTTP posts payload to the webhook
func (f *Forwarder) forwardToHTTP(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.webhook.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range f.webhook.Headers {
		req.Header.Set(k, v)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}

	log.Debug().
		Str("endpoint", f.webhook.URL).
		Msg("Notification forwarded to webhook")
	return nil
}

// forwardToMQTT publishes payload on the topic for n
func (f *Forwarder) forwardToMQTT(n company.Notification, payload []byte) error {
	client, err := f.client()
	if err != nil {
		return err
	}

	topic := f.topic(n)
	token := client.Publish(topic, f.broker.QoS, false, payload)
	if !token.WaitTimeout(mqttTimeout) {
		return fmt.Errorf("publish %s: %w", topic, ErrMQTTTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	log.Debug().
		Str("topic", topic).
		Msg("Notification forwarded to MQTT")
	return nil
}

func (f *Forwarder) topic(n company.Notification) string {
	topic := f.broker.Topic
	if topic == "" {
		topic = "platform/notifications/{type}"
	}
	topic = strings.ReplaceAll(topic, "{company_id}", n.CompanyID.String())
	topic = strings.ReplaceAll(topic, "{type}", n.Type)
	return topic
}

// client returns the connected MQTT client, connecting on first use
func (f *Forwarder) client() (mqtt.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.mqttClient != nil && f.mqttClient.IsConnected() {
		return f.mqttClient, nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(f.broker.BrokerURL)
	clientID := f.broker.ClientID
	if clientID == "" {
		clientID = "controlplane-notifier"
	}
	opts.SetClientID(clientID)

	if f.broker.Username != "" {
		opts.SetUsername(f.broker.Username)
		opts.SetPassword(f.broker.Password)
	}
	if f.broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Info().Str("broker", f.broker.BrokerURL).Msg("MQTT client connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Error().Err(err).Str("broker", f.broker.BrokerURL).Msg("MQTT connection lost")
	})

	client := f.newClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connect %s: %w", f.broker.BrokerURL, ErrMQTTTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect %s: %w", f.broker.BrokerURL, err)
	}

	f.mqttClient = client
	return client, nil
}

// Close disconnects the MQTT client
func (f *Forwarder) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.mqttClient != nil && f.mqttClient.IsConnected() {
		f.mqttClient.Disconnect(250)
		log.Info().Msg("MQTT client disconnected")
	}
	f.mqttClient = nil
}
