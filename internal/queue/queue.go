// Package queue publishes deposit events to Kafka or, for local runs, as
// JSON lines on stdout.
package queue

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	DriverKafka = "kafka"
	DriverStdio = "stdio"
)

// EnvKafkaTLS enables TLS to the brokers when set to a truthy value.
const EnvKafkaTLS = "SOLVER_VAULT_QUEUE_KAFKA_TLS"

var (
	ErrInvalidConfig = errors.New("queue: invalid config")
	ErrMissingTopic  = errors.New("queue: missing topic")
)

type Producer interface {
	Publish(ctx context.Context, topic string, key, payload []byte) error
	Close() error
}

type ProducerConfig struct {
	// Driver defaults to DriverStdio.
	Driver string

	Brokers      []string
	TLS          bool
	BatchTimeout time.Duration // 0 => 10ms
	WriteTimeout time.Duration // 0 => 10s

	// Writer receives stdio records. Defaults to os.Stdout.
	Writer io.Writer
}

func NewProducer(cfg ProducerConfig) (Producer, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", DriverStdio:
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		return &stdioProducer{enc: json.NewEncoder(w)}, nil
	case DriverKafka:
		return newKafkaProducer(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

// SplitCommaList splits a broker flag value, dropping blank entries. A blank
// input yields nil.
func SplitCommaList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func TLSFromEnv(getenv func(string) string) bool {
	switch strings.ToLower(strings.TrimSpace(getenv(EnvKafkaTLS))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

type kafkaProducer struct {
	writer *kafka.Writer
}

func newKafkaProducer(cfg ProducerConfig) (*kafkaProducer, error) {
	var brokers []string
	for _, b := range cfg.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka requires at least one broker", ErrInvalidConfig)
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: cmpDuration(cfg.BatchTimeout, 10*time.Millisecond),
		WriteTimeout: cmpDuration(cfg.WriteTimeout, 10*time.Second),
	}
	if cfg.TLS {
		w.Transport = &kafka.Transport{
			DialTimeout: 10 * time.Second,
			TLS:         &tls.Config{MinVersion: tls.VersionTLS12},
		}
	}
	return &kafkaProducer{writer: w}, nil
}

// Publish hashes key to pick the partition, so events of one deposit stay
// ordered.
func (p *kafkaProducer) Publish(ctx context.Context, topic string, key, payload []byte) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return ErrMissingTopic
	}
	return p.writer.WriteMessages(ctx, kafka.Message{Topic: topic, Key: key, Value: payload})
}

func (p *kafkaProducer) Close() error { return p.writer.Close() }

// stdioRecord is one output line. Value is inlined when the payload is JSON.
type stdioRecord struct {
	Topic string `json:"topic"`
	Key   string `json:"key,omitempty"`
	Value any    `json:"value"`
}

type stdioProducer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func (p *stdioProducer) Publish(_ context.Context, topic string, key, payload []byte) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return ErrMissingTopic
	}
	rec := stdioRecord{Topic: topic, Key: string(key), Value: string(payload)}
	if json.Valid(payload) {
		rec.Value = json.RawMessage(payload)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enc.Encode(rec)
}

func (p *stdioProducer) Close() error { return nil }

func cmpDuration(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}
