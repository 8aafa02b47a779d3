package kafkaconsumer

import (
	"os"
	"strings"
	"time"
)

type Config struct {
	Enabled             bool
	Brokers             []string
	Topic               string
	GroupID             string
	SessionTimeout      time.Duration
	Heartbeat           time.Duration
	RebalanceTimeout    time.Duration
	InitialOffsetOldest bool

	// Apply bounds how long one event may take to reach the session.
	Apply time.Duration
}

func FromEnv() Config {
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = "localhost:9092"
	}
	topic := os.Getenv("INVALIDATION_TOPIC")
	if topic == "" {
		topic = "overlay-invalidation"
	}
	group := os.Getenv("INVALIDATION_GROUP_ID")
	if group == "" {
		group = "overlayd"
	}
	enabled := strings.ToLower(strings.TrimSpace(os.Getenv("INVALIDATION_ENABLED")))

	// a live session only cares about changes from now on
	return Config{
		Enabled:             enabled == "true" || enabled == "1" || enabled == "yes",
		Brokers:             splitCSV(brokers),
		Topic:               topic,
		GroupID:             group,
		SessionTimeout:      30 * time.Second,
		Heartbeat:           3 * time.Second,
		RebalanceTimeout:    30 * time.Second,
		InitialOffsetOldest: false,
		Apply:               5 * time.Second,
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
