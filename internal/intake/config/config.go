// Package config provides configuration parsing and validation for the event-intake service.
package config

import (
	"fmt"
)

// Config holds all configuration parameters for the event-intake service.
type Config struct {
	KafkaBrokers        string
	RawEventsTopic      string
	ForwardedTopic      string
	DeadLetterTopic     string
	ConsumerGroupID     string
	PostgresDSN         string
	RedisAddr           string
	HousekeepingMarker  string
	MaxDeliveryAttempts int
	Workers             int
}

// Validate checks that all required configuration fields are set and have valid values.
// Returns an error if validation fails, nil otherwise.
func (c *Config) Validate() error {
	if c.KafkaBrokers == "" {
		return fmt.Errorf("kafka-brokers cannot be empty")
	}
	if c.RawEventsTopic == "" {
		return fmt.Errorf("raw-events-topic cannot be empty")
	}
	if c.ForwardedTopic == "" {
		return fmt.Errorf("forwarded-topic cannot be empty")
	}
	if c.DeadLetterTopic == "" {
		return fmt.Errorf("dead-letter-topic cannot be empty")
	}
	if c.ConsumerGroupID == "" {
		return fmt.Errorf("consumer-group-id cannot be empty")
	}
	if c.PostgresDSN == "" {
		return fmt.Errorf("postgres-dsn cannot be empty")
	}
	if c.MaxDeliveryAttempts <= 0 {
		return fmt.Errorf("max-delivery-attempts must be > 0")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be > 0")
	}
	return nil
}
