// Package config provides configuration parsing and validation for the batch-aggregator service.
package config

import (
	"fmt"
	"time"
)

// Config holds all configuration parameters for the batch-aggregator service.
type Config struct {
	KafkaBrokers       string
	PriceItemsTopic    string
	DeadLetterTopic    string
	ConsumerGroupID    string
	RedisAddr          string
	Workers            int
	BatchInactivity    time.Duration
	SweepInterval      time.Duration
	FlushRetryInterval time.Duration
	SinkTimeout        time.Duration
}

// Validate checks that all required configuration fields are set and have valid values.
// Returns an error if validation fails, nil otherwise.
func (c *Config) Validate() error {
	if c.KafkaBrokers == "" {
		return fmt.Errorf("kafka-brokers cannot be empty")
	}
	if c.PriceItemsTopic == "" {
		return fmt.Errorf("price-items-topic cannot be empty")
	}
	if c.DeadLetterTopic == "" {
		return fmt.Errorf("dead-letter-topic cannot be empty")
	}
	if c.ConsumerGroupID == "" {
		return fmt.Errorf("consumer-group-id cannot be empty")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("redis-addr cannot be empty")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be > 0")
	}
	if c.BatchInactivity <= 0 {
		return fmt.Errorf("batch-inactivity must be > 0")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep-interval must be > 0")
	}
	if c.FlushRetryInterval <= 0 {
		return fmt.Errorf("flush-retry-interval must be > 0")
	}
	if c.SinkTimeout <= 0 {
		return fmt.Errorf("sink-timeout must be > 0")
	}
	return nil
}
