package consumer

import (
	"testing"
)

func TestNewConsumer_Validation(t *testing.T) {
	tests := []struct {
		name    string
		brokers string
		topic   string
		groupID string
		wantErr bool
	}{
		{
			name:    "valid params",
			brokers: "localhost:9092",
			topic:   "storage.events.raw",
			groupID: "event-intake-group",
			wantErr: false,
		},
		{
			name:    "empty brokers",
			brokers: "",
			topic:   "storage.events.raw",
			groupID: "event-intake-group",
			wantErr: true,
		},
		{
			name:    "empty topic",
			brokers: "localhost:9092",
			topic:   "",
			groupID: "event-intake-group",
			wantErr: true,
		},
		{
			name:    "empty group id",
			brokers: "localhost:9092",
			topic:   "storage.events.raw",
			groupID: "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewConsumer(tt.brokers, tt.topic, tt.groupID)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewConsumer() error = %v, wantErr %v", err, tt.wantErr)
			}
			if c != nil {
				c.Close()
			}
		})
	}
}
