package kafka

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIncidentKey(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    []byte
	}{
		{"fact payload", `{"incident_id":"inc-1","event_seq":2}`, []byte("inc-1")},
		{"missing id", `{"event_seq":2}`, nil},
		{"not json", `nope`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, incidentKey([]byte(tt.payload)))
		})
	}
}
