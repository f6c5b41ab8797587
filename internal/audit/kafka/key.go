package kafka

import "encoding/json"

// incidentKey extracts incident_id from a fact payload. Payloads without one
// get a nil key and are spread by the balancer.
func incidentKey(payload []byte) []byte {
	var fact struct {
		IncidentID string `json:"incident_id"`
	}
	if err := json.Unmarshal(payload, &fact); err != nil || fact.IncidentID == "" {
		return nil
	}
	return []byte(fact.IncidentID)
}
