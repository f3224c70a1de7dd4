package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrInvalidMessage = errors.New("invalid metric message")

// MetricMessage is one observation published on the metrics topic
type MetricMessage struct {
	RegionCode string    `json:"region_code"`
	Date       string    `json:"date"` // YYYY-MM-DD
	Value      float64   `json:"value"`
	Source     string    `json:"source,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// ParseDate returns the calendar date of the observation in UTC
func (m *MetricMessage) ParseDate() (time.Time, error) {
	date, err := time.Parse(time.DateOnly, m.Date)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad date %q", ErrInvalidMessage, m.Date)
	}
	return date, nil
}

// AnomalyNotification is the message format for anomaly notifications
type AnomalyNotification struct {
	Type           string    `json:"type"` // ANOMALY_DETECTED, ANOMALY_CLEARED
	RegionCode     string    `json:"region_code"`
	Date           string    `json:"date"`
	Value          float64   `json:"value"`
	PredictedValue *float64  `json:"predicted_value,omitempty"`
	LowerValue     *float64  `json:"lower_value,omitempty"`
	UpperValue     *float64  `json:"upper_value,omitempty"`
	AnomalyDegree  float64   `json:"anomaly_degree"`
	Threshold      float64   `json:"threshold"`
	Since          string    `json:"since"`
	EmittedAt      time.Time `json:"emitted_at"`
}

const (
	AnomalyTypeDetected = "ANOMALY_DETECTED"
	AnomalyTypeCleared  = "ANOMALY_CLEARED"
)

// EncodeMetricMessage encodes a MetricMessage to JSON
func EncodeMetricMessage(msg *MetricMessage) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeMetricMessage decodes JSON to MetricMessage and checks the fields
// the scorer relies on
func DecodeMetricMessage(data []byte) (*MetricMessage, error) {
	var msg MetricMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if msg.RegionCode == "" {
		return nil, fmt.Errorf("%w: missing region_code", ErrInvalidMessage)
	}
	if _, err := msg.ParseDate(); err != nil {
		return nil, err
	}
	return &msg, nil
}

// EncodeAnomalyNotification encodes an AnomalyNotification to JSON
func EncodeAnomalyNotification(n *AnomalyNotification) ([]byte, error) {
	return json.Marshal(n)
}

// DecodeAnomalyNotification decodes JSON to AnomalyNotification
func DecodeAnomalyNotification(data []byte) (*AnomalyNotification, error) {
	var n AnomalyNotification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, err
	}
	return &n, nil
}
