package notification

import (
	"errors"
	"net/smtp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smukkama/bite-anomaly/internal/logger"
	"github.com/smukkama/bite-anomaly/internal/protocol"
	"github.com/smukkama/bite-anomaly/pkg/config"
)

func ptr(v float64) *float64 { return &v }

func TestRender_Detected(t *testing.T) {
	subject, body, err := Render(&protocol.AnomalyNotification{
		Type:          protocol.AnomalyTypeDetected,
		RegionCode:    "ES-M",
		Date:          "2023-06-01",
		Value:         0.9,
		LowerValue:    ptr(0.6),
		UpperValue:    ptr(0.8),
		AnomalyDegree: 0.111,
		Threshold:     0.1,
		Since:         "2023-06-01",
	})
	require.NoError(t, err)
	assert.Equal(t, "Bite index anomaly DETECTED - ES-M, 2023-06-01", subject)
	assert.Contains(t, body, "Forecast band: 0.6000 - 0.8000")
	assert.Contains(t, body, "Anomaly degree: +0.111")
}

func TestRender_DetectedWithoutBand(t *testing.T) {
	_, body, err := Render(&protocol.AnomalyNotification{
		Type:       protocol.AnomalyTypeDetected,
		RegionCode: "ES-M",
		Date:       "2023-06-01",
	})
	require.NoError(t, err)
	assert.NotContains(t, body, "Forecast band")
}

func TestRender_Cleared(t *testing.T) {
	subject, body, err := Render(&protocol.AnomalyNotification{
		Type:       protocol.AnomalyTypeCleared,
		RegionCode: "ES-M",
		Date:       "2023-06-04",
		Since:      "2023-06-01",
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(subject, "Bite index anomaly CLEARED"))
	assert.Contains(t, body, "Anomalous since: 2023-06-01")
}

func TestRender_UnknownType(t *testing.T) {
	_, _, err := Render(&protocol.AnomalyNotification{Type: "BOGUS"})
	assert.Error(t, err)
}

func TestEmailNotifier_Send(t *testing.T) {
	cfg := &config.SMTPConfig{Host: "smtp.example.com", Port: 587, Username: "u", Password: "p", From: "from@example.com", To: "to@example.com"}
	notifier := NewEmailNotifier(cfg, logger.NewNop())

	var gotAddr string
	var gotMsg []byte
	notifier.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotMsg = addr, msg
		return nil
	}

	err := notifier.SendAnomalyNotification(&protocol.AnomalyNotification{
		Type:       protocol.AnomalyTypeCleared,
		RegionCode: "ES-M",
		Date:       "2023-06-04",
	})
	require.NoError(t, err)
	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Contains(t, string(gotMsg), "To: to@example.com\r\n")

	notifier.send = func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("connection refused")
	}
	err = notifier.SendAnomalyNotification(&protocol.AnomalyNotification{Type: protocol.AnomalyTypeCleared})
	assert.Error(t, err)
}

func TestEmailNotifier_UnconfiguredOnlyLogs(t *testing.T) {
	notifier := NewEmailNotifier(&config.SMTPConfig{}, logger.NewNop())
	notifier.send = func(string, smtp.Auth, string, []string, []byte) error {
		t.Fatal("send must not be called without credentials")
		return nil
	}

	assert.False(t, notifier.Configured())
	assert.NoError(t, notifier.SendAnomalyNotification(&protocol.AnomalyNotification{Type: protocol.AnomalyTypeDetected}))
}
