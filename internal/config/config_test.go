package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{"HTTP_ADDR", "MPESA_CANCELLED_CODES", "KAFKA_BROKERS", "CALLBACK_WORKERS", "PROVIDER_TIMEOUT"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	assert.Equal(t, ":8000", cfg.HTTPAddr)
	assert.Equal(t, []string{"1032", "1037", "2001"}, cfg.CancelledResultCodes)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Equal(t, 8, cfg.CallbackWorkers)
	assert.Equal(t, 30*time.Second, cfg.Mpesa.Timeout)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("MPESA_CANCELLED_CODES", "1032, 9999 ,")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("PROVIDER_TIMEOUT", "45")
	t.Setenv("RECONCILE_INTERVAL", "0s")
	t.Setenv("MPESA_CALLBACK_BASE_URL", "https://pay.example.com/")

	cfg := Load()
	assert.Equal(t, []string{"1032", "9999"}, cfg.CancelledResultCodes)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 45*time.Second, cfg.Mpesa.Timeout)
	assert.Equal(t, time.Duration(0), cfg.ReconcileInterval)
	assert.Equal(t, "https://pay.example.com", cfg.CallbackBaseURL)
}
