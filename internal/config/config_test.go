package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("ATLAS_ORG", "org-from-env")
	path := writeConfig(t, `
server:
  addr: ":9090"
rates:
  default_unit: USD
  usd_per:
    INR: 0.012
    CENTS: 0.01
azure:
  enabled: true
  subscription_id: sub-1
aws:
  enabled: true
  region: eu-west-1
  role_arn: arn:aws:iam::123456789012:role/cost-reader
gcp:
  enabled: true
  project_id: proj
  dataset: billing_export
mongodb:
  enabled: true
  org_id: ${ATLAS_ORG}
  poll_interval: 2s
budgets:
  - name: org-total
    provider: all
    monthly_limit_usd: 500
    alert_at: [50, 90]
refresh:
  interval: 30m
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 0.012, cfg.Rates.USDPer["INR"])
	assert.Equal(t, "sub-1", cfg.Azure.SubscriptionID)
	assert.Equal(t, "eu-west-1", cfg.AWS.Region)
	assert.Equal(t, "org-from-env", cfg.MongoDB.OrgID)
	assert.Equal(t, 2*time.Second, cfg.MongoDB.PollInterval.Std())
	assert.Equal(t, 30*time.Minute, cfg.Refresh.Interval.Std())
	require.Len(t, cfg.Budgets, 1)
	assert.Equal(t, []int{50, 90}, cfg.Budgets[0].AlertAt)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{}`))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "USD", cfg.Rates.DefaultUnit)
	assert.Equal(t, "https://cloud.mongodb.com", cfg.MongoDB.BaseURL)
	assert.Equal(t, time.Second, cfg.MongoDB.PollInterval.Std())
	assert.Equal(t, 12, cfg.MongoDB.MaxPollAttempts)
	assert.Equal(t, time.Hour, cfg.Refresh.Interval.Std())
	assert.Equal(t, 30*time.Second, cfg.Azure.APITimeout.Std())
}

func TestLoadShippedConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "config.yaml"))
	require.NoError(t, err)

	// Atlas reports cents; losing this rate inflates MongoDB spend 100x.
	assert.Equal(t, 0.01, cfg.Rates.USDPer["CENTS"])
	assert.Equal(t, 0.012, cfg.Rates.USDPer["INR"])
	assert.Equal(t, "INR", cfg.Rates.DefaultUnit)
	assert.Equal(t, ":8080", cfg.Server.Addr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadInvalidDuration(t *testing.T) {
	_, err := Load(writeConfig(t, "refresh:\n  interval: soon\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "azure enabled without subscription",
			yaml:    "azure:\n  enabled: true\n",
			wantErr: "subscription_id",
		},
		{
			name:    "aws enabled without region",
			yaml:    "aws:\n  enabled: true\n",
			wantErr: "region",
		},
		{
			name:    "gcp enabled without dataset",
			yaml:    "gcp:\n  enabled: true\n  project_id: proj\n",
			wantErr: "dataset",
		},
		{
			name:    "mongodb enabled without org",
			yaml:    "mongodb:\n  enabled: true\n",
			wantErr: "org_id",
		},
		{
			name:    "non-positive rate",
			yaml:    "rates:\n  usd_per:\n    INR: 0\n",
			wantErr: "must be positive",
		},
		{
			name:    "unknown budget provider",
			yaml:    "budgets:\n  - name: b\n    provider: oracle\n    monthly_limit_usd: 10\n",
			wantErr: "unknown provider",
		},
		{
			name:    "budget without limit",
			yaml:    "budgets:\n  - name: b\n    provider: all\n",
			wantErr: "monthly_limit_usd",
		},
		{
			name:    "refresh interval too short",
			yaml:    "refresh:\n  interval: 5s\n",
			wantErr: "at least 1m",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
