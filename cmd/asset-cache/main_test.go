package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	assetcache "github.com/always-cache/asset-cache"
	"github.com/always-cache/asset-cache/config"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogRegistration(t *testing.T) {
	w := assetcache.CreateWorker(assetcache.Config{Name: "expense-tracker", Version: "v1"})
	tests := []struct {
		name   string
		worker *assetcache.Worker
		err    error
		level  string
	}{
		{"install failed", nil, assetcache.ErrInstallFailed, "error"},
		{"cleanup failed", w, errors.New("delete expense-tracker-v0: timeout"), "warn"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logRegistration(zerolog.New(&buf), tt.worker, tt.err)

			var line map[string]interface{}
			require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
			assert.Equal(t, tt.level, line["level"])
			if tt.worker != nil {
				assert.Equal(t, "expense-tracker-v1", line["bucket"])
			}
		})
	}
}

func TestLogRegistrationQuietOnSuccess(t *testing.T) {
	var buf bytes.Buffer
	w := assetcache.CreateWorker(assetcache.Config{Name: "expense-tracker", Version: "v1"})
	logRegistration(zerolog.New(&buf), w, nil)
	assert.Zero(t, buf.Len())
}

func TestApplyFlags(t *testing.T) {
	defer func() { versionTagFlag, storageFlag, verbosityTraceFlag = "", "", false }()
	versionTagFlag = "v9"
	storageFlag = "memory"
	verbosityTraceFlag = true

	cfg := config.Default()
	applyFlags(&cfg)
	assert.Equal(t, "v9", cfg.App.Version)
	assert.Equal(t, "memory", cfg.Storage.Provider)
	assert.Equal(t, "trace", cfg.Log.Level)
	assert.Equal(t, 8080, cfg.Port)
}
