package testutil

import (
	"testing"
	"time"

	"github.com/m-koster/wegwerf/internal/config"
	"github.com/m-koster/wegwerf/internal/store"
)

// TestConfig returns a Config with fast timings suitable for unit tests.
func TestConfig() *config.Config {
	return &config.Config{
		Listen:               "127.0.0.1:0",
		Domain:               "localhost",
		Environment:          config.EnvDevelopment,
		AdminAPIKey:          "test-admin-key",
		DBPath:               ":memory:",
		NetworkName:          "wegwerf-test",
		DefaultTTLSeconds:    300,
		ExtendSeconds:        300,
		SweepIntervalSeconds: 1,
		MaxSessionsPerOwner:  3,
		StopTimeoutSeconds:   1,
		Browser: config.BrowserConfig{
			Image:            "linuxserver/chromium:latest",
			DefaultTargetURL: "https://duckduckgo.com",
			ShmSize:          "64m",
		},
		Desktop: config.DesktopConfig{
			Images: map[string]string{
				"ubuntu": "linuxserver/webtop:ubuntu-xfce",
				"debian": "linuxserver/webtop:debian-xfce",
			},
			ShmSize: "64m",
		},
		Limits: config.Limits{
			CPULimit:   1.0,
			MemLimitMB: 256,
			PidsLimit:  128,
		},
		Readiness: config.ReadinessConfig{
			MaxAttempts: 3,
			IntervalMs:  1,
			SettleMs:    0,
		},
	}
}

// TestRecord returns a live browser session record.
func TestRecord(id, owner string) *store.SessionRecord {
	now := time.Now().UTC()
	return &store.SessionRecord{
		ID:          id,
		OwnerID:     owner,
		Kind:        "browser",
		Status:      "running",
		EntryURL:    "http://" + id + ".localhost",
		ContainerID: "ctr-" + id,
		Target:      "https://example.com",
		CreatedAt:   now,
		ExpiresAt:   now.Add(5 * time.Minute),
	}
}

// NewTestStore creates an in-memory SQLite store for testing.
func NewTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}
