// Copyright (c) Yeraze
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCheckerHealth(t *testing.T) {
	c := NewChecker()
	c.Register("upstream", func(ctx context.Context) error { return nil })
	c.Register("queue", func(ctx context.Context) error { return nil })

	status, checks := c.Health(context.Background())
	if status != StatusHealthy {
		t.Errorf("Status = %v, want %v", status, StatusHealthy)
	}
	if len(checks) != 2 {
		t.Errorf("Got %d checks, want 2", len(checks))
	}

	c.Register("upstream", func(ctx context.Context) error {
		return errors.New("not synced")
	})
	status, checks = c.Health(context.Background())
	if status != StatusDegraded {
		t.Errorf("Status = %v with a failing check, want %v", status, StatusDegraded)
	}
	for _, check := range checks {
		if check.Name == "upstream" && check.Status != StatusUnhealthy {
			t.Errorf("upstream check status = %v, want %v", check.Status, StatusUnhealthy)
		}
	}
}

func TestHTTPHandlerAlwaysOK(t *testing.T) {
	c := NewChecker()
	c.Register("upstream", func(ctx context.Context) error {
		return errors.New("reconnecting")
	})

	rec := httptest.NewRecorder()
	c.HTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	// Degraded still serves traffic.
	if rec.Code != http.StatusOK {
		t.Errorf("Status code = %d, want %d", rec.Code, http.StatusOK)
	}
	var body struct {
		Status Status `json:"status"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if body.Status != StatusDegraded {
		t.Errorf("Body status = %v, want %v", body.Status, StatusDegraded)
	}
}

func TestReadinessHandler(t *testing.T) {
	c := NewChecker()
	synced := false
	c.Register("upstream", func(ctx context.Context) error {
		if !synced {
			return errors.New("awaiting first sync")
		}
		return nil
	})

	rec := httptest.NewRecorder()
	c.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Status code before sync = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	synced = true
	rec = httptest.NewRecorder()
	c.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Status code after sync = %d, want %d", rec.Code, http.StatusOK)
	}
}
