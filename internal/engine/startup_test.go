package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

type mockEngine struct {
	isRunning bool
	models    map[string]bool
	pulled    []string
	pullErr   error
}

func (m *mockEngine) Name() string { return "mock" }
func (m *mockEngine) Embed(_ context.Context, _ string, _ string) ([]float32, error) {
	return nil, nil
}
func (m *mockEngine) IsRunning(_ context.Context) bool             { return m.isRunning }
func (m *mockEngine) HasModel(_ context.Context, name string) bool { return m.models[name] }
func (m *mockEngine) PullModel(_ context.Context, name string, cb func(PullProgress)) error {
	m.pulled = append(m.pulled, name)
	if m.pullErr != nil {
		return m.pullErr
	}
	if cb != nil {
		cb(PullProgress{Status: "downloading", Total: 10, Completed: 5})
		cb(PullProgress{Status: "success"})
	}
	return nil
}

// hostedEngine has no local models.
type hostedEngine struct{ up bool }

func (h hostedEngine) Name() string                                             { return "hosted" }
func (h hostedEngine) Embed(context.Context, string, string) ([]float32, error) { return nil, nil }
func (h hostedEngine) IsRunning(context.Context) bool                           { return h.up }

func TestEnsureReady_ModelPresent(t *testing.T) {
	m := &mockEngine{isRunning: true, models: map[string]bool{"nomic-embed-text": true}}
	if err := EnsureReady(context.Background(), m, "nomic-embed-text", io.Discard); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(m.pulled) != 0 {
		t.Errorf("expected no pulls, got %v", m.pulled)
	}
}

func TestEnsureReady_PullsMissing(t *testing.T) {
	m := &mockEngine{isRunning: true, models: map[string]bool{}}
	var out bytes.Buffer
	if err := EnsureReady(context.Background(), m, "nomic-embed-text", &out); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
	if len(m.pulled) != 1 || m.pulled[0] != "nomic-embed-text" {
		t.Errorf("expected pull of nomic-embed-text, got %v", m.pulled)
	}
	if !strings.Contains(out.String(), "50%") {
		t.Errorf("progress output missing percentage: %q", out.String())
	}
}

func TestEnsureReady_PullFails(t *testing.T) {
	m := &mockEngine{isRunning: true, models: map[string]bool{}, pullErr: errors.New("disk full")}
	err := EnsureReady(context.Background(), m, "nomic-embed-text", io.Discard)
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("err = %v, want wrapped pull error", err)
	}
}

func TestEnsureReady_EngineDown(t *testing.T) {
	m := &mockEngine{isRunning: false, models: map[string]bool{}}
	if err := EnsureReady(context.Background(), m, "nomic-embed-text", io.Discard); err == nil {
		t.Fatal("expected error when engine is down")
	}
}

func TestEnsureReady_HostedBackendSkipsPull(t *testing.T) {
	if err := EnsureReady(context.Background(), hostedEngine{up: true}, "voyage-3-lite", io.Discard); err != nil {
		t.Fatalf("EnsureReady: %v", err)
	}
}
