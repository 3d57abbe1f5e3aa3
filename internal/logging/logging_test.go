package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":       zapcore.DebugLevel,
		"warn":        zapcore.WarnLevel,
		"error":       zapcore.ErrorLevel,
		"info":        zapcore.InfoLevel,
		"nonsense":    zapcore.InfoLevel,
		"":            zapcore.InfoLevel,
	}
	for level, want := range cases {
		if got := parseLevel(level); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", level, got, want)
		}
	}
}

func TestNewReturnsUsableLogger(t *testing.T) {
	log, sync, err := New("debug")
	if err != nil {
		t.Fatalf("New() = %v, want nil", err)
	}
	defer sync()

	if log.GetSink() == nil {
		t.Error("expected a non-nil logr sink")
	}
	log.Info("test message", "key", "value")
}

func TestNewUnknownLevelDefaultsToInfo(t *testing.T) {
	log, sync, err := New("not-a-level")
	if err != nil {
		t.Fatalf("New() = %v, want nil", err)
	}
	defer sync()
	log.Info("still works")

	if !log.Enabled() {
		t.Error("expected info-level logging to be enabled for an unknown level")
	}
	if log.V(1).Enabled() {
		t.Error("expected debug-level (V(1)) logging to be disabled for an unknown level")
	}
}
