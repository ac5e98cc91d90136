package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewHonoursLevel(t *testing.T) {
	log, err := New("prod", "warn")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if log.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("info should be disabled at warn level")
	}
	if !log.Core().Enabled(zapcore.ErrorLevel) {
		t.Fatalf("error should be enabled at warn level")
	}
}

func TestNewDevDefaultsToDebug(t *testing.T) {
	log, err := New("dev", "")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if !log.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("dev logger should log debug")
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New("prod", "loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
