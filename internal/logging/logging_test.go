package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	tests := []struct {
		level       string
		development bool
		wantDebug   bool
	}{
		{"debug", true, true},
		{"info", false, false},
		{"warn", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger, err := New(tt.level, tt.development)
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			if got := logger.Desugar().Core().Enabled(zapcore.DebugLevel); got != tt.wantDebug {
				t.Errorf("debug enabled = %v, want %v", got, tt.wantDebug)
			}
		})
	}
}

func TestNew_BadLevel(t *testing.T) {
	if _, err := New("loud", false); err == nil {
		t.Fatal("expected an error for an unknown level")
	}
}
