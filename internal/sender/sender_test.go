package sender

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		wantName string
		wantErr  bool
	}{
		{"default is smtp", Config{Host: "mail.example.com"}, "smtp", false},
		{"smtp", Config{Type: "smtp", Host: "mail.example.com"}, "smtp", false},
		{"smtp without host", Config{Type: "smtp"}, "", true},
		{"stdout", Config{Type: "stdout"}, "stdout", false},
		{"file", Config{Type: "file", OutputDir: t.TempDir()}, "file", false},
		{"unknown", Config{Type: "carrier-pigeon"}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(tt.cfg, nil, zerolog.Nop())
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if s.Name() != tt.wantName {
				t.Errorf("Name() = %q, want %q", s.Name(), tt.wantName)
			}
		})
	}
}

func TestNewSMTP_DefaultTimeout(t *testing.T) {
	s := NewSMTP(Config{Host: "h"}, nil, zerolog.Nop())
	if s.cfg.Timeout != defaultSMTPTimeout {
		t.Errorf("expected default timeout, got %v", s.cfg.Timeout)
	}
}
