package main

import (
	"testing"
	"time"
)

func TestParseFixArgs(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		wantAge   time.Duration
		wantApply bool
		wantErr   bool
	}{
		{"defaults", nil, time.Hour, false, false},
		{"apply_only", []string{"apply"}, time.Hour, true, false},
		{"age_only", []string{"30m"}, 30 * time.Minute, false, false},
		{"age_then_apply", []string{"2h", "apply"}, 2 * time.Hour, true, false},
		{"apply_then_age", []string{"apply", "90s"}, 90 * time.Second, true, false},
		{"bad_age", []string{"soon"}, 0, false, true},
		{"negative_age", []string{"-5m"}, 0, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			age, apply, err := parseFixArgs(tt.args)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %v", tt.args)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if age != tt.wantAge || apply != tt.wantApply {
				t.Errorf("parseFixArgs(%v) = (%v, %v), want (%v, %v)", tt.args, age, apply, tt.wantAge, tt.wantApply)
			}
		})
	}
}
