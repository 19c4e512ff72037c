package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"", 0},
		{"0", 0},
		{"4096", 4096},
		{"100B", 100},
		{"1KB", 1000},
		{"1KiB", 1024},
		{"1.5MB", 1_500_000},
		{"10MiB", 10_485_760},
		{"2 GiB", 2_147_483_648},
		{" 8mb ", 8_000_000},
		{"1TB", 1_000_000_000_000},
		{"0GB", 0},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSize(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSize_Rejects(t *testing.T) {
	tests := []struct {
		input   string
		wantMsg string
	}{
		{"abc", "invalid size"},
		{"MB", "invalid size"},
		{"1.5", "invalid size"},
		{"-1", "must be non-negative"},
		{"-5MB", "must be non-negative"},
		{"-1GiB", "must be non-negative"},
		{"-0.5KB", "must be non-negative"},
		{"-100 B", "must be non-negative"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			_, err := ParseSize(tt.input)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
			assert.Contains(t, err.Error(), tt.input)
		})
	}
}

func TestValidate_NegativeMaxFileSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Mirror.MaxFileSize = "-10MB"

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be non-negative")
}
