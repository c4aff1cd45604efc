package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDataSize(t *testing.T) {
	tests := []struct {
		input    string
		expected int64
		wantErr  bool
	}{
		{"0", 0, false},
		{"4096", 4096, false},
		{"100B", 100, false},

		// Decimal
		{"1KB", 1000, false},
		{"1.5MB", 1500000, false},

		// Binary, as chunk and message sizes are usually written
		{"64K", 65536, false},
		{"4KiB", 4096, false},
		{"1MiB", 1048576, false},
		{"16MiB", 16777216, false},
		{"1gib", 1073741824, false},
		{"  1MiB  ", 1048576, false},
		{"1 GB", 1000000000, false},

		{"", 0, true},
		{"lots", 0, true},
		{"1XB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDataSize(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestFormatDataSize(t *testing.T) {
	assert.Equal(t, "invalid", FormatDataSize(-1))
	assert.Equal(t, "0B", FormatDataSize(0))
	assert.Equal(t, "512B", FormatDataSize(512))
	assert.Equal(t, "1.5KiB", FormatDataSize(1536))
	assert.Equal(t, "1MiB", FormatDataSize(1<<20))
}
