package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected Size
		wantErr  bool
	}{
		{"bare number", "4096", 4096, false},
		{"explicit B", "4096B", 4096, false},
		{"byte word", "12 bytes", 12, false},

		{"K", "8K", 8 * KB, false},
		{"KB", "8KB", 8 * KB, false},
		{"KiB", "8KiB", 8 * KB, false},

		{"M", "50M", 50 * MB, false},
		{"MB", "50MB", 50 * MB, false},
		{"MiB", "50MiB", 50 * MB, false},

		{"GB", "3GB", 3 * GB, false},
		{"TB", "2TB", 2 * TB, false},
		{"PB", "1PB", 1 * PB, false},

		{"fractional", "2.5GB", Size(2.5 * float64(GB)), false},
		{"fractional with space", "1.5 MB", Size(1.5 * float64(MB)), false},

		{"lowercase", "50mb", 50 * MB, false},
		{"mixed case", "50Mb", 50 * MB, false},
		{"surrounding whitespace", "  50MB  ", 50 * MB, false},
		{"space before unit", "50 MB", 50 * MB, false},

		{"zero", "0", 0, false},
		{"zero with unit", "0GB", 0, false},

		{"garbage", "plenty", 0, true},
		{"empty", "", 0, true},
		{"unknown unit", "5QB", 0, true},
		{"negative", "-5MB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			size, err := Parse(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, size)
		})
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		size     Size
		expected string
	}{
		{0, "0B"},
		{750, "750B"},
		{KB, "1KB"},
		{8 * KB, "8KB"},
		{50 * MB, "50MB"},
		{3 * GB, "3GB"},
		{TB, "1TB"},
		{PB, "1PB"},
		{Size(1.5 * float64(MB)), "1.5MB"},
		{Size(2.25 * float64(GB)), "2.25GB"},
		{1023, "1023B"},
		{1025, "1KB"},
		{-50 * MB, "-50MB"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, Format(tt.size))
		})
	}
}

func TestSize_String(t *testing.T) {
	assert.Equal(t, "50MB", (50 * MB).String())
}

func TestSize_Bytes(t *testing.T) {
	assert.Equal(t, int64(52428800), (50 * MB).Bytes())
}

func TestParseEquivalence(t *testing.T) {
	groups := [][]string{
		{"1KB", "1 KB", "1kb", "1kib", "1024", "1024B"},
		{"2MB", "2 MB", "2mb", "2mib", "2M"},
		{"3GB", "3 GB", "3gb", "3gib", "3G"},
	}

	for _, group := range groups {
		want, err := Parse(group[0])
		require.NoError(t, err)
		for _, s := range group[1:] {
			got, err := Parse(s)
			require.NoError(t, err, "parsing %q", s)
			assert.Equal(t, want, got, "%q should equal %q", s, group[0])
		}
	}
}

func TestRoundTrip(t *testing.T) {
	for _, s := range []Size{0, B, KB, MB, GB, TB, 50 * MB, 12 * GB} {
		parsed, err := Parse(Format(s))
		require.NoError(t, err)
		assert.Equal(t, s, parsed, "round trip through %q", Format(s))
	}
}
