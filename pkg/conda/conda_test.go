package conda

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsPackageFile(t *testing.T) {
	tests := []struct {
		fn   string
		want bool
	}{
		{"a-1.0-0.conda", true},
		{"a-1.0-0.tar.bz2", true},
		{"repodata.json", false},
		{"a-1.0-0.tar.gz", false},
		{"a-1.0-0.conda.part", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsPackageFile(tt.fn), tt.fn)
	}
}

func TestCounterparts(t *testing.T) {
	assert.Equal(t, "a-1.0-0.conda", CondaCounterpart("a-1.0-0.tar.bz2"))
	assert.Equal(t, "a-1.0-0.conda", CondaCounterpart("a-1.0-0.conda"))
	assert.Equal(t, "a-1.0-0.tar.bz2", Bz2Counterpart("a-1.0-0.conda"))
	assert.Equal(t, "a-1.0-0.tar.bz2", Bz2Counterpart("a-1.0-0.tar.bz2"))
}

func TestStripExtension(t *testing.T) {
	assert.Equal(t, "a-1.0-0", StripExtension("a-1.0-0.conda"))
	assert.Equal(t, "a-1.0-0", StripExtension("a-1.0-0.tar.bz2"))
	assert.Equal(t, "readme.txt", StripExtension("readme.txt"))
}

func TestMakeSeconds(t *testing.T) {
	// millisecond timestamps are normalized to seconds
	assert.Equal(t, int64(1700000000), MakeSeconds(1700000000000))
	assert.Equal(t, int64(1700000000), MakeSeconds(1700000000))
	assert.Equal(t, int64(0), MakeSeconds(0))
}
