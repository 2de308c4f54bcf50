package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfoString(t *testing.T) {
	i := Info{CommitHash: "0123456789abcdef", BuildTime: "2024-03-01", Version: "dev"}
	assert.Equal(t, "metronome dev (commit 0123456789abcdef, built 2024-03-01)", i.String())
	assert.Equal(t, "0123456", i.Short())

	i.Version = "v1.2.0"
	assert.Contains(t, i.String(), "metronome v1.2.0")

	assert.Equal(t, "abc", Info{CommitHash: "abc"}.Short())
	assert.NotEmpty(t, Get().GoVersion)
}
