package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	v, sha, built := Version, GitSHA, BuildTime
	t.Cleanup(func() { Version, GitSHA, BuildTime = v, sha, built })

	Version, GitSHA, BuildTime = "v0.3.0", "abc1234", "2026-10-19T08:00:00Z"
	assert.Equal(t, "posebridge v0.3.0 (commit abc1234, built 2026-10-19T08:00:00Z)", String("posebridge"))
}
