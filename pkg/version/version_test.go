package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetReturnsVersion(t *testing.T) {
	assert.Equal(t, Version, Get())
}

func TestVersionNotEmptyAndPrefixed(t *testing.T) {
	s := strings.TrimSpace(Get())
	assert.NotEmpty(t, s)
	assert.True(t, strings.HasPrefix(s, "v"))
}
