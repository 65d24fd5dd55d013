package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewIDPrefix(t *testing.T) {
	id := NewID("wf")
	assert.Regexp(t, `^wf_[0-9a-f]{32}$`, id)
	assert.NotEqual(t, id, NewID("wf"))
	assert.NotContains(t, NewID(""), "_", "unprefixed id should not contain a separator")
}
