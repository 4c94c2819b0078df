package idgen

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_IsUUID(t *testing.T) {
	id := New()
	parsed, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(4), parsed.Version())
	assert.NotEqual(t, id, New())
}

func TestWithPrefix(t *testing.T) {
	assert.Regexp(t, `^med_[0-9a-f]{24}$`, WithPrefix("med_"))
	assert.Len(t, Hex(4), 8)
}
