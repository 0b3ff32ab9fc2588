package validate

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestID(t *testing.T) {
	assert.NoError(t, ID("surf_01HX-abc", "surface"))
	assert.Error(t, ID("", "surface"))
	assert.Error(t, ID("../etc", "surface"))
	assert.Error(t, ID("a b", "surface"))
	assert.Error(t, ID(strings.Repeat("a", MaxIDLength+1), "surface"))
}

func TestString(t *testing.T) {
	assert.NoError(t, String("", "name", 1, 10, false))
	assert.Error(t, String("", "name", 1, 10, true))
	assert.Error(t, String("ab", "name", 3, 10, true))
	assert.Error(t, String("a\x00b", "name", 1, 10, true))
}

func TestPayload(t *testing.T) {
	assert.NoError(t, Payload(nil))
	assert.NoError(t, Payload([]byte(`{"language":"go","nested":[1,{"x":2}]}`)))
	assert.Error(t, Payload([]byte(`{"broken"`)))
	assert.Error(t, Payload([]byte(`"`+strings.Repeat("x", MaxPayloadSize)+`"`)))

	deep := strings.Repeat("[", MaxPayloadDepth+2) + strings.Repeat("]", MaxPayloadDepth+2)
	assert.ErrorContains(t, Payload([]byte(deep)), "nesting depth")
}
