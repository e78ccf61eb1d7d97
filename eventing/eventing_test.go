package eventing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewPubRedisMessage(t *testing.T) {
	msg := newPubRedisMessage([]byte("data"), WithHeader("key", "users|42"), WithHeader("key", "users|43"))
	assert.Equal(t, []byte("data"), msg.Data())
	// a repeated header keeps the last value
	assert.Equal(t, "users|43", msg.Headers().Get("key"))
	assert.Equal(t, []string{"key"}, msg.Headers().Keys())
	assert.Empty(t, msg.Headers().Get("traceparent"))
}
