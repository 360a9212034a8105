package health

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestManager_Aggregation(t *testing.T) {
	m := New(nil)

	assert.True(t, m.IsHealthy(), "empty manager should be healthy")

	m.Register("database", func() error { return nil })
	assert.True(t, m.IsHealthy())

	m.Register("exchange", func() error { return errors.New("dial timeout") })
	assert.False(t, m.IsHealthy())

	status := m.GetStatus()
	assert.Equal(t, "healthy", status["database"])
	assert.Equal(t, "unhealthy: dial timeout", status["exchange"])
}

func TestManager_RegisterReplaces(t *testing.T) {
	m := New(nil)
	m.Register("database", func() error { return errors.New("down") })
	assert.False(t, m.IsHealthy())

	m.Register("database", func() error { return nil })
	assert.True(t, m.IsHealthy())
}
