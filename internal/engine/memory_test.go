package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMemoryAccountantAddTracksRunningTotal(t *testing.T) {
	m := newMemoryAccountant(1000)
	m.add(100)
	m.add(50)
	m.add(-30)
	assert.Equal(t, int64(120), m.bytes())
}

func TestMemoryAccountantSignalsResyncAtInterval(t *testing.T) {
	m := newMemoryAccountant(3)
	assert.False(t, m.add(10))
	assert.False(t, m.add(10))
	assert.True(t, m.add(10), "third op should hit the resync interval")
}

func TestMemoryAccountantResyncCorrectsDriftAndResetsOps(t *testing.T) {
	m := newMemoryAccountant(2)
	m.add(999) // drifted estimate
	m.add(999)

	m.resync(42)
	assert.Equal(t, int64(42), m.bytes())
	assert.False(t, m.add(1), "ops counter should have reset after resync")
}
