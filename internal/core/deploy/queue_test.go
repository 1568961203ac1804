package deploy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueAdmitsFirstDeployment(t *testing.T) {
	q := NewQueue()

	assert.True(t, q.Admit(1, 10))

	active, ok := q.Active(1)
	require.True(t, ok)
	assert.Equal(t, int64(10), active)
}

func TestQueueSerializesPerProject(t *testing.T) {
	q := NewQueue()

	assert.True(t, q.Admit(1, 10))
	assert.False(t, q.Admit(1, 11))
	assert.False(t, q.Admit(1, 12))
}

func TestQueueUnrelatedProjectsDoNotBlock(t *testing.T) {
	q := NewQueue()

	assert.True(t, q.Admit(1, 10))
	assert.True(t, q.Admit(2, 20))
}

func TestQueueReleaseHandsSlotInFIFOOrder(t *testing.T) {
	q := NewQueue()

	q.Admit(1, 10)
	q.Admit(1, 11)
	q.Admit(1, 12)

	next, ok := q.Release(1, 10)
	require.True(t, ok)
	assert.Equal(t, int64(11), next)

	next, ok = q.Release(1, 11)
	require.True(t, ok)
	assert.Equal(t, int64(12), next)

	_, ok = q.Release(1, 12)
	assert.False(t, ok)

	_, active := q.Active(1)
	assert.False(t, active)
}

func TestQueueReleaseIgnoresNonActiveDeployment(t *testing.T) {
	q := NewQueue()

	q.Admit(1, 10)
	q.Admit(1, 11)

	_, ok := q.Release(1, 99)
	assert.False(t, ok)

	active, _ := q.Active(1)
	assert.Equal(t, int64(10), active)
}

func TestQueueRemoveDropsWaitingDeployment(t *testing.T) {
	q := NewQueue()

	q.Admit(1, 10)
	q.Admit(1, 11)
	q.Admit(1, 12)

	assert.True(t, q.Remove(1, 11))
	assert.False(t, q.Remove(1, 11))
	assert.False(t, q.Remove(1, 10))

	next, ok := q.Release(1, 10)
	require.True(t, ok)
	assert.Equal(t, int64(12), next)
}
