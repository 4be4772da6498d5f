package negotiation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCandidateBuffer(t *testing.T) {
	var b CandidateBuffer
	assert.True(t, b.Push(candidate(1)))
	assert.True(t, b.Push(candidate(2)))
	assert.Equal(t, 2, b.Len())
	assert.False(t, b.Drained())

	got := b.Drain()
	assert.Equal(t, []string{candidate(1).Candidate, candidate(2).Candidate},
		[]string{got[0].Candidate, got[1].Candidate})
	assert.True(t, b.Drained())
	assert.Zero(t, b.Len())

	assert.False(t, b.Push(candidate(3)), "a drained buffer accepts nothing")
	assert.Empty(t, b.Drain())
}
