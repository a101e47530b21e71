package domain

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashPartsStable(t *testing.T) {
	a := HashParts("tool", "1", "echo hello")
	b := HashParts("tool", "1", "echo hello")
	assert.Equal(t, a, b)

	_, err := strconv.ParseUint(a, 10, 64)
	assert.NoError(t, err, "hash must be a decimal string")
}

func TestHashPartsOrderAndBoundaries(t *testing.T) {
	assert.NotEqual(t, HashParts("a", "b"), HashParts("b", "a"))

	// The separator keeps ("ab","c") distinct from ("a","bc").
	assert.NotEqual(t, HashParts("ab", "c"), HashParts("a", "bc"))

	assert.NotEqual(t, HashParts(""), HashParts("", ""))
}

func TestIsInvalidTransition(t *testing.T) {
	err := &InvalidStateTransition{Entity: "task", ID: 7, From: "DONE", To: "QUEUED"}
	assert.True(t, IsInvalidTransition(err))
	assert.False(t, IsInvalidTransition(ErrInvalidUsage))
	assert.Contains(t, err.Error(), "DONE")
}
