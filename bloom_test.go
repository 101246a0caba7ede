package main

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountingBloom_AddRemove(t *testing.T) {
	b := newCountingBloom(100)
	assert.False(t, b.Test([]byte("alpha")))

	b.Add([]byte("alpha"))
	b.Add([]byte("alpha"))
	assert.True(t, b.Test([]byte("alpha")))

	assert.True(t, b.TestAndRemove([]byte("alpha")))
	assert.True(t, b.Test([]byte("alpha")), "added twice")
	assert.True(t, b.TestAndRemove([]byte("alpha")))
	assert.False(t, b.Test([]byte("alpha")))
	assert.False(t, b.TestAndRemove([]byte("alpha")), "removing an absent key changes nothing")
}

func TestCountingBloom_RepeatedRemoveKeepsOthers(t *testing.T) {
	b := newCountingBloom(100)
	b.Add([]byte("alpha"))
	b.Add([]byte("beta"))

	assert.True(t, b.TestAndRemove([]byte("alpha")))
	for range 5 {
		assert.False(t, b.TestAndRemove([]byte("alpha")))
	}
	assert.True(t, b.Test([]byte("beta")))
}

func TestCountingBloom_Saturates(t *testing.T) {
	b := newCountingBloom(1000)
	for range 40 {
		b.Add([]byte("hot"))
	}
	// 4-bit buckets stop at 15, so 15 removes clear what 40 adds raised.
	for range 14 {
		assert.True(t, b.TestAndRemove([]byte("hot")))
	}
	assert.True(t, b.Test([]byte("hot")))
	assert.True(t, b.TestAndRemove([]byte("hot")))
	assert.False(t, b.Test([]byte("hot")))
}

func TestCountingBloom_FalsePositiveRate(t *testing.T) {
	const n = 2000
	b := newCountingBloom(n)
	for i := range n {
		b.Add([]byte(fmt.Sprintf("member-%d", i)))
	}
	for i := range n {
		assert.True(t, b.Test([]byte(fmt.Sprintf("member-%d", i))))
	}

	hits := 0
	for i := range 10 * n {
		if b.Test([]byte(fmt.Sprintf("stranger-%d", i))) {
			hits++
		}
	}
	assert.Less(t, float64(hits)/float64(10*n), 2*bloomFPRate)
}
