package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCustodyID_Deterministic(t *testing.T) {
	a := CustodyID("0xabc123", 7)
	b := CustodyID("0xabc123", 7)
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, CustodyPrefix))
	assert.Len(t, a, len(CustodyPrefix)+32)
}

func TestCustodyID_DistinctInputs(t *testing.T) {
	base := CustodyID("0xabcdef0123456789aa", 1)
	assert.NotEqual(t, base, CustodyID("0xabcdef0123456789bb", 1), "shared prefix must not collide")
	assert.NotEqual(t, base, CustodyID("0xabcdef0123456789aa", 2))
	// "ab"+"1:2" vs "ab1"+":2" style boundary confusion
	assert.NotEqual(t, CustodyID("ab1", 2), CustodyID("ab", 12))
}

func TestLegacyCustodyID(t *testing.T) {
	assert.Equal(t, "0xabcdef0142", LegacyCustodyID("0xabcdef0123456789", 42))
	assert.Equal(t, "abc5", LegacyCustodyID("abc", 5))
	assert.Equal(t,
		LegacyCustodyID("0xabcdef01AAAA", 1),
		LegacyCustodyID("0xabcdef01BBBB", 1),
		"legacy format collides on shared prefix")
}
