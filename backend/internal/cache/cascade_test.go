package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCascadesAreAcyclic(t *testing.T) {
	c, err := NewCascades(DefaultCascades())
	require.NoError(t, err)
	assert.Contains(t, c.Entities(), "customer")
}

func TestCascadeExpandAppliesDependentsOneLevel(t *testing.T) {
	c, err := NewCascades(DefaultCascades())
	require.NoError(t, err)

	patterns, tags, err := c.Expand("customer", "9")
	require.NoError(t, err)
	assert.Equal(t, []string{"customer:9", "customer:9:*", "estimate-list:customer:9*"}, patterns)
	assert.Equal(t, []string{"customer:9", "customer-estimates:9"}, tags)

	_, tags, err = c.Expand("estimate", "42")
	require.NoError(t, err)
	assert.Contains(t, tags, "subject:42")
}

func TestCascadeRejectsCycles(t *testing.T) {
	_, err := NewCascades(map[string]Rule{
		"a": {Dependents: []string{"b"}},
		"b": {Dependents: []string{"c"}},
		"c": {Dependents: []string{"a"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestCascadeRejectsUnknownDependent(t *testing.T) {
	_, err := NewCascades(map[string]Rule{"a": {Dependents: []string{"ghost"}}})
	assert.Error(t, err)
}

func TestCascadeUnknownEntity(t *testing.T) {
	c, err := NewCascades(DefaultCascades())
	require.NoError(t, err)
	_, _, err = c.Expand("invoice", "1")
	assert.Error(t, err)
}
