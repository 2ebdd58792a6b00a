package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDecision(t *testing.T) {
	d, err := parseDecision(`{"operation": "update", "reason": "changed", "updated_fact": " New text ", "update_target": "old"}`)
	require.NoError(t, err)
	assert.Equal(t, OpUpdate, d.Operation)
	assert.Equal(t, "New text", d.UpdatedFact)
	assert.Equal(t, "old", d.UpdateTarget)

	d, err = parseDecision("Sure!\n{\"operation\": \"NOOP\", \"reason\": \"dup\"}")
	require.NoError(t, err)
	assert.Equal(t, OpNoop, d.Operation)

	d, err = parseDecision(`{"operation":"DELETE","delete_target":"lives in Boston"}`)
	require.NoError(t, err)
	assert.Equal(t, "lives in Boston", d.DeleteTarget)
}

func TestParseDecisionRejects(t *testing.T) {
	for _, content := range []string{
		"ADD",
		`{"reason": "no op"}`,
		`{"operation": "MERGE"}`,
		`{"operation": 1}`,
	} {
		_, err := parseDecision(content)
		assert.Error(t, err, content)
	}
}
