// SPDX-License-Identifier: Apache-2.0

package jsonschema_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relcore/pgcore/internal/jsonschema"
)

const aggregateSchema = `{
	"type": "object",
	"required": ["name", "category", "initialState", "reducers"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"category": {"type": "string", "pattern": "^[a-z][a-z0-9-]*$"},
		"initialState": {"type": "object"},
		"reducers": {"type": "object"},
		"snapshotThreshold": {"type": "integer", "minimum": 1}
	}
}`

func TestValidateAccepts(t *testing.T) {
	t.Parallel()

	v, err := jsonschema.Compile("aggregate.json", []byte(aggregateSchema))
	require.NoError(t, err)

	doc := `{
		"name": "order-totals",
		"category": "order",
		"initialState": {"total": 0},
		"reducers": {"order/item-added": "jsonb_set(v_state, '{total}', ((v_state->>'total')::numeric + (v_event.data->>'amount')::numeric)::text::jsonb)"}
	}`

	assert.NoError(t, v.Validate([]byte(doc)))
}

func TestValidateRejectsMissingRequiredField(t *testing.T) {
	t.Parallel()

	v, err := jsonschema.Compile("aggregate.json", []byte(aggregateSchema))
	require.NoError(t, err)

	doc := `{"name": "order-totals"}`

	assert.Error(t, v.Validate([]byte(doc)))
}

func TestValidateRejectsWrongCategoryPattern(t *testing.T) {
	t.Parallel()

	v, err := jsonschema.Compile("aggregate.json", []byte(aggregateSchema))
	require.NoError(t, err)

	doc := `{
		"name": "order-totals",
		"category": "Order_Totals",
		"initialState": {},
		"reducers": {}
	}`

	assert.Error(t, v.Validate([]byte(doc)))
}
