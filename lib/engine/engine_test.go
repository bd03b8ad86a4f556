package engine_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowmerak/sqlls-bridge/lib/engine"
)

func TestBatch_URI(t *testing.T) {
	batch := engine.Batch(`{"uri":"file:///a.sql","version":3,"diagnostics":[]}`)
	assert.Equal(t, "file:///a.sql", batch.URI())

	assert.Empty(t, engine.Batch(`{"diagnostics":[]}`).URI())
	assert.Empty(t, engine.Batch(`not json`).URI())
}

func TestBatch_MarshalIsVerbatim(t *testing.T) {
	raw := `{"uri":"file:///a.sql","diagnostics":[{"message":"x","extra":{"kept":true}}]}`

	out, err := json.Marshal(struct {
		Params engine.Batch `json:"params"`
	}{engine.Batch(raw)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"params":`+raw+`}`, string(out))

	out, err = json.Marshal(engine.Batch(nil))
	require.NoError(t, err)
	assert.Equal(t, "null", string(out))
}
