package kafka

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseContactBatch(t *testing.T) {
	msg := &IncomingMessage{Value: []byte(`{
		"source": " crm ",
		"contacts": [
			{"email": "Jane@Acme.io", "name": "Jane Doe", "lead_source": "webinar"},
			{"phone": "(415) 555-0100", "notes": "met at booth"}
		]
	}`)}

	batch, err := msg.ParseContactBatch()
	require.NoError(t, err)
	assert.Equal(t, "crm", batch.Source)
	require.Len(t, batch.Contacts, 2)
	assert.Equal(t, "Jane@Acme.io", batch.Contacts[0].Email)
	assert.Equal(t, "webinar", batch.Contacts[0].LeadSource)
	assert.Equal(t, "met at booth", batch.Contacts[1].Notes)
}

func TestParseContactBatch_Errors(t *testing.T) {
	_, err := (&IncomingMessage{Value: []byte(`not json`)}).ParseContactBatch()
	assert.Error(t, err)

	_, err = (&IncomingMessage{Value: []byte(`{"contacts":[]}`)}).ParseContactBatch()
	assert.ErrorIs(t, err, ErrMissingSource)

	batch, err := (&IncomingMessage{
		Value:   []byte(`{"contacts":[]}`),
		Headers: map[string]string{"source": "forms"},
	}).ParseContactBatch()
	require.NoError(t, err)
	assert.Equal(t, "forms", batch.Source)
}
