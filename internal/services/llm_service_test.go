package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cds-agent/internal/models"
)

func TestExtractJSONPlainObject(t *testing.T) {
	payload := `{"chief_complaint": "chest pain"}`
	assert.Equal(t, payload, extractJSON(payload))
}

func TestExtractJSONMarkdownFence(t *testing.T) {
	content := "```json\n{\"chief_complaint\": \"chest pain\"}\n```"
	assert.Equal(t, `{"chief_complaint": "chest pain"}`, extractJSON(content))
}

func TestExtractJSONSurroundingProse(t *testing.T) {
	content := `Here is the extraction you asked for:

{"age": 58, "chief_complaint": "chest pain"}

Let me know if you need anything else.`
	assert.Equal(t, `{"age": 58, "chief_complaint": "chest pain"}`, extractJSON(content))
}

func TestExtractJSONNestedBraces(t *testing.T) {
	content := `{"vitals": {"heart_rate": 110}, "notes": "tachycardic"}`
	assert.Equal(t, content, extractJSON(content))
}

func TestExtractJSONBracesInsideStrings(t *testing.T) {
	content := `{"notes": "formula is {a} over {b}", "age": 40}`
	assert.Equal(t, content, extractJSON(content))
}

func TestExtractJSONNoObject(t *testing.T) {
	assert.Empty(t, extractJSON("I cannot answer that."))
	assert.Empty(t, extractJSON(""))
	assert.Empty(t, extractJSON("{\"unterminated\": true"))
}

func TestDecodeStructuredRunsValidation(t *testing.T) {
	var profile models.PatientProfile

	err := decodeStructured(`{"age": 58}`, &profile)
	require.Error(t, err, "profile without chief complaint must fail validation")

	err = decodeStructured(`{"age": 58, "chief_complaint": "chest pain"}`, &profile)
	require.NoError(t, err)
	assert.Equal(t, 58, profile.Age)
	assert.Equal(t, "chest pain", profile.ChiefComplaint)
}

func TestDecodeStructuredRejectsMalformedJSON(t *testing.T) {
	var profile models.PatientProfile
	err := decodeStructured(`{"age": "not a number", "chief_complaint": "x"}`, &profile)
	require.Error(t, err)
}
