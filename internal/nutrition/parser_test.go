package nutrition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMissingFieldsDefaultToZero(t *testing.T) {
	vec, err := Parse("{'Calories': '250 kcal', 'Protein': '10 g'}")
	require.NoError(t, err)
	assert.Equal(t, Vector{250, 10, 0, 0, 0}, vec)
}

func TestParseAllFields(t *testing.T) {
	text := `{'Calories': '312 kcal', 'Protein': '11.5 g', 'Fat': '9 g', 'Carbohydrates': '44.2 g', 'Fiber': '3 g', 'Sugar': '2 g'}`
	vec, err := Parse(text)
	require.NoError(t, err)
	assert.Equal(t, Vector{312, 11.5, 9, 44.2, 3}, vec)
}

func TestParseEmptyMapping(t *testing.T) {
	vec, err := Parse("{}")
	require.NoError(t, err)
	assert.Equal(t, Vector{}, vec)
}

func TestParseAcceptedForms(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Vector
	}{
		{"json quotes", `{"Calories": "120 kcal", "Fat": "1.5 g"}`, Vector{120, 0, 1.5, 0, 0}},
		{"bare numbers", `{'Calories': 95, 'Fiber': 4.4}`, Vector{95, 0, 0, 0, 4.4}},
		{"trailing comma", "{'Protein': '7 g',}", Vector{0, 7, 0, 0, 0}},
		{"surrounding whitespace", "  {\n 'Fat' : ' 12 g ' \n}  ", Vector{0, 0, 12, 0, 0}},
		{"escaped quote in key", `{'Chef\'s note': 'n/a', 'Calories': '10 kcal'}`, Vector{10, 0, 0, 0, 0}},
		{"negative and exponent", `{'Calories': '1e2 kcal', 'Fat': '-0.5 g'}`, Vector{100, 0, -0.5, 0, 0}},
		{"duplicate key keeps last", `{'Calories': '1 kcal', 'Calories': '2 kcal'}`, Vector{2, 0, 0, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vec, err := Parse(tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.want, vec)
		})
	}
}

func TestParseRejectsMalformedValues(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"non numeric token", "{'Calories': 'about 250 kcal'}"},
		{"empty value", "{'Protein': ''}"},
		{"blank value", "{'Fat': '   '}"},
		{"nan", "{'Fiber': 'nan g'}"},
		{"infinity", "{'Calories': 'inf kcal'}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.text)
			assert.ErrorIs(t, err, ErrValue)
		})
	}
}

func TestParseRejectsNonLiterals(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"not a mapping", "['Calories', '250 kcal']"},
		{"call expression", "__import__('os').system('true')"},
		{"call as value", "{'Calories': open('/etc/passwd')}"},
		{"unterminated string", "{'Calories': '250 kcal}"},
		{"missing colon", "{'Calories' '250 kcal'}"},
		{"missing close", "{'Calories': '250 kcal'"},
		{"trailing garbage", "{'Calories': '250 kcal'} + 1"},
		{"nested mapping", "{'Calories': {'value': 250}}"},
		{"bad number leaf", "{'Calories': 2.5.1}"},
		{"raw newline in string", "{'Calories': '250\nkcal'}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.text)
			assert.ErrorIs(t, err, ErrSyntax)
		})
	}
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{"Calories", "Protein", "Fat", "Carbohydrates", "Fiber"}, Names())
}
