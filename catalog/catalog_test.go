package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Generic(t *testing.T) {
	tests := map[string]struct {
		data     string
		expected []Track
	}{
		"tracks object": {
			data: `{"version":1,"tracks":[
				{"trackName":"video","type":"video","priority":1},
				{"trackName":"audio","type":"audio","priority":2}
			]}`,
			expected: []Track{
				{Name: "video", Type: "video", Priority: 1},
				{Name: "audio", Type: "audio", Priority: 2},
			},
		},
		"bare array": {
			data: `[{"trackName":"data","type":"application","priority":3}]`,
			expected: []Track{
				{Name: "data", Type: "application", Priority: 3},
			},
		},
		"empty tracks array": {
			data:     `{"tracks":[]}`,
			expected: []Track{},
		},
		"entry missing priority is skipped": {
			data: `{"tracks":[
				{"trackName":"video","type":"video"},
				{"trackName":"audio","type":"audio","priority":2}
			]}`,
			expected: []Track{
				{Name: "audio", Type: "audio", Priority: 2},
			},
		},
		"entry missing name is skipped": {
			data:     `{"tracks":[{"type":"video","priority":1}]}`,
			expected: []Track{},
		},
		"entry missing type is skipped": {
			data:     `{"tracks":[{"trackName":"video","priority":1}]}`,
			expected: []Track{},
		},
		"zero priority is valid": {
			data: `{"tracks":[{"trackName":"catalog.json","type":"catalog","priority":0}]}`,
			expected: []Track{
				{Name: "catalog.json", Type: "catalog", Priority: 0},
			},
		},
		"leading whitespace": {
			data:     "\n\t [{\"trackName\":\"a\",\"type\":\"b\",\"priority\":1}]",
			expected: []Track{{Name: "a", Type: "b", Priority: 1}},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			tracks, err := Parse([]byte(tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, tracks)
		})
	}
}

func TestParse_Hang(t *testing.T) {
	tests := map[string]struct {
		data     string
		expected []Track
	}{
		"video and audio sections": {
			data: `{
				"video":{"renditions":{"video/hd":{},"video/sd":{}}},
				"audio":{"renditions":{"audio/main":{}}}
			}`,
			expected: []Track{
				{Name: "video/hd", Type: "video", Priority: 1},
				{Name: "audio/main", Type: "audio", Priority: 1},
			},
		},
		"video only": {
			data: `{"video":{"renditions":{"cam":{}}}}`,
			expected: []Track{
				{Name: "cam", Type: "video", Priority: 1},
			},
		},
		"section without renditions falls back to kind": {
			data: `{"audio":{}}`,
			expected: []Track{
				{Name: "audio", Type: "audio", Priority: 1},
			},
		},
		"neither section": {
			data:     `{"something":"else"}`,
			expected: nil,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			tracks, err := Parse([]byte(tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, tracks)
		})
	}
}

func TestParse_Errors(t *testing.T) {
	tests := map[string]struct {
		data string
	}{
		"empty document":    {data: ""},
		"whitespace only":   {data: "  \n\t"},
		"truncated object":  {data: `{"tracks":[`},
		"not json at all":   {data: "hello world"},
		"array of garbage":  {data: `[1,`},
		"mismatched braces": {data: `{"tracks":[]`},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestParse_GenericShapeWins(t *testing.T) {
	// A document carrying both a tracks array and hang sections is read as
	// the generic shape.
	data := `{
		"tracks":[{"trackName":"main","type":"video","priority":5}],
		"video":{"renditions":{"ignored":{}}}
	}`
	tracks, err := Parse([]byte(data))
	require.NoError(t, err)
	assert.Equal(t, []Track{{Name: "main", Type: "video", Priority: 5}}, tracks)
}
