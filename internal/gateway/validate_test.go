package gateway

import (
	"testing"

	gwerrors "github.com/ai-icarus/icarus/internal/errors"
	"github.com/stretchr/testify/require"
)

func testSchema() InputSchema {
	return InputSchema{
		Type: "object",
		Properties: map[string]PropertySchema{
			"query":     {Type: "string"},
			"format":    {Type: "string", Enum: []string{"table", "json"}},
			"limit":     {Type: "integer"},
			"threshold": {Type: "number"},
			"verbose":   {Type: "boolean"},
			"columns":   {Type: "array"},
			"options":   {Type: "object"},
		},
		Required: []string{"query"},
	}
}

func TestValidateArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    map[string]interface{}
		wantErr string
	}{
		{
			name: "AllValid",
			args: map[string]interface{}{
				"query":     "Heartbeat | take 1",
				"format":    "json",
				"limit":     float64(50),
				"threshold": 0.75,
				"verbose":   true,
				"columns":   []interface{}{"Computer"},
				"options":   map[string]interface{}{"timeout": "30s"},
			},
		},
		{
			name:    "MissingRequired",
			args:    map[string]interface{}{},
			wantErr: `missing required argument "query"`,
		},
		{
			name:    "EmptyRequiredString",
			args:    map[string]interface{}{"query": "   "},
			wantErr: `required argument "query" is empty`,
		},
		{
			name:    "UnknownArgument",
			args:    map[string]interface{}{"query": "Heartbeat", "depth": 3},
			wantErr: `unknown argument "depth"`,
		},
		{
			name:    "NullValue",
			args:    map[string]interface{}{"query": "Heartbeat", "verbose": nil},
			wantErr: `argument "verbose" is null`,
		},
		{
			name:    "StringTypeMismatch",
			args:    map[string]interface{}{"query": 99},
			wantErr: `argument "query" must be a string`,
		},
		{
			name:    "EnumViolation",
			args:    map[string]interface{}{"query": "Heartbeat", "format": "csv"},
			wantErr: `argument "format" must be one of [table, json]`,
		},
		{
			name: "FractionalInteger",
			args: map[string]interface{}{"query": "Heartbeat", "limit": 2.5},
			// JSON decodes every number to float64; only whole values pass.
			wantErr: `argument "limit" must be an integer`,
		},
		{
			name: "WholeFloatInteger",
			args: map[string]interface{}{"query": "Heartbeat", "limit": float64(10)},
		},
		{
			name: "NativeIntInteger",
			args: map[string]interface{}{"query": "Heartbeat", "limit": 10},
		},
		{
			name:    "NumberTypeMismatch",
			args:    map[string]interface{}{"query": "Heartbeat", "threshold": "high"},
			wantErr: `argument "threshold" must be a number`,
		},
		{
			name:    "BooleanTypeMismatch",
			args:    map[string]interface{}{"query": "Heartbeat", "verbose": "yes"},
			wantErr: `argument "verbose" must be a boolean`,
		},
		{
			name:    "ArrayTypeMismatch",
			args:    map[string]interface{}{"query": "Heartbeat", "columns": "Computer"},
			wantErr: `argument "columns" must be an array`,
		},
		{
			name:    "ObjectTypeMismatch",
			args:    map[string]interface{}{"query": "Heartbeat", "options": []interface{}{}},
			wantErr: `argument "options" must be an object`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateArgs("invoke_tool", testSchema(), tt.args)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.Equal(t, gwerrors.KindInvalidArgument, gwerrors.KindOf(err))
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateArgsReportsEveryProblem(t *testing.T) {
	err := validateArgs("invoke_tool", testSchema(), map[string]interface{}{
		"zeta":  1,
		"alpha": 2,
	})
	require.Error(t, err)

	// Argument names sort first, missing-required checks follow.
	require.Contains(t, err.Error(),
		`unknown argument "alpha"; unknown argument "zeta"; missing required argument "query"`)
}
