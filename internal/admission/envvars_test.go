package admission

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvVarsEmpty(t *testing.T) {
	vars, err := ParseEnvVars("")
	require.NoError(t, err)
	assert.Empty(t, vars)
}

func TestParseEnvVarsValid(t *testing.T) {
	vars, err := ParseEnvVars(`{"API_KEY":"abc123","DEBUG":true,"WORKERS":4,"RATIO":1.5,"EMPTY":null}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"API_KEY": "abc123",
		"DEBUG":   "true",
		"WORKERS": "4",
		"RATIO":   "1.5",
		"EMPTY":   "",
	}, vars)
}

func TestParseEnvVarsRejections(t *testing.T) {
	tooMany := make(map[string]string, maxEnvVarsCount+1)
	for i := 0; i <= maxEnvVarsCount; i++ {
		tooMany["KEY_"+strings.Repeat("A", i+1)] = "v"
	}
	tooManyJSON, err := json.Marshal(tooMany)
	require.NoError(t, err)

	tests := []struct {
		name    string
		raw     string
		wantMsg string
	}{
		{
			"oversized payload",
			`{"K":"` + strings.Repeat("a", maxEnvVarsJSONSize) + `"}`,
			"env_vars JSON string exceeds 5000 bytes",
		},
		{
			"invalid json",
			`{"K":`,
			"Invalid JSON format for env_vars",
		},
		{
			"not an object",
			`["K"]`,
			"env_vars must be a JSON object",
		},
		{
			"too many items",
			string(tooManyJSON),
			"env_vars JSON object exceeds 30 items",
		},
		{
			"protected variable",
			`{"PATH":"/evil"}`,
			"Cannot override protected system variable: PATH",
		},
		{
			"protected variable lowercase",
			`{"pythonpath":"/evil"}`,
			"Cannot override protected system variable: pythonpath",
		},
		{
			"key too long",
			`{"` + strings.Repeat("K", maxEnvKeyLength+1) + `":"v"}`,
			"exceeds 50 characters",
		},
		{
			"value too long",
			`{"K":"` + strings.Repeat("v", maxEnvValueLength+1) + `"}`,
			"env_vars value for key 'K' exceeds 500 characters",
		},
		{
			"key with dash",
			`{"MY-KEY":"v"}`,
			"env_vars key 'MY-KEY' contains unsafe characters",
		},
		{
			"key starting with digit",
			`{"1KEY":"v"}`,
			"env_vars key '1KEY' contains unsafe characters",
		},
		{
			"shell metacharacters",
			`{"K":"$(rm -rf /)"}`,
			"env_vars value for key 'K' contains unsafe characters",
		},
		{
			"path traversal",
			`{"K":"../../etc/passwd"}`,
			"env_vars value for key 'K' contains unsafe characters",
		},
		{
			"hex escape",
			`{"K":"\\x41"}`,
			"env_vars value for key 'K' contains unsafe characters",
		},
		{
			"percent encoding",
			`{"K":"%2e%2e"}`,
			"env_vars value for key 'K' contains unsafe characters",
		},
		{
			"http url",
			`{"K":"http://evil.example"}`,
			"env_vars value for key 'K' contains unsafe characters",
		},
		{
			"ftp url",
			`{"K":"ftp://evil.example"}`,
			"env_vars value for key 'K' contains unsafe characters",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEnvVars(tt.raw)
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Message, tt.wantMsg)
		})
	}
}

func TestStringifyEnvValue(t *testing.T) {
	assert.Equal(t, "hello", stringifyEnvValue("hello"))
	assert.Equal(t, "true", stringifyEnvValue(true))
	assert.Equal(t, "false", stringifyEnvValue(false))
	assert.Equal(t, "42", stringifyEnvValue(float64(42)))
	assert.Equal(t, "3.14", stringifyEnvValue(3.14))
	assert.Equal(t, "", stringifyEnvValue(nil))
}
