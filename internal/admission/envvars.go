package admission

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Limits applied to client-supplied environment variables. The JSON payload
// is bounded before parsing so a hostile client cannot make the service
// decode megabytes of nested garbage.
const (
	maxEnvVarsJSONSize = 5000
	maxEnvVarsCount    = 30
	maxEnvKeyLength    = 50
	maxEnvValueLength  = 500
)

var safeEnvKeyPattern = regexp.MustCompile(`(?i)^[A-Z_][A-Z0-9_]*$`)

// unsafeEnvValuePatterns reject values that could smuggle shell syntax, path
// traversal, escaped bytes or outbound URLs into the subprocess environment.
var unsafeEnvValuePatterns = []*regexp.Regexp{
	regexp.MustCompile("[;&|`$(){}]"),
	regexp.MustCompile(`\.\.[\\/]`),
	regexp.MustCompile(`\\x[0-9a-fA-F]{2}`),
	regexp.MustCompile(`%[0-9a-fA-F]{2}`),
	regexp.MustCompile(`https?://`),
	regexp.MustCompile(`ftp://`),
}

// protectedEnvVars are variables a client may never override: loader and
// interpreter behavior, identity, proxies, temp dirs.
var protectedEnvVars = map[string]struct{}{
	"PATH":              {},
	"LD_LIBRARY_PATH":   {},
	"DYLD_LIBRARY_PATH": {},
	"PYTHONPATH":        {},
	"LD_PRELOAD":        {},
	"LD_AUDIT":          {},
	"MALLOC_CHECK_":     {},
	"HOME":              {},
	"USER":              {},
	"USERNAME":          {},
	"LOGNAME":           {},
	"SHELL":             {},
	"TERM":              {},
	"PWD":               {},
	"HTTP_PROXY":        {},
	"HTTPS_PROXY":       {},
	"FTP_PROXY":         {},
	"ALL_PROXY":         {},
	"NO_PROXY":          {},
	"TMPDIR":            {},
	"TMP":               {},
	"TEMP":              {},
	"TEMPDIR":           {},
	"PYTHONSTARTUP":     {},
	"PYTHONEXECUTABLE":  {},
	"PYTHONHOME":        {},
	"PYTHONDEBUG":       {},
	"PYTHONINSPECT":     {},
	"PYTHONOPTIMIZE":    {},
}

// ParseEnvVars validates the env_vars form field and returns the variables
// as strings. Non-string JSON values (numbers, booleans) are stringified.
// An empty field yields an empty map. Every violation returns a
// *ValidationError with the exact client-facing message.
func ParseEnvVars(raw string) (map[string]string, error) {
	if raw == "" {
		return map[string]string{}, nil
	}
	if len(raw) > maxEnvVarsJSONSize {
		return nil, validationErrorf("env_vars JSON string exceeds %d bytes", maxEnvVarsJSONSize)
	}

	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		var probe interface{}
		if jsonErr := json.Unmarshal([]byte(raw), &probe); jsonErr != nil {
			return nil, validationErrorf("Invalid JSON format for env_vars")
		}
		return nil, validationErrorf("env_vars must be a JSON object")
	}
	if len(parsed) > maxEnvVarsCount {
		return nil, validationErrorf("env_vars JSON object exceeds %d items", maxEnvVarsCount)
	}

	result := make(map[string]string, len(parsed))
	for key, value := range parsed {
		if _, protected := protectedEnvVars[strings.ToUpper(key)]; protected {
			return nil, validationErrorf("Cannot override protected system variable: %s", key)
		}
		if len(key) > maxEnvKeyLength {
			return nil, validationErrorf("env_vars key '%s' exceeds %d characters", key, maxEnvKeyLength)
		}
		strValue := stringifyEnvValue(value)
		if len(strValue) > maxEnvValueLength {
			return nil, validationErrorf("env_vars value for key '%s' exceeds %d characters", key, maxEnvValueLength)
		}
		if !safeEnvKeyPattern.MatchString(key) {
			return nil, validationErrorf("env_vars key '%s' contains unsafe characters", key)
		}
		for _, pattern := range unsafeEnvValuePatterns {
			if pattern.MatchString(strValue) {
				return nil, validationErrorf("env_vars value for key '%s' contains unsafe characters", key)
			}
		}
		result[key] = strValue
	}
	return result, nil
}

// stringifyEnvValue renders a JSON value the way it will appear in the
// subprocess environment.
func stringifyEnvValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		// Integers round-trip without a decimal point.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	case nil:
		return ""
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
