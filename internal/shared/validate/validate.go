package validate

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/bytedance/sonic"
)

// Limits applied to client supplied values
const (
	MaxIDLength     = 128
	MaxPayloadSize  = 64 * 1024 // one extension message payload
	MaxPayloadDepth = 32
	MaxBundleSize   = 4 * 1024 * 1024 // html + css + js of one bundle
)

// SafeIDPattern allows alphanumeric, hyphens, underscores
var SafeIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// String validates a string field with length and content checks
func String(value, fieldName string, minLen, maxLen int, required bool) error {
	if value == "" {
		if required {
			return fmt.Errorf("%s is required", fieldName)
		}
		return nil
	}

	length := utf8.RuneCountInString(value)
	if length < minLen {
		return fmt.Errorf("%s must be at least %d characters", fieldName, minLen)
	}
	if length > maxLen {
		return fmt.Errorf("%s must not exceed %d characters", fieldName, maxLen)
	}
	if strings.Contains(value, "\x00") {
		return fmt.Errorf("%s contains invalid characters", fieldName)
	}
	return nil
}

// ID validates an identifier such as a surface id
func ID(id, fieldName string) error {
	if err := String(id, fieldName, 1, MaxIDLength, true); err != nil {
		return err
	}
	if !SafeIDPattern.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters (only alphanumeric, hyphens, and underscores allowed)", fieldName)
	}
	return nil
}

// Size checks that data is at most max bytes
func Size(data []byte, max int) error {
	if len(data) > max {
		return fmt.Errorf("payload size %d bytes exceeds maximum %d bytes", len(data), max)
	}
	return nil
}

// Payload bounds the size and nesting depth of a message payload before it
// is handed to a sandbox
func Payload(raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	if err := Size(raw, MaxPayloadSize); err != nil {
		return err
	}
	var v any
	if err := sonic.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return Depth(v, MaxPayloadDepth)
}

// Depth checks that a decoded JSON value nests at most maxDepth levels
func Depth(data any, maxDepth int) error {
	return checkDepth(data, 0, maxDepth)
}

func checkDepth(data any, currentDepth, maxDepth int) error {
	if currentDepth > maxDepth {
		return fmt.Errorf("JSON nesting depth %d exceeds maximum %d", currentDepth, maxDepth)
	}

	switch v := data.(type) {
	case map[string]any:
		for _, value := range v {
			if err := checkDepth(value, currentDepth+1, maxDepth); err != nil {
				return err
			}
		}
	case []any:
		for _, value := range v {
			if err := checkDepth(value, currentDepth+1, maxDepth); err != nil {
				return err
			}
		}
	}
	return nil
}
