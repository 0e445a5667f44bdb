// Package jsonx centralizes the JSON codecs used across the bridge.
// The streaming path decodes one chunk per SSE line, so it runs on the
// fastest sonic config; everything that touches user-visible output uses
// the standard-compatible config.
package jsonx

import (
	"github.com/bytedance/sonic"
)

var (
	// FastestConfig is used on performance-critical paths.
	FastestConfig = sonic.ConfigFastest

	// SafeConfig validates more aggressively; used for outbound payloads.
	SafeConfig = sonic.ConfigStd
)

// FastMarshal serializes on the fast path.
func FastMarshal(v any) ([]byte, error) {
	return FastestConfig.Marshal(v)
}

// FastUnmarshal deserializes on the fast path.
func FastUnmarshal(data []byte, v any) error {
	return FastestConfig.Unmarshal(data, v)
}

// SafeMarshal serializes with full validation.
func SafeMarshal(v any) ([]byte, error) {
	return SafeConfig.Marshal(v)
}

// SafeUnmarshal deserializes with full validation.
func SafeUnmarshal(data []byte, v any) error {
	return SafeConfig.Unmarshal(data, v)
}
