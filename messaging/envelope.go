package messaging

import "github.com/tidwall/gjson"

// The backend is inconsistent about response envelopes: some endpoints
// nest the payload under a "data" field, others return it bare. All
// pull/push payload decoding goes through this one adapter so the rest
// of the code never checks for the envelope itself.

// unwrap returns the payload portion of a response body. If the body is
// a JSON object with a "data" field, the raw "data" value is returned;
// otherwise the body is returned unchanged.
func unwrap(body []byte) []byte {
	data := gjson.GetBytes(body, "data")
	if data.Exists() {
		return []byte(data.Raw)
	}

	return body
}

// pickArray extracts a JSON array from a payload that is either the
// array itself or an object holding it under the given key.
func pickArray(payload []byte, key string) []byte {
	parsed := gjson.ParseBytes(payload)
	if parsed.IsArray() {
		return payload
	}

	field := parsed.Get(key)
	if field.Exists() && field.IsArray() {
		return []byte(field.Raw)
	}

	return nil
}
