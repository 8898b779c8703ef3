package hostmodule

import "encoding/json"

// jsonUnmarshal is encoding/json.Unmarshal under a package-local name so
// every module's argument-decoding call site reads the same way.
func jsonUnmarshal(data string, dst any) error {
	return json.Unmarshal([]byte(data), dst)
}

// jsonMarshalAny marshals v to a JSON string, the shape every async op
// hands back to its AsyncBridge encode step and every sync op returns
// directly for the JS wrapper to JSON.parse.
func jsonMarshalAny(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// jsonMarshalString marshals a single Go string as a JSON string literal,
// for ops whose successful result is plain text or base64 text.
func jsonMarshalString(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}
