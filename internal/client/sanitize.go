package client

import (
	"encoding/json"
	"fmt"
	"html"
	"regexp"
)

var scriptFragment = regexp.MustCompile(`(?is)<script.*?>.*?</script\s*>|<script.*?/?>`)

// SanitizeString strips script fragments and HTML-escapes the remainder.
// Payloads echo back into merchant dashboards, so string fields are
// neutralized before they ever leave this process.
func SanitizeString(s string) string {
	return html.EscapeString(scriptFragment.ReplaceAllString(s, ""))
}

// sanitizeBody serializes the request body with first-level string values
// sanitized. Nested objects are carried through untouched; the backend
// validates those on its side. A nil body yields nil payload bytes.
func sanitizeBody(body any) ([]byte, error) {
	if body == nil {
		return nil, nil
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}

	var object map[string]json.RawMessage
	if err := json.Unmarshal(raw, &object); err != nil {
		// Not a JSON object (array, string, number): send as serialized.
		return raw, nil
	}

	for key, value := range object {
		var s string
		if err := json.Unmarshal(value, &s); err != nil {
			continue
		}
		clean, err := json.Marshal(SanitizeString(s))
		if err != nil {
			return nil, fmt.Errorf("encode sanitized field %q: %w", key, err)
		}
		object[key] = clean
	}
	return json.Marshal(object)
}
