// Copyright (c) 2024 LSP Server Contributors
// SPDX-License-Identifier: MIT

package debug

import (
	"encoding/json"
	"net/url"
	"slices"
	"strings"
	"unicode"
)

// SensitiveKeys are the key segments whose values are masked in traces and
// logs. initializationOptions and workspace/configuration payloads regularly
// carry tokens for language server backends.
var SensitiveKeys = []string{
	"password", "passwd", "pwd", "secret",
	"token", "apikey", "authorization", "auth",
	"credential", "credentials", "csrf",
}

const masked = "***"

// MaskToken masks a token, showing only the last 8 characters
// For tokens shorter than 8 characters, returns "****"
func MaskToken(token string) string {
	if len(token) == 0 {
		return ""
	}
	if len(token) <= 8 {
		return "****"
	}
	return "****" + token[len(token)-8:]
}

// MaskURL removes sensitive information from a URL
// - Masks password in userinfo (user:password@host)
// - Masks sensitive query parameters
func MaskURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	if parsed.User != nil {
		if _, hasPass := parsed.User.Password(); hasPass {
			parsed.User = url.UserPassword(parsed.User.Username(), masked)
		}
	}

	query := parsed.Query()
	modified := false
	for key := range query {
		if IsSensitiveKey(key) {
			query.Set(key, masked)
			modified = true
		}
	}
	if modified {
		parsed.RawQuery = query.Encode()
	}

	return parsed.String()
}

// MaskHeader masks sensitive HTTP header values
// - Authorization headers show type but mask the credential
// - Other sensitive headers are masked using MaskToken
func MaskHeader(name, value string) string {
	if len(value) == 0 {
		return ""
	}

	if strings.EqualFold(name, "authorization") {
		if scheme, credential, ok := strings.Cut(value, " "); ok {
			return scheme + " " + MaskToken(credential)
		}
		return MaskToken(value)
	}

	if IsSensitiveKey(name) {
		return MaskToken(value)
	}
	return value
}

// MaskJSON returns a copy of a JSON document with the values of sensitive
// object keys masked at any depth. String values keep their last characters
// (see MaskToken), other values become "***". Input that is not valid JSON is
// replaced entirely.
func MaskJSON(data []byte) []byte {
	if len(data) == 0 {
		return data
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return []byte(`"` + masked + `"`)
	}
	if !maskValue(doc) {
		return data
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return []byte(`"` + masked + `"`)
	}
	return out
}

// maskValue masks in place and reports whether anything changed
func maskValue(v any) bool {
	changed := false
	switch node := v.(type) {
	case map[string]any:
		for key, child := range node {
			if IsSensitiveKey(key) {
				if s, ok := child.(string); ok {
					node[key] = MaskToken(s)
				} else {
					node[key] = masked
				}
				changed = true
				continue
			}
			if maskValue(child) {
				changed = true
			}
		}
	case []any:
		for _, child := range node {
			if maskValue(child) {
				changed = true
			}
		}
	}
	return changed
}

// IsSensitiveKey checks if a key name indicates sensitive data. The key is
// split into segments on separators and camelCase humps and its last segment
// decides: access_token and authToken are sensitive, semanticTokens,
// tokenModifiers and author are not.
func IsSensitiveKey(key string) bool {
	segments := keySegments(key)
	if len(segments) == 0 {
		return false
	}
	last := segments[len(segments)-1]
	if last == "key" && len(segments) > 1 && segments[len(segments)-2] == "api" {
		return true
	}
	return slices.Contains(SensitiveKeys, last)
}

func keySegments(key string) []string {
	var segments []string
	var current []rune
	flush := func() {
		if len(current) > 0 {
			segments = append(segments, strings.ToLower(string(current)))
			current = current[:0]
		}
	}

	var prev rune
	for _, r := range key {
		switch {
		case r == '_' || r == '-' || r == '.' || r == ' ':
			flush()
		case unicode.IsUpper(r) && (unicode.IsLower(prev) || unicode.IsDigit(prev)):
			flush()
			current = append(current, r)
		default:
			current = append(current, r)
		}
		prev = r
	}
	flush()
	return segments
}
