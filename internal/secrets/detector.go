/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package secrets provides field-level secret detection for tool call
// arguments. Argument trees are split into a redacted tree safe for durable
// storage and a shape-mirroring secret map that lives only in the encrypted
// keystore. MergeSecrets reverses the split for execution.
package secrets

import (
	"regexp"
	"strings"
)

// RedactedPlaceholder replaces sensitive leaf values in stored arguments.
const RedactedPlaceholder = "[REDACTED]"

// Key names that always hold secret material, matched case-insensitively
// as substrings.
var sensitiveKeySubstrings = []string{
	"password",
	"passwd",
	"secret",
	"token",
	"api_key",
	"apikey",
	"private_key",
	"credential",
	"passphrase",
}

// Heuristic patterns for key names the substring list misses.
var sensitiveKeyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)^auth(orization)?$`),
	regexp.MustCompile(`(?i)_key$`),
	regexp.MustCompile(`(?i)^pwd$`),
	regexp.MustCompile(`(?i)_secret_`),
}

// IsSensitiveKey reports whether a key name suggests its value is a secret.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeySubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	for _, pattern := range sensitiveKeyPatterns {
		if pattern.MatchString(key) {
			return true
		}
	}
	return false
}

// HasSensitiveFields reports whether any key in the tree (at any depth)
// is classified as sensitive.
func HasSensitiveFields(obj map[string]any) bool {
	for key, value := range obj {
		if IsSensitiveKey(key) {
			return true
		}
		if nested, ok := value.(map[string]any); ok {
			if HasSensitiveFields(nested) {
				return true
			}
		}
	}
	return false
}

// Redact returns a copy of obj with every sensitive leaf replaced by the
// placeholder. The input is never modified.
func Redact(obj map[string]any) map[string]any {
	redacted, _ := ExtractSensitiveFields(obj)
	return redacted
}

// ExtractSensitiveFields splits obj into a redacted copy and a secret map
// mirroring the structural shape of the redacted branches. Scalars and
// arrays under a sensitive key are extracted wholesale; objects under a
// sensitive key are walked so that every leaf below them is extracted.
// The returned secret map is nil-safe: empty when nothing was sensitive.
func ExtractSensitiveFields(obj map[string]any) (map[string]any, map[string]any) {
	return extract(obj, false)
}

func extract(obj map[string]any, forceAll bool) (map[string]any, map[string]any) {
	redacted := make(map[string]any, len(obj))
	extracted := make(map[string]any)

	for key, value := range obj {
		sensitive := forceAll || IsSensitiveKey(key)

		if nested, ok := value.(map[string]any); ok {
			subRedacted, subSecrets := extract(nested, sensitive)
			redacted[key] = subRedacted
			if len(subSecrets) > 0 {
				extracted[key] = subSecrets
			}
			continue
		}

		if sensitive {
			redacted[key] = RedactedPlaceholder
			extracted[key] = value
			continue
		}

		redacted[key] = value
	}

	return redacted, extracted
}

// MergeSecrets restores extracted secrets into a redacted tree in place.
// Object nodes present on both sides are merged recursively; any other
// value (scalar, array, type mismatch) is overwritten wholesale.
func MergeSecrets(target, extracted map[string]any) {
	for key, value := range extracted {
		secretObj, secretIsObj := value.(map[string]any)
		targetObj, targetIsObj := target[key].(map[string]any)
		if secretIsObj && targetIsObj {
			MergeSecrets(targetObj, secretObj)
			continue
		}
		target[key] = value
	}
}
