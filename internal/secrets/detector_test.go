/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package secrets

import (
	"reflect"
	"testing"
)

func TestIsSensitiveKey(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"password", true},
		{"Password", true},
		{"db_password", true},
		{"api_key", true},
		{"apiKey", true},
		{"ssh_private_key", true},
		{"access_token", true},
		{"Authorization", true},
		{"auth", true},
		{"signing_key", true},
		{"pwd", true},
		{"query", false},
		{"username", false},
		{"host", false},
		{"timeout_seconds", false},
		{"author", false},
	}
	for _, tt := range tests {
		if got := IsSensitiveKey(tt.key); got != tt.want {
			t.Errorf("IsSensitiveKey(%q) = %v, want %v", tt.key, got, tt.want)
		}
	}
}

func TestHasSensitiveFields(t *testing.T) {
	if HasSensitiveFields(map[string]any{"query": "SELECT 1"}) {
		t.Fatal("plain args should not be flagged")
	}
	if !HasSensitiveFields(map[string]any{"query": "SELECT 1", "password": "x"}) {
		t.Fatal("top-level password should be flagged")
	}
	if !HasSensitiveFields(map[string]any{
		"connection": map[string]any{"host": "db", "password": "x"},
	}) {
		t.Fatal("nested password should be flagged")
	}
}

func TestExtractSensitiveFields(t *testing.T) {
	args := map[string]any{
		"query":    "SELECT 1",
		"password": "p@ss",
	}

	redacted, extracted := ExtractSensitiveFields(args)

	if redacted["query"] != "SELECT 1" {
		t.Errorf("non-secret leaf changed: %v", redacted["query"])
	}
	if redacted["password"] != RedactedPlaceholder {
		t.Errorf("password not redacted: %v", redacted["password"])
	}
	if extracted["password"] != "p@ss" {
		t.Errorf("password not extracted: %v", extracted["password"])
	}
	if _, ok := extracted["query"]; ok {
		t.Error("non-secret leaf must not be extracted")
	}

	// Input untouched.
	if args["password"] != "p@ss" {
		t.Error("input tree was modified")
	}
}

func TestExtractNestedAndWholesale(t *testing.T) {
	args := map[string]any{
		"connection": map[string]any{
			"host":     "db.internal",
			"password": "hunter2",
		},
		"credentials": map[string]any{
			"user": "svc",
			"pin":  1234,
		},
		"api_keys": []any{"k1", "k2"},
	}

	redacted, extracted := ExtractSensitiveFields(args)

	conn := redacted["connection"].(map[string]any)
	if conn["host"] != "db.internal" {
		t.Errorf("host should survive: %v", conn["host"])
	}
	if conn["password"] != RedactedPlaceholder {
		t.Errorf("nested password not redacted: %v", conn["password"])
	}

	// "credentials" is itself a sensitive key: every leaf below it goes.
	creds := redacted["credentials"].(map[string]any)
	if creds["user"] != RedactedPlaceholder || creds["pin"] != RedactedPlaceholder {
		t.Errorf("leaves under a sensitive object key must all redact: %v", creds)
	}

	// Arrays under a sensitive key are extracted wholesale.
	if redacted["api_keys"] != RedactedPlaceholder {
		t.Errorf("array under sensitive key should be the placeholder: %v", redacted["api_keys"])
	}
	if !reflect.DeepEqual(extracted["api_keys"], []any{"k1", "k2"}) {
		t.Errorf("array not extracted wholesale: %v", extracted["api_keys"])
	}

	// Secret map mirrors the redacted shape.
	if extracted["connection"].(map[string]any)["password"] != "hunter2" {
		t.Errorf("nested secret missing: %v", extracted)
	}
	if _, ok := extracted["connection"].(map[string]any)["host"]; ok {
		t.Error("non-secret leaf leaked into the secret map")
	}
}

func TestExtractNoSecrets(t *testing.T) {
	redacted, extracted := ExtractSensitiveFields(map[string]any{
		"query": "SELECT 1",
		"limit": 10,
	})
	if len(extracted) != 0 {
		t.Fatalf("expected empty secret map, got %v", extracted)
	}
	if redacted["limit"] != 10 {
		t.Errorf("leaf changed: %v", redacted["limit"])
	}
}

// Round trip: merging the extracted secrets back into the redacted tree
// restores the original for every branch redaction touched.
func TestMergeRoundTrip(t *testing.T) {
	original := map[string]any{
		"query": "SELECT 1",
		"connection": map[string]any{
			"host":     "db.internal",
			"port":     5432,
			"password": "hunter2",
			"tls": map[string]any{
				"ca":         "pem",
				"client_key": "keydata",
			},
		},
		"token": "tok-123",
	}

	redacted, extracted := ExtractSensitiveFields(original)
	MergeSecrets(redacted, extracted)

	if !reflect.DeepEqual(redacted, original) {
		t.Fatalf("round trip mismatch:\n got %#v\nwant %#v", redacted, original)
	}
}

func TestMergeWithoutSecretsIsNoop(t *testing.T) {
	target := map[string]any{"query": "SELECT 1", "password": RedactedPlaceholder}
	MergeSecrets(target, map[string]any{})
	if target["password"] != RedactedPlaceholder {
		t.Fatal("empty merge must not change the target")
	}
}

func TestMergeOverwritesTypeMismatch(t *testing.T) {
	target := map[string]any{"credentials": RedactedPlaceholder}
	MergeSecrets(target, map[string]any{
		"credentials": map[string]any{"user": "svc", "pin": 1234},
	})
	got := target["credentials"].(map[string]any)
	if got["pin"] != 1234 {
		t.Fatalf("expected wholesale overwrite, got %v", target["credentials"])
	}
}
