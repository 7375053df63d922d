package redact

import (
	"encoding/json"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func TestIsSensitive(t *testing.T) {
	r := New([]string{"phone"}, nil, nil)

	tests := []struct {
		key  string
		want bool
	}{
		{"password", true},
		{"userPassword", true},
		{"API_KEY", true},
		{"accessToken", true},
		{"creditCard", true},
		{"phone", true},
		{"Phone", false},
		{"username", false},
		{"message", false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := r.IsSensitive(tt.key); got != tt.want {
				t.Errorf("IsSensitive(%q) = %v, want %v", tt.key, got, tt.want)
			}
		})
	}
}

func TestMask(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  string
	}{
		{"nil", nil, ""},
		{"empty", "", ""},
		{"one char", "a", "*"},
		{"two chars", "ab", "a*"},
		{"three chars", "abc", "a**"},
		{"four chars", "abcd", "a**d"},
		{"long", "hunter22", "h******2"},
		{"number", 4111111111111111, "4**************1"},
		{"unicode", "пароль", "п****ь"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Mask(tt.input); got != tt.want {
				t.Errorf("Mask(%v) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestRedactNested(t *testing.T) {
	r := New(nil, nil, nil)
	input := map[string]any{
		"user": map[string]any{
			"name":     "alice",
			"password": "s3cretpass",
		},
		"items": []any{
			map[string]any{"token": "abcdef"},
			"plain",
		},
		"credentials": map[string]any{"value": "xyz123"},
	}

	out := r.Redact(input)

	user := out["user"].(map[string]any)
	if user["name"] != "alice" {
		t.Errorf("name = %v, want alice", user["name"])
	}
	if user["password"] != "s********s" {
		t.Errorf("password = %v", user["password"])
	}
	item := out["items"].([]any)[0].(map[string]any)
	if item["token"] != "a****f" {
		t.Errorf("token = %v", item["token"])
	}
	if out["items"].([]any)[1] != "plain" {
		t.Errorf("plain array element changed")
	}
	creds := out["credentials"].(map[string]any)
	if creds["value"] != "x****3" {
		t.Errorf("values under a sensitive key must be masked, got %v", creds["value"])
	}

	// Input untouched.
	if input["user"].(map[string]any)["password"] != "s3cretpass" {
		t.Error("Redact mutated its input")
	}
}

func TestRedactCustomHandler(t *testing.T) {
	var seen []string
	handler := func(key string, value any) any {
		seen = append(seen, key)
		switch key {
		case "email":
			return "[email]"
		case "wrapper":
			return map[string]any{"email": "nested@example.com"}
		case "password":
			// Sees the already-masked value.
			if s, _ := value.(string); !strings.Contains(s, "*") {
				t.Errorf("handler saw unmasked password %q", s)
			}
		}
		return value
	}

	r := New(nil, handler, nil)
	out := r.Redact(map[string]any{
		"email":    "bob@example.com",
		"password": "abcdefg",
		"wrapper":  "replace me",
	})

	if out["email"] != "[email]" {
		t.Errorf("email = %v", out["email"])
	}
	wrapper, ok := out["wrapper"].(map[string]any)
	if !ok || wrapper["email"] != "[email]" {
		t.Errorf("handler must recurse into objects it returns, got %v", out["wrapper"])
	}
	if len(seen) < 4 {
		t.Errorf("handler called for %v, want every key including nested", seen)
	}
}

func TestRedactFailOpen(t *testing.T) {
	r := New(nil, func(string, any) any { panic("handler bug") }, nil)
	input := map[string]any{"password": "raw"}

	out := r.Redact(input)
	if out["password"] != "raw" {
		t.Errorf("on failure the original payload is returned, got %v", out["password"])
	}
}

func TestRedactNil(t *testing.T) {
	if New(nil, nil, nil).Redact(nil) != nil {
		t.Error("Redact(nil) should be nil")
	}
}

// Sensitive values never appear verbatim in the output, at any depth.
func TestRedactNeverLeaksSensitiveValues(t *testing.T) {
	keys := []string{"password", "apiKey", "authToken", "cardNumber", "ssn", "pin"}

	rapid.Check(t, func(t *rapid.T) {
		depth := rapid.IntRange(0, 6).Draw(t, "depth")
		key := rapid.SampledFrom(keys).Draw(t, "key")
		secret := rapid.StringMatching(`[A-Za-z]{2,20}[0-9]{2,20}`).Draw(t, "secret")

		var payload any = map[string]any{key: secret}
		for i := 0; i < depth; i++ {
			if rapid.Bool().Draw(t, "array") {
				payload = map[string]any{"list": []any{payload}}
			} else {
				payload = map[string]any{"level": payload}
			}
		}

		out := New(nil, nil, nil).Redact(payload.(map[string]any))
		b, err := json.Marshal(out)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if strings.Contains(string(b), `"`+secret+`"`) {
			t.Fatalf("secret %q leaked in %s", secret, b)
		}
	})
}
