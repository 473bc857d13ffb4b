package cache

import (
	"testing"

	"github.com/RobLe3/claudette-sub000/pkg/backend"
)

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint("prompt", nil, nil)
	b := Fingerprint("prompt", nil, nil)
	if a != b {
		t.Errorf("same input produced different keys: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Errorf("key length = %d, want 64 hex chars", len(a))
	}
}

func TestFingerprintTrimsPrompt(t *testing.T) {
	if Fingerprint("  prompt  \n", nil, nil) != Fingerprint("prompt", nil, nil) {
		t.Error("surrounding whitespace should not change the key")
	}
}

func TestFingerprintSensitivity(t *testing.T) {
	base := Fingerprint("prompt", nil, &backend.Options{Model: "m1", MaxTokens: 100})

	cases := []struct {
		name string
		got  string
	}{
		{"prompt", Fingerprint("other", nil, &backend.Options{Model: "m1", MaxTokens: 100})},
		{"file content", Fingerprint("prompt", [][]byte{[]byte("file")}, &backend.Options{Model: "m1", MaxTokens: 100})},
		{"model", Fingerprint("prompt", nil, &backend.Options{Model: "m2", MaxTokens: 100})},
		{"maxTokens", Fingerprint("prompt", nil, &backend.Options{Model: "m1", MaxTokens: 200})},
		{"temperature", Fingerprint("prompt", nil, &backend.Options{Model: "m1", MaxTokens: 100, Temperature: 0.7})},
		{"backend", Fingerprint("prompt", nil, &backend.Options{Model: "m1", MaxTokens: 100, Backend: "b"})},
	}
	for _, tc := range cases {
		if tc.got == base {
			t.Errorf("changing %s did not change the key", tc.name)
		}
	}
}

func TestFingerprintIgnoresIrrelevantOptions(t *testing.T) {
	base := Fingerprint("prompt", nil, &backend.Options{Model: "m1"})
	got := Fingerprint("prompt", nil, &backend.Options{
		Model: "m1", BypassCache: true, MaxRetries: 5, TimeoutMs: 9000,
	})
	if got != base {
		t.Error("bypassCache/maxRetries/timeoutMs must not affect the key")
	}
}

func TestFingerprintNilAndZeroOptionsEqual(t *testing.T) {
	if Fingerprint("p", nil, nil) != Fingerprint("p", nil, &backend.Options{}) {
		t.Error("nil options and zero options should fingerprint identically")
	}
}

func TestFingerprintFileBoundaries(t *testing.T) {
	// Two files "ab","c" must not collide with "a","bc".
	a := Fingerprint("p", [][]byte{[]byte("ab"), []byte("c")}, nil)
	b := Fingerprint("p", [][]byte{[]byte("a"), []byte("bc")}, nil)
	if a == b {
		t.Error("file boundary shift produced the same key")
	}
}
