package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/RobLe3/claudette-sub000/pkg/backend"
)

// Field separators for the canonical fingerprint serialization. 0x1E closes
// the prompt and each file body; 0x1D opens the option section.
const (
	sepRecord = 0x1E
	sepGroup  = 0x1D
)

// Fingerprint computes the SHA-256 cache key over the trimmed prompt, the
// file contents, and the fingerprint-relevant option subset (backend, model,
// maxTokens, temperature). Options outside that subset do not influence the
// key, so e.g. bypassCache or timeout changes still hit the same entry.
func Fingerprint(prompt string, files [][]byte, opts *backend.Options) string {
	h := sha256.New()
	h.Write([]byte(strings.TrimSpace(prompt)))
	h.Write([]byte{sepRecord})
	for _, f := range files {
		h.Write(f)
		h.Write([]byte{sepRecord})
	}
	h.Write([]byte{sepGroup})
	h.Write([]byte(canonicalOptions(opts)))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalOptions serializes the relevant option subset as key-sorted
// key=value pairs. Unset (zero) fields are omitted so an absent option and a
// zero option fingerprint identically.
func canonicalOptions(opts *backend.Options) string {
	if opts == nil {
		return ""
	}
	kv := map[string]string{}
	if opts.Backend != "" {
		kv["backend"] = opts.Backend
	}
	if opts.Model != "" {
		kv["model"] = opts.Model
	}
	if opts.MaxTokens != 0 {
		kv["maxTokens"] = strconv.Itoa(opts.MaxTokens)
	}
	if opts.Temperature != 0 {
		kv["temperature"] = strconv.FormatFloat(opts.Temperature, 'g', -1, 64)
	}
	if len(kv) == 0 {
		return ""
	}

	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(0x1F)
		}
		fmt.Fprintf(&sb, "%s=%s", k, kv[k])
	}
	return sb.String()
}
