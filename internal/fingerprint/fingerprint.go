// Package fingerprint derives the deterministic digest that keys every
// cache tier. Two logically equal requests always hash to the same
// fingerprint; anything that cannot be canonicalized is rejected up
// front with ErrMalformed rather than hashed on a best-effort basis.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// ErrMalformed indicates a request that cannot be canonicalized into a
// fingerprint. It is surfaced before any tier lookup happens.
var ErrMalformed = errors.New("malformed request")

// Message is one turn of the request's ordered message list.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the logical cacheable request. Namespace, provider, model,
// the ordered messages and the decoding parameters all participate in
// the digest; nothing else does.
type Request struct {
	Namespace string             `json:"namespace"`
	Provider  string             `json:"provider"`
	Model     string             `json:"model"`
	Messages  []Message          `json:"messages"`
	Params    map[string]float64 `json:"params,omitempty"`
}

// New computes the fingerprint for a request. The digest is a sha256
// over a canonical encoding: fixed field order, params sorted by name.
func New(req Request) (string, error) {
	if err := validate(req); err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write([]byte(req.Namespace))
	h.Write([]byte{0})
	h.Write([]byte(req.Provider))
	h.Write([]byte{0})
	h.Write([]byte(req.Model))
	h.Write([]byte{0})

	// Messages are order-significant; JSON encoding of the slice keeps
	// role/content framing unambiguous.
	msgs, err := json.Marshal(req.Messages)
	if err != nil {
		return "", fmt.Errorf("%w: encode messages: %v", ErrMalformed, err)
	}
	h.Write(msgs)

	// Params are order-insignificant: sort keys before hashing.
	keys := make([]string, 0, len(req.Params))
	for k := range req.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%g;", k, req.Params[k])
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

func validate(req Request) error {
	if strings.TrimSpace(req.Namespace) == "" {
		return fmt.Errorf("%w: empty namespace", ErrMalformed)
	}
	if strings.TrimSpace(req.Model) == "" {
		return fmt.Errorf("%w: empty model", ErrMalformed)
	}
	if len(req.Messages) == 0 {
		return fmt.Errorf("%w: no messages", ErrMalformed)
	}
	for i, m := range req.Messages {
		if strings.TrimSpace(m.Role) == "" {
			return fmt.Errorf("%w: message %d has empty role", ErrMalformed, i)
		}
	}
	for k, v := range req.Params {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: param %q is not finite", ErrMalformed, k)
		}
	}
	return nil
}
