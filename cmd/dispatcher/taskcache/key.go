package taskcache

import (
	"fmt"
	"sort"

	"github.com/cristalhq/base64"
	json "github.com/goccy/go-json"
	"golang.org/x/crypto/blake2b"
)

// keyMaterial is the canonical form hashed into a cache key. Field order is
// fixed and input digests are sorted, so semantically equal tasks render
// byte-identical material regardless of declaration order.
type keyMaterial struct {
	FunctionRef  string          `json:"functionRef"`
	Params       json.RawMessage `json:"params,omitempty"`
	InputDigests []string        `json:"inputDigests,omitempty"`
}

// ComputeKey derives the deterministic content key of one memoizable task:
// blake2b-256 over the canonical material, rendered as
// "<base64(digest)>-<material length>". The trailing length disambiguates
// the (theoretical) digest collision of materials of different size.
func ComputeKey(functionRef string, params []byte, inputDigests []string) (string, error) {
	sorted := append([]string(nil), inputDigests...)
	sort.Strings(sorted)

	material, err := json.Marshal(keyMaterial{
		FunctionRef:  functionRef,
		Params:       params,
		InputDigests: sorted,
	})
	if err != nil {
		return "", fmt.Errorf("failed to render cache key material for %s: %w", functionRef, err)
	}

	digest := blake2b.Sum256(material)
	return fmt.Sprintf("%s-%d", base64.RawURLEncoding.EncodeToString(digest[:]), len(material)), nil
}
