package event

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
)

// ErrCyclicValue is returned by Canonicalize when the generic value tree
// nests deeper than maxCanonicalDepth, the bound that stops the walk on a
// self-referential structure. Cycles are rejected with an error rather
// than masked behind a generic string fallback (spec §9).
var ErrCyclicValue = fmt.Errorf("event: cannot canonicalize cyclic value")

// Canonicalize renders e (excluding its Integrity envelope, per spec §6
// "Integrity hash... is over the canonical bytes excluding the integrity
// field itself") as JSON with object keys sorted recursively, producing
// byte-stable output regardless of map iteration order.
func Canonicalize(e Event) ([]byte, error) {
	stripped := e
	stripped.Context.Integrity = nil

	generic, err := toGeneric(stripped, make(map[uintptr]bool))
	if err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// toGeneric round-trips through JSON to obtain a generic value tree
// (map[string]any / []any / scalars), then recursively sorts map keys by
// wrapping them in orderedMap so json.Marshal emits a deterministic key
// order. A cycle in the *source* Go value makes the initial json.Marshal
// fail, and that error is returned wrapped; sortValue's depth limit
// (maxCanonicalDepth) additionally bounds the generic tree walk. The seen
// map is accepted but not consulted.
func toGeneric(v any, seen map[uintptr]bool) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("event: canonicalize: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("event: canonicalize: %w", err)
	}
	return sortValue(generic, 0)
}

const maxCanonicalDepth = 256

// sortValue walks a generic JSON value, replacing every map with an
// orderedMap whose keys are sorted, so marshaling it again produces
// sorted-key output at every nesting level.
func sortValue(v any, depth int) (any, error) {
	if depth > maxCanonicalDepth {
		return nil, ErrCyclicValue
	}
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		om := orderedMap{keys: keys, values: make(map[string]any, len(t))}
		for _, k := range keys {
			sorted, err := sortValue(t[k], depth+1)
			if err != nil {
				return nil, err
			}
			om.values[k] = sorted
		}
		return om, nil
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			sorted, err := sortValue(elem, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = sorted
		}
		return out, nil
	default:
		return t, nil
	}
}

// orderedMap marshals as a JSON object with keys emitted in `keys` order.
type orderedMap struct {
	keys   []string
	values map[string]any
}

func (om orderedMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, k := range om.keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		vb, err := json.Marshal(om.values[k])
		if err != nil {
			return nil, err
		}
		buf = append(buf, vb...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// Hash computes the SHA-256 digest of e's canonical serialization,
// base64-encoded, per spec §4.3.
func Hash(e Event) (string, error) {
	b, err := Canonicalize(e)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return base64.StdEncoding.EncodeToString(sum[:]), nil
}

// Sign computes e's hash and signs it with priv, returning an Integrity
// envelope ready to attach to e.Context.Integrity.
func Sign(e Event, priv ed25519.PrivateKey) (Integrity, error) {
	hash, err := Hash(e)
	if err != nil {
		return Integrity{}, err
	}
	sig := ed25519.Sign(priv, []byte(hash))
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return Integrity{}, fmt.Errorf("event: sign: private key has no usable public key")
	}
	return Integrity{
		Hash:      hash,
		Signature: base64.StdEncoding.EncodeToString(sig),
		PublicKey: base64.StdEncoding.EncodeToString(pub),
	}, nil
}

// Verify recomputes e's hash and, if a signature is present, validates it
// against the public key embedded in the integrity envelope.
func Verify(e Event) (bool, error) {
	if e.Context.Integrity == nil {
		return false, fmt.Errorf("event: verify: no integrity envelope present")
	}
	want, err := Hash(e)
	if err != nil {
		return false, err
	}
	if want != e.Context.Integrity.Hash {
		return false, nil
	}
	if e.Context.Integrity.Signature == "" {
		return true, nil
	}
	sig, err := base64.StdEncoding.DecodeString(e.Context.Integrity.Signature)
	if err != nil {
		return false, fmt.Errorf("event: verify: bad signature encoding: %w", err)
	}
	pubBytes, err := base64.StdEncoding.DecodeString(e.Context.Integrity.PublicKey)
	if err != nil {
		return false, fmt.Errorf("event: verify: bad public key encoding: %w", err)
	}
	pub := ed25519.PublicKey(pubBytes)
	return ed25519.Verify(pub, []byte(want), sig), nil
}
