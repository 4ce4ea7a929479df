// Copyright 2026 aptguard
//
// Attestation types — in-toto Link predicates carried inside DSSE
// envelopes, keyed by a content-addressed KeyId derived from the signer's
// Ed25519 public key.

package attestation

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/in-toto/in-toto-golang/in_toto"
	"github.com/secure-systems-lab/go-securesystemslib/dsse"
)

// KeyId is a content-addressed digest of a public key's raw material. It
// is the canonical primary key inside an AttestationTree.
type KeyId string

// PublicKey is a signing identity: Ed25519 key material plus its derived
// KeyId.
type PublicKey struct {
	raw ed25519.PublicKey
}

// NewPublicKey wraps raw Ed25519 key bytes.
func NewPublicKey(raw ed25519.PublicKey) (PublicKey, error) {
	if len(raw) != ed25519.PublicKeySize {
		return PublicKey{}, fmt.Errorf("attestation: invalid ed25519 public key size: got %d, want %d", len(raw), ed25519.PublicKeySize)
	}
	return PublicKey{raw: raw}, nil
}

// KeyID computes the content-addressed KeyId: the lowercase hex SHA-256
// digest of the raw public key bytes.
func (k PublicKey) KeyID() KeyId {
	sum := sha256.Sum256(k.raw)
	return KeyId(hex.EncodeToString(sum[:]))
}

// Raw returns the underlying Ed25519 public key bytes.
func (k PublicKey) Raw() ed25519.PublicKey {
	return k.raw
}

// payloadHashes holds the SHA-256 algorithm entries from a Link's products
// map: product name -> hex digest. Only "sha256" is consulted, per the
// envelope format — any other recorded algorithm is ignored.
type payloadHashes map[string]string

// linkStatement is the payload carried inside the DSSE envelope: an
// in-toto Link recording what was built and its resulting product hashes.
type linkStatement struct {
	Type     string        `json:"_type"`
	Link     in_toto.Link  `json:"link"`
	products payloadHashes // derived, not marshaled
}

// Attestation is an opaque signed envelope (in-toto Link metablock over
// DSSE). It is immutable once parsed.
type Attestation struct {
	envelope  dsse.Envelope
	statement linkStatement
	keyIDs    []KeyId
}

// ErrMalformedEnvelope is returned by Parse when the bytes are not a valid
// DSSE-enveloped in-toto link.
var ErrMalformedEnvelope = errors.New("attestation: malformed envelope")

// Parse decodes raw bytes (the body downloaded from a rebuilder, or read
// from a local file) into an Attestation. It does not verify any
// signature; that happens per-key in Verify.
func Parse(raw []byte) (*Attestation, error) {
	var env dsse.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if len(env.Signatures) == 0 {
		return nil, fmt.Errorf("%w: no signatures", ErrMalformedEnvelope)
	}

	payload, err := base64.StdEncoding.DecodeString(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload is not base64: %v", ErrMalformedEnvelope, err)
	}

	var stmt linkStatement
	if err := json.Unmarshal(payload, &stmt); err != nil {
		return nil, fmt.Errorf("%w: payload is not a link statement: %v", ErrMalformedEnvelope, err)
	}
	stmt.products = extractSHA256(stmt.Link.Products)

	keyIDs := make([]KeyId, 0, len(env.Signatures))
	for _, sig := range env.Signatures {
		keyIDs = append(keyIDs, KeyId(sig.KeyID))
	}

	return &Attestation{envelope: env, statement: stmt, keyIDs: keyIDs}, nil
}

// extractSHA256 pulls the "sha256" entry out of each product's
// algorithm->digest map. in-toto records products as
// map[string]interface{} so each value must be re-asserted.
func extractSHA256(products map[string]interface{}) payloadHashes {
	out := make(payloadHashes, len(products))
	for name, raw := range products {
		algos, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		digest, ok := algos["sha256"].(string)
		if !ok {
			continue
		}
		out[name] = digest
	}
	return out
}

// ListKeyIDs returns the key-ids of every signature on this attestation.
func (a *Attestation) ListKeyIDs() []KeyId {
	out := make([]KeyId, len(a.keyIDs))
	copy(out, a.keyIDs)
	return out
}

// Verify checks that sha256Hex (lowercase hex SHA-256) is recorded as the
// sha256 digest of at least one product, AND that the envelope carries a
// valid Ed25519 signature under key. Both conditions must hold for Verify
// to succeed (spec invariant: a successful verify implies signature
// validity under key AND presence of a matching product).
func (a *Attestation) Verify(sha256Hex string, key PublicKey) bool {
	if !a.hasMatchingProduct(sha256Hex) {
		return false
	}
	return a.hasValidSignature(key)
}

func (a *Attestation) hasMatchingProduct(sha256Hex string) bool {
	for _, digest := range a.statement.products {
		if digest == sha256Hex {
			return true
		}
	}
	return false
}

// hasValidSignature checks whether any signature on the envelope was
// produced by key, over the DSSE pre-authentication encoding (PAE) of the
// envelope's payload type and raw payload bytes.
func (a *Attestation) hasValidSignature(key PublicKey) bool {
	payload, err := base64.StdEncoding.DecodeString(a.envelope.Payload)
	if err != nil {
		return false
	}
	message := preAuthEncode(a.envelope.PayloadType, payload)
	wantKeyID := key.KeyID()

	for _, sig := range a.envelope.Signatures {
		if KeyId(sig.KeyID) != wantKeyID {
			continue
		}
		sigBytes, err := base64.StdEncoding.DecodeString(sig.Sig)
		if err != nil {
			continue
		}
		if ed25519.Verify(key.Raw(), message, sigBytes) {
			return true
		}
	}
	return false
}

// preAuthEncode implements the DSSE Pre-Authentication Encoding:
// "DSSEv1" SP len(type) SP type SP len(body) SP body
func preAuthEncode(payloadType string, payload []byte) []byte {
	return fmt.Appendf(nil, "DSSEv1 %d %s %d %s", len(payloadType), payloadType, len(payload), payload)
}
