// Copyright 2026 aptguard
//
// Rebuilder and ThresholdPolicy — the data model for independent rebuild
// endpoints and the confirmation count required to trust them.

package rebuilder

import (
	"crypto/ed25519"
	"encoding/pem"
	"fmt"

	"github.com/aptguard/aptguard/pkg/attestation"
)

// Rebuilder is a named, independent rebuild endpoint: a base URL plus an
// embedded PEM keyring identifying the signer whose attestations it
// publishes. Two rebuilders are the same iff their URLs are byte-equal.
type Rebuilder struct {
	Name          string   `toml:"name"`
	URL           string   `toml:"url"`
	Country       string   `toml:"country,omitempty"`
	Contact       string   `toml:"contact,omitempty"`
	Distributions []string `toml:"distributions,omitempty"`
	Keyring       string   `toml:"keyring"` // PEM-encoded public keys
}

// BaseURL implements attestation.RebuilderSource.
func (r Rebuilder) BaseURL() string { return r.URL }

// Equal reports whether r and other name the same rebuilder: byte-equal
// URLs.
func (r Rebuilder) Equal(other Rebuilder) bool {
	return r.URL == other.URL
}

// Reconfigure replaces the display name; every other field of a Rebuilder
// is immutable after creation except through this operation.
func (r *Rebuilder) Reconfigure(name string) {
	if name != "" {
		r.Name = name
	}
}

// SigningKeys parses the embedded PEM keyring into Ed25519 public keys,
// implementing attestation.RebuilderSource. Parse errors on individual PEM
// blocks are skipped rather than failing the whole keyring, since a
// keyring may accumulate unrelated key types over time.
func (r Rebuilder) SigningKeys() []attestation.PublicKey {
	var keys []attestation.PublicKey
	rest := []byte(r.Keyring)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "PUBLIC KEY" {
			continue
		}
		raw, err := parseEd25519SPKI(block.Bytes)
		if err != nil {
			continue
		}
		pk, err := attestation.NewPublicKey(raw)
		if err != nil {
			continue
		}
		keys = append(keys, pk)
	}
	return keys
}

// ed25519SPKIPrefix is the fixed ASN.1 SubjectPublicKeyInfo prefix that
// precedes a raw Ed25519 key in its PKIX encoding (OID 1.3.101.112).
// Parsing it by hand avoids pulling in crypto/x509's much larger surface
// for what is always exactly 12 fixed header bytes plus 32 key bytes.
var ed25519SPKIPrefix = []byte{
	0x30, 0x2a, 0x30, 0x05, 0x06, 0x03, 0x2b, 0x65, 0x70, 0x03, 0x21, 0x00,
}

func parseEd25519SPKI(der []byte) (ed25519.PublicKey, error) {
	if len(der) != len(ed25519SPKIPrefix)+ed25519.PublicKeySize {
		return nil, fmt.Errorf("rebuilder: unexpected SPKI length %d", len(der))
	}
	for i, b := range ed25519SPKIPrefix {
		if der[i] != b {
			return nil, fmt.Errorf("rebuilder: not an Ed25519 SPKI block")
		}
	}
	return ed25519.PublicKey(der[len(ed25519SPKIPrefix):]), nil
}

// Selectable wraps an item with an active/inactive flag, carried over from
// the rebuilder-selection UI this spec's core does not own: the trusted
// list is "active", custom and cached lists are "inactive" until promoted.
type Selectable struct {
	Active bool
	Item   Rebuilder
}

// ThresholdPolicy is the confirmation requirement and unconditional-bypass
// list, persisted as part of configuration.
type ThresholdPolicy struct {
	RequiredThreshold int      `toml:"required_threshold"`
	BlindlyTrust      []string `toml:"blindly_trust,omitempty"`
}

// IsBlindlyTrusted reports whether pkgName is listed under blindly_trust.
func (p ThresholdPolicy) IsBlindlyTrusted(pkgName string) bool {
	for _, name := range p.BlindlyTrust {
		if name == pkgName {
			return true
		}
	}
	return false
}
