// Copyright 2026 aptguard
//
// AttestationTree indexes attestations by signing key and reduces a
// candidate hash plus a set of trusted keys to a confirmation set.
// DomainTree reduces that confirmation set further, from one vote per key
// to one vote per host, so a single operator publishing under several
// per-architecture keys does not get counted more than once.

package attestation

import (
	"log"
	"net/url"
	"sort"
)

// entry is one (label, attestation) pair filed under a key-id. label is
// provenance: a file path for local attestations, a URL for remote ones.
type entry struct {
	label       string
	attestation *Attestation
}

// Tree is a mapping KeyId -> ordered sequence of (label, Attestation).
// Insertion fans one attestation into every key-id that signed it; the
// tree stores a shared pointer, never a copy, per attestation.
type Tree struct {
	byKey map[KeyId][]entry
	log   *log.Logger
}

// NewTree constructs an empty AttestationTree. A nil logger discards
// rejected-signature diagnostics.
func NewTree(logger *log.Logger) *Tree {
	return &Tree{byKey: make(map[KeyId][]entry), log: logger}
}

func (t *Tree) logf(format string, args ...interface{}) {
	if t.log != nil {
		t.log.Printf(format, args...)
	}
}

// Insert files att under every key-id in att.ListKeyIDs(), recording label
// as its provenance.
func (t *Tree) Insert(label string, att *Attestation) {
	for _, kid := range att.ListKeyIDs() {
		t.byKey[kid] = append(t.byKey[kid], entry{label: label, attestation: att})
	}
}

// Merge consumes other, concatenating its per-key sequences onto this
// tree's.
func (t *Tree) Merge(other *Tree) {
	for kid, entries := range other.byKey {
		t.byKey[kid] = append(t.byKey[kid], entries...)
	}
}

// Verify checks, for each trusted key, whether any attestation filed
// under that key's key-id both carries a valid signature under the key
// and records sha256Hex as a product digest. At most one key-id is added
// per trusted key (one vote per key); a key's later attestations are not
// examined once an earlier one passes. Failing attempts are logged, not
// returned.
func (t *Tree) Verify(sha256Hex string, trusted []PublicKey) map[KeyId]struct{} {
	confirmed := make(map[KeyId]struct{})
	for _, key := range trusted {
		kid := key.KeyID()
		entries, ok := t.byKey[kid]
		if !ok {
			continue
		}
		for _, e := range entries {
			if e.attestation.Verify(sha256Hex, key) {
				confirmed[kid] = struct{}{}
				break
			}
			t.logf("attestation: rejected %s from %s: signature/hash mismatch for key %s", sha256Hex, e.label, kid)
		}
	}
	return confirmed
}

// domainEntry is what DomainTree remembers about a trusted key: the host
// of the rebuilder that published it, and the key material itself (needed
// by Tree.Verify).
type domainEntry struct {
	host      string
	publicKey PublicKey
}

// DomainTree maps KeyId -> (Host, PublicKey), derived from the trusted
// rebuilder list. It lets a set of confirming key-ids be reduced to a set
// of confirming hosts, enforcing one vote per domain even when a single
// operator signs with multiple keys (e.g. one per architecture).
type DomainTree struct {
	byKey map[KeyId]domainEntry
}

// RebuilderSource is the minimal view of a trusted rebuilder DomainTree
// needs: its base URL (for host extraction) and the public keys in its
// keyring.
type RebuilderSource interface {
	BaseURL() string
	SigningKeys() []PublicKey
}

// NewDomainTreeFromRebuilders parses each source's base URL for its host
// and indexes every key in its keyring under that host. Duplicate
// key-ids across sources collapse to the last insertion, matching
// map-assignment order.
func NewDomainTreeFromRebuilders(sources []RebuilderSource) *DomainTree {
	d := &DomainTree{byKey: make(map[KeyId]domainEntry)}
	for _, src := range sources {
		host := hostOf(src.BaseURL())
		for _, key := range src.SigningKeys() {
			d.byKey[key.KeyID()] = domainEntry{host: host, publicKey: key}
		}
	}
	return d
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Hostname()
}

// SigningKeys returns every public key known to the domain tree, suitable
// as the trusted-key input to Tree.Verify.
func (d *DomainTree) SigningKeys() []PublicKey {
	out := make([]PublicKey, 0, len(d.byKey))
	for _, e := range d.byKey {
		out = append(out, e.publicKey)
	}
	return out
}

// GroupByDomain iterates confirms in sorted key-id order and includes a
// key-id only if its host was not already claimed by a previously included
// key-id. The result is a subset of confirms in which each host appears at
// most once.
func (d *DomainTree) GroupByDomain(confirms map[KeyId]struct{}) map[KeyId]struct{} {
	ordered := make([]KeyId, 0, len(confirms))
	for kid := range confirms {
		ordered = append(ordered, kid)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	claimed := make(map[string]struct{})
	out := make(map[KeyId]struct{})
	for _, kid := range ordered {
		e, ok := d.byKey[kid]
		if !ok {
			continue
		}
		if _, taken := claimed[e.host]; taken {
			continue
		}
		claimed[e.host] = struct{}{}
		out[kid] = struct{}{}
	}
	return out
}
