// Copyright 2026 aptguard

package apt

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/in-toto/in-toto-golang/in_toto"
	"github.com/secure-systems-lab/go-securesystemslib/dsse"

	"github.com/aptguard/aptguard/pkg/attestation"
	"github.com/aptguard/aptguard/pkg/deb"
	"github.com/aptguard/aptguard/pkg/rebuilder"
)

const testPayloadType = "application/vnd.in-toto+json"

type stubInspector struct {
	info deb.PackageInfo
}

func (s stubInspector) Inspect(context.Context, io.ReaderAt, int64) (deb.PackageInfo, error) {
	return s.info, nil
}

func ed25519SPKI(pub ed25519.PublicKey) []byte {
	prefix := []byte{0x30, 0x2a, 0x30, 0x05, 0x06, 0x03, 0x2b, 0x65, 0x70, 0x03, 0x21, 0x00}
	return append(append([]byte{}, prefix...), pub...)
}

func pemEncodeKey(pub ed25519.PublicKey) string {
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: ed25519SPKI(pub)}
	return string(pem.EncodeToMemory(block))
}

func signAttestationJSON(t *testing.T, priv ed25519.PrivateKey, sha256Hex string) []byte {
	t.Helper()
	link := in_toto.Link{
		Type: "link",
		Name: "build",
		Products: map[string]interface{}{
			"out.deb": map[string]interface{}{"sha256": sha256Hex},
		},
	}
	stmt := struct {
		Type string       `json:"_type"`
		Link in_toto.Link `json:"link"`
	}{Type: "link", Link: link}

	payload, err := json.Marshal(stmt)
	if err != nil {
		t.Fatalf("marshal statement: %v", err)
	}
	message := fmt.Appendf(nil, "DSSEv1 %d %s %d %s", len(testPayloadType), testPayloadType, len(payload), payload)
	sig := ed25519.Sign(priv, message)

	pub, err := attestation.NewPublicKey(priv.Public().(ed25519.PublicKey))
	if err != nil {
		t.Fatalf("new public key: %v", err)
	}

	env := dsse.Envelope{
		PayloadType: testPayloadType,
		Payload:     base64.StdEncoding.EncodeToString(payload),
		Signatures: []dsse.Signature{
			{KeyID: string(pub.KeyID()), Sig: base64.StdEncoding.EncodeToString(sig)},
		},
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return raw
}

// rebuilderServer serves the search + attestation-fetch endpoints for
// exactly one (build_id=1, artifact_id=1) record, signed by priv over
// bodyHash.
func rebuilderServer(t *testing.T, priv ed25519.PrivateKey, bodyHashHex string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/packages/binary", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"records": []map[string]any{{"build_id": 1, "artifact_id": 1}},
		})
	})
	mux.HandleFunc("/api/v1/builds/1/artifacts/1/attestation", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(signAttestationJSON(t, priv, bodyHashHex))
	})
	return httptest.NewServer(mux)
}

func emptyRebuilderServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/packages/binary", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"records": []map[string]any{}})
	})
	return httptest.NewServer(mux)
}

func bodySHA256Hex(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func TestRun_VerifiedDeb_ThresholdOne(t *testing.T) {
	body := []byte("fake deb package contents")
	bodyHash := bodySHA256Hex(body)

	pub, priv, _ := ed25519.GenerateKey(nil)
	rebuilderSrv := rebuilderServer(t, priv, bodyHash)
	defer rebuilderSrv.Close()

	pkgSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer pkgSrv.Close()

	tr := NewTransport(Verifier{
		Trusted: []rebuilder.Rebuilder{{Name: "r1", URL: rebuilderSrv.URL, Keyring: pemEncodeKey(pub)}},
		Policy:  rebuilder.ThresholdPolicy{RequiredThreshold: 1},
	}, stubInspector{info: deb.PackageInfo{Name: "hello", Version: "1.0", Architecture: "amd64"}}, nil)

	dir := t.TempDir()
	target := filepath.Join(dir, "p.deb")

	input := fmt.Sprintf("600 URI Acquire\nURI: %s\nFilename: %s\n\n", pkgSrv.URL, target)
	var out bytes.Buffer
	if err := tr.Run(context.Background(), strings.NewReader(input), &out); err != nil {
		t.Fatalf("run: %v", err)
	}

	transcript := out.String()
	if !strings.Contains(transcript, "100 Capabilities") {
		t.Errorf("missing capabilities message: %s", transcript)
	}
	if !strings.Contains(transcript, "200 URI Start") {
		t.Errorf("missing URI Start: %s", transcript)
	}
	if !strings.Contains(transcript, "102 Status") || !strings.Contains(transcript, "Verifying download") {
		t.Errorf("missing verifying status: %s", transcript)
	}
	if !strings.Contains(transcript, "201 URI Done") {
		t.Errorf("missing URI Done: %s", transcript)
	}
	if !strings.Contains(transcript, "SHA256-Hash: "+bodyHash) {
		t.Errorf("missing expected hash in transcript: %s", transcript)
	}

	onDisk, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read target: %v", err)
	}
	if !bytes.Equal(onDisk, body) {
		t.Errorf("on-disk content mismatch")
	}
}

func TestRun_ThresholdNotMet_FileNotCommitted(t *testing.T) {
	body := []byte("some deb package contents long enough to span two withhold chunks")
	bodyHash := bodySHA256Hex(body)

	pub, priv, _ := ed25519.GenerateKey(nil)
	rebuilderSrv := rebuilderServer(t, priv, bodyHash)
	defer rebuilderSrv.Close()

	pkgSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer pkgSrv.Close()

	tr := NewTransport(Verifier{
		Trusted: []rebuilder.Rebuilder{{Name: "r1", URL: rebuilderSrv.URL, Keyring: pemEncodeKey(pub)}},
		Policy:  rebuilder.ThresholdPolicy{RequiredThreshold: 2},
	}, stubInspector{info: deb.PackageInfo{Name: "hello", Version: "1.0", Architecture: "amd64"}}, nil)

	dir := t.TempDir()
	target := filepath.Join(dir, "p.deb")
	input := fmt.Sprintf("600 URI Acquire\nURI: %s\nFilename: %s\n\n", pkgSrv.URL, target)
	var out bytes.Buffer
	if err := tr.Run(context.Background(), strings.NewReader(input), &out); err != nil {
		t.Fatalf("run: %v", err)
	}

	transcript := out.String()
	if !strings.Contains(transcript, "400 URI Failure") {
		t.Errorf("expected URI Failure, got: %s", transcript)
	}
	if !strings.Contains(transcript, "1/2 required signatures") {
		t.Errorf("expected confirms-vs-required message, got: %s", transcript)
	}

	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Errorf("expected target to be removed after abandoned acquire, stat err = %v", err)
	}
}

func TestRun_IndexBypass_SkipsVerification(t *testing.T) {
	body := []byte("Package: index\n")
	pkgSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	defer pkgSrv.Close()

	tr := NewTransport(Verifier{Policy: rebuilder.ThresholdPolicy{RequiredThreshold: 5}}, nil, nil)

	dir := t.TempDir()
	target := filepath.Join(dir, "index")
	input := fmt.Sprintf("600 URI Acquire\nURI: %s\nFilename: %s\nTarget-Type: index\n\n", pkgSrv.URL, target)
	var out bytes.Buffer
	if err := tr.Run(context.Background(), strings.NewReader(input), &out); err != nil {
		t.Fatalf("run: %v", err)
	}

	transcript := out.String()
	if strings.Contains(transcript, "Verifying download") {
		t.Errorf("expected no verification status, got: %s", transcript)
	}
	if !strings.Contains(transcript, "201 URI Done") {
		t.Errorf("expected URI Done, got: %s", transcript)
	}
}

func TestRun_UnsupportedCommand(t *testing.T) {
	tr := NewTransport(Verifier{}, nil, nil)
	var out bytes.Buffer
	if err := tr.Run(context.Background(), strings.NewReader("602 Whatever\n\n"), &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	transcript := out.String()
	if !strings.Contains(transcript, "400 URI Failure") {
		t.Errorf("expected URI Failure, got: %s", transcript)
	}
	if !strings.Contains(transcript, "Unsupported command: 602 Whatever") {
		t.Errorf("expected unsupported-command message, got: %s", transcript)
	}
}

func TestRun_LastModifiedNewlineDoesNotInjectHeader(t *testing.T) {
	body := []byte("body")
	pkgSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Last-Modified", "Mon, 01 Jan 2024 00:00:00 GMT\nInjected: header")
		_, _ = w.Write(body)
	}))
	defer pkgSrv.Close()

	tr := NewTransport(Verifier{}, nil, nil)
	dir := t.TempDir()
	target := filepath.Join(dir, "i")
	input := fmt.Sprintf("600 URI Acquire\nURI: %s\nFilename: %s\nTarget-Type: index\n\n", pkgSrv.URL, target)
	var out bytes.Buffer
	if err := tr.Run(context.Background(), strings.NewReader(input), &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	// net/http replaces the newline in the served header value with a
	// space, so the reflected Last-Modified value still carries the text;
	// what must never appear is a reply line starting with the injected
	// header name.
	if strings.Contains(out.String(), "\nInjected") {
		t.Errorf("injected header line leaked into the reply: %s", out.String())
	}
}

func TestGroupByDomain_PerDomainDedupCollapsesThreeConfirmsToOne(t *testing.T) {
	_, privA, _ := ed25519.GenerateKey(nil)
	_, privB, _ := ed25519.GenerateKey(nil)
	_, privC, _ := ed25519.GenerateKey(nil)
	pubA, _ := attestation.NewPublicKey(privA.Public().(ed25519.PublicKey))
	pubB, _ := attestation.NewPublicKey(privB.Public().(ed25519.PublicKey))
	pubC, _ := attestation.NewPublicKey(privC.Public().(ed25519.PublicKey))

	domain := attestation.NewDomainTreeFromRebuilders([]attestation.RebuilderSource{
		rebuilder.Rebuilder{Name: "a", URL: "https://shared.example.com/a", Keyring: pemEncodeKey(pubA.Raw())},
		rebuilder.Rebuilder{Name: "b", URL: "https://shared.example.com/b", Keyring: pemEncodeKey(pubB.Raw())},
		rebuilder.Rebuilder{Name: "c", URL: "https://shared.example.com/c", Keyring: pemEncodeKey(pubC.Raw())},
	})

	confirms := map[attestation.KeyId]struct{}{
		pubA.KeyID(): {}, pubB.KeyID(): {}, pubC.KeyID(): {},
	}
	if len(confirms) != 3 {
		t.Fatalf("pre-grouping confirms = %d, want 3", len(confirms))
	}
	grouped := domain.GroupByDomain(confirms)
	if len(grouped) != 1 {
		t.Errorf("post-grouping confirms = %d, want 1 (same host)", len(grouped))
	}
}
