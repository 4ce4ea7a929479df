// Copyright 2026 aptguard
//
// AptTransport — an APT method protocol speaker. Reads acquire requests
// from standard input, downloads the referenced URL through a
// withhold-commit buffer, applies the threshold reproducibility gate to
// anything that looks like a .deb, and replies with status/done/failure
// messages on standard output.

package apt

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aptguard/aptguard/pkg/attestation"
	"github.com/aptguard/aptguard/pkg/deb"
	"github.com/aptguard/aptguard/pkg/metrics"
	"github.com/aptguard/aptguard/pkg/rebuilder"
	"github.com/aptguard/aptguard/pkg/withhold"
)

const protocolVersion = "1.2"
const reproducedScheme = "reproduced+"

const (
	connectTimeout = 10 * time.Second
	readTimeout    = 60 * time.Second
)

// Verifier is the subset of AttestationTree/DomainTree behavior a
// Transport needs to run the threshold gate against one hash.
type Verifier struct {
	Trusted []rebuilder.Rebuilder
	Policy  rebuilder.ThresholdPolicy
}

// Transport holds everything one run of the APT method loop needs:
// an HTTP client for both package downloads and rebuilder queries, the
// trusted rebuilder/threshold configuration, the external .deb inspector,
// and optional metrics.
type Transport struct {
	HTTP      *http.Client
	Rebuilder *rebuilder.Client
	Inspector deb.Inspector
	Verifier  Verifier
	Metrics   *metrics.Registry
	Logger    *log.Logger
}

// NewTransport builds a Transport with the spec's default HTTP timeouts
// and a bracket-prefixed logger writing to stderr (stdout is reserved for
// protocol messages).
func NewTransport(verifier Verifier, inspector deb.Inspector, metricsReg *metrics.Registry) *Transport {
	if inspector == nil {
		inspector = deb.NullInspector{}
	}
	hc := rebuilder.NewHTTPClient()
	logger := log.New(os.Stderr, "[AptTransport] ", log.LstdFlags)
	return &Transport{
		HTTP:      hc,
		Rebuilder: rebuilder.NewClient(hc, rebuilder.WithLogger(logger)),
		Inspector: inspector,
		Verifier:  verifier,
		Metrics:   metricsReg,
		Logger:    logger,
	}
}

// Run executes the protocol loop: one capabilities message, then acquire
// requests read from r until EOF, replies written to w. It returns nil on
// a clean EOF and a non-nil error only on an I/O failure reading r or
// writing w (an individual acquire's own failure is reported as a 400 and
// does not stop the loop).
func (t *Transport) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	if err := writeMessage(w, "100 Capabilities", [2]string{"Send-URI-Encoded", "true"}, [2]string{"Version", protocolVersion}); err != nil {
		return err
	}

	br := bufio.NewReader(r)
	for {
		msg, err := readMessage(br)
		if err != nil {
			return err
		}
		if msg == nil {
			return nil
		}

		switch {
		case strings.HasPrefix(msg.Status, "600 "):
			t.handleAcquire(ctx, msg, w)
		case strings.HasPrefix(msg.Status, "601 "):
			// Configuration: accepted, presently ignored.
		default:
			t.uriFailure(w, "", fmt.Sprintf("Unsupported command: %s", msg.Status))
		}
	}
}

func (t *Transport) uriFailure(w io.Writer, uri, message string) {
	headers := [][2]string{{"Message", message}}
	if uri != "" {
		headers = append(headers, [2]string{"URI", uri})
	}
	if err := writeMessage(w, "400 URI Failure", headers...); err != nil {
		t.Logger.Printf("failed to write URI Failure: %v", err)
	}
}

func (t *Transport) sendStatus(w io.Writer, uri, message string) {
	if err := writeMessage(w, "102 Status", [2]string{"Message", message}, [2]string{"URI", uri}); err != nil {
		t.Logger.Printf("failed to write Status: %v", err)
	}
}

func (t *Transport) handleAcquire(ctx context.Context, msg *Message, w io.Writer) {
	correlationID := uuid.NewString()

	uri := msg.Headers["URI"]
	filename := msg.Headers["Filename"]
	if uri == "" {
		t.uriFailure(w, "", "Missing URI header")
		return
	}
	if filename == "" {
		t.uriFailure(w, uri, "Missing Filename header")
		return
	}

	if err := t.acquire(ctx, uri, filename, msg.Headers["Target-Type"], w); err != nil {
		t.Logger.Printf("[%s] acquire failed: %v", correlationID, err)
		t.uriFailure(w, uri, err.Error())
		t.observeOutcome(metrics.OutcomeAborted)
	}
}

// acquire drives one download/verify/commit cycle, grounded directly in
// the state machine: Receiving -> Inspecting -> Fetching-Attestations ->
// Verifying -> Committed | Aborted.
func (t *Transport) acquire(ctx context.Context, rawURI, filename, targetType string, w io.Writer) (err error) {
	fetchURI := strings.TrimPrefix(rawURI, reproducedScheme)

	parsed, perr := url.Parse(fetchURI)
	if perr != nil {
		return fmt.Errorf("invalid URI: %w", perr)
	}
	domain := parsed.Hostname()
	if domain == "" {
		return errors.New("URI missing domain")
	}

	file, ferr := os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if ferr != nil {
		return fmt.Errorf("open %s: %w", filename, ferr)
	}
	defer file.Close()

	sink := newWithholdSink(file)
	// Any early return below leaves sink un-finalized; abandon it and
	// remove the target so a half-written package never sits on disk
	// under its final name.
	defer func() {
		if err == nil {
			return
		}
		if aerr := sink.Abandon(); aerr != nil {
			t.Logger.Printf("abandon %s: %v", filename, aerr)
		}
		if rerr := os.Remove(filename); rerr != nil && !os.IsNotExist(rerr) {
			t.Logger.Printf("remove %s after aborted acquire: %v", filename, rerr)
		}
	}()

	t.sendStatus(w, rawURI, fmt.Sprintf("Connecting to %s", domain))

	reqCtx, cancel := context.WithTimeout(ctx, connectTimeout+readTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, fetchURI, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := t.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch: unexpected status %s", resp.Status)
	}

	lastModified := resp.Header.Get("Last-Modified")
	startHeaders := [][2]string{{"URI", rawURI}}
	if lastModified != "" {
		startHeaders = append([][2]string{{"Last-Modified", lastModified}}, startHeaders...)
	}
	if err := writeMessage(w, "200 URI Start", startHeaders...); err != nil {
		return err
	}

	if err := streamInto(sink, resp.Body); err != nil {
		return fmt.Errorf("download: %w", err)
	}

	outcome := metrics.OutcomeNoVerify
	if needsVerification(targetType) {
		t.sendStatus(w, rawURI, "Verifying download")
		bypassed, verr := t.verify(ctx, sink)
		if verr != nil {
			return verr
		}
		if bypassed {
			outcome = metrics.OutcomeBypassed
		} else {
			outcome = metrics.OutcomeDone
		}
	}

	size := sink.Size()
	digest := sink.SHA256()
	if t.Metrics != nil {
		t.Metrics.ObserveWithheldBytes(size)
	}
	if err := sink.Finalize(); err != nil {
		return fmt.Errorf("finalize: %w", err)
	}

	doneHeaders := [][2]string{
		{"SHA256-Hash", hex.EncodeToString(digest[:])},
		{"Size", strconv.FormatInt(size, 10)},
		{"Filename", filename},
		{"URI", rawURI},
	}
	if lastModified != "" {
		doneHeaders = append(doneHeaders, [2]string{"Last-Modified", lastModified})
	}
	if err := writeMessage(w, "201 URI Done", doneHeaders...); err != nil {
		return err
	}
	t.observeOutcome(outcome)
	return nil
}

// needsVerification implements the verification-required predicate:
// "deb" or absent requires verification; "index" and any other value are
// passed through untouched.
func needsVerification(targetType string) bool {
	return targetType == "" || targetType == "deb"
}

// verify runs the Inspecting, Fetching-Attestations, and Verifying steps
// against sink's current content, aborting the acquire (via an error
// returned to the caller, which replies 400) on a threshold miss. The
// returned bool reports whether the package was let through without a
// threshold check (on a blindly_trust rule, or because the inspector
// returned deb.ErrInspectionUnavailable) rather than on a genuine threshold
// pass, so the caller can record a distinct metrics outcome for the two
// cases.
func (t *Transport) verify(ctx context.Context, sink *withholdSink) (bypassed bool, err error) {
	reader, err := sink.writer.IntoReader()
	if err != nil {
		return false, fmt.Errorf("inspect: transition to reader: %w", err)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return false, fmt.Errorf("inspect: read content: %w", err)
	}

	info, inspectErr := t.Inspector.Inspect(ctx, bytes.NewReader(data), int64(len(data)))

	writer, err := reader.IntoWriter()
	if err != nil {
		return false, fmt.Errorf("inspect: transition back to writer: %w", err)
	}
	sink.writer = writer

	if t.Verifier.Policy.IsBlindlyTrusted(info.Name) {
		return true, nil
	}

	if inspectErr != nil {
		if errors.Is(inspectErr, deb.ErrInspectionUnavailable) {
			return true, nil
		}
		return false, fmt.Errorf("inspect: %w", inspectErr)
	}

	sum := sha256.Sum256(data)
	hashHex := hex.EncodeToString(sum[:])

	tree, err := t.Rebuilder.FetchAll(ctx, t.Verifier.Trusted, info.Name, info.Version, info.Architecture)
	if err != nil {
		return false, fmt.Errorf("fetch attestations: %w", err)
	}

	sources := make([]attestation.RebuilderSource, len(t.Verifier.Trusted))
	for i, r := range t.Verifier.Trusted {
		sources[i] = r
	}
	domainTree := attestation.NewDomainTreeFromRebuilders(sources)

	confirmed := tree.Verify(hashHex, domainTree.SigningKeys())
	grouped := domainTree.GroupByDomain(confirmed)

	required := t.Verifier.Policy.RequiredThreshold
	if t.Metrics != nil {
		t.Metrics.ObserveThreshold(len(grouped), required)
	}
	if len(grouped) < required {
		return false, fmt.Errorf("only %d/%d required signatures", len(grouped), required)
	}
	return false, nil
}

func (t *Transport) observeOutcome(outcome metrics.Outcome) {
	if t.Metrics != nil {
		t.Metrics.ObserveAcquire(outcome)
	}
}

// withholdSink owns the withhold.Writer across its IntoReader/IntoWriter
// transition: the acquire path reassigns sink.writer when control passes
// to the inspector and back, so every other method on the sink can stay
// oblivious to which half is currently active.
type withholdSink struct {
	file   *os.File
	writer *withhold.Writer
}

func newWithholdSink(file *os.File) *withholdSink {
	return &withholdSink{file: file, writer: withhold.New(file)}
}

func (s *withholdSink) Size() int64      { return s.writer.Size() }
func (s *withholdSink) SHA256() [32]byte { return s.writer.SHA256() }
func (s *withholdSink) Finalize() error  { return s.writer.Finalize() }
func (s *withholdSink) Abandon() error   { return s.writer.Abandon() }

// streamInto copies body into sink chunk by chunk. A non-nil error from
// a single chunk's write taints the underlying writer; the caller
// surfaces it as the acquire's failure.
func streamInto(sink *withholdSink, body io.Reader) error {
	buf := make([]byte, 64*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if werr := sink.writer.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
