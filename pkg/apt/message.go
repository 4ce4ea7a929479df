// Copyright 2026 aptguard
//
// Message framing for the APT method wire protocol: line-oriented blocks
// terminated by a blank line, first line `<code> <reason>`, subsequent
// lines `Key: Value` header pairs.

package apt

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Message is one inbound or outbound protocol block.
type Message struct {
	Status  string
	Headers map[string]string
}

// readMessage reads one message from r. It returns (nil, nil) on a clean
// EOF before any status line is read, matching the protocol's "stdin
// closed" termination condition.
func readMessage(r *bufio.Reader) (*Message, error) {
	var msg Message
	for {
		line, err := r.ReadString('\n')
		if err != nil && line == "" {
			if err == io.EOF {
				if msg.Status == "" {
					return nil, nil
				}
				return &msg, nil
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")

		if msg.Status == "" {
			if line == "" {
				if err == io.EOF {
					return nil, nil
				}
				continue
			}
			msg.Status = line
			msg.Headers = make(map[string]string)
			continue
		}
		if line == "" {
			return &msg, nil
		}
		if key, value, ok := strings.Cut(line, ": "); ok {
			msg.Headers[key] = value
		}
		if err == io.EOF {
			return &msg, nil
		}
	}
}

// truncateAtNewline returns s up to (not including) its first newline.
// Every header value written back to the controlling apt process passes
// through this, so a malicious or malformed upstream value can never
// inject a spurious protocol message.
func truncateAtNewline(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx != -1 {
		return s[:idx]
	}
	return s
}

// writeMessage writes status and headers (in the given order) followed
// by a blank line, flushing the whole block as one atomic write.
func writeMessage(w io.Writer, status string, headers ...[2]string) error {
	var b strings.Builder
	b.WriteString(truncateAtNewline(status))
	b.WriteByte('\n')
	for _, kv := range headers {
		fmt.Fprintf(&b, "%s: %s\n", kv[0], truncateAtNewline(kv[1]))
	}
	b.WriteByte('\n')
	_, err := io.WriteString(w, b.String())
	return err
}

// sortedHeaderPairs is a small helper for tests that want deterministic
// header ordering out of a map.
func sortedHeaderPairs(headers map[string]string) [][2]string {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][2]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, [2]string{k, headers[k]})
	}
	return out
}
