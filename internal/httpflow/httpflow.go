// Package httpflow implements the heuristic HTTP stage: a cheap
// start-line sniff followed by request/status-line and header parsing,
// driving hint registration and option capture for the classification
// engine.
package httpflow

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"firestige.xyz/otus/internal/classify"
	"firestige.xyz/otus/internal/flow"
	"firestige.xyz/otus/internal/packet"
	"firestige.xyz/otus/internal/stage"
)

func init() {
	stage.Register("httpflow", func() stage.Stage { return NewStage() })
}

// block is the classification block id hints are registered under.
const block = "HTTP"

// startLineHint marks that a packet on this flow was recognised as
// an HTTP start line — once seen, later packets on the same flow are
// parsed for headers even if they no longer look like a start line
// (continuation segments of the same request/response).
var startLineHint = classify.Hint{Block: block, Signature: "start-line"}

var methodTokens = [][]byte{
	[]byte("GET "), []byte("POST "), []byte("HEAD "), []byte("OPTIONS "),
	[]byte("PUT "), []byte("DELETE "), []byte("TRACE "), []byte("CONNECT "),
}

// Signature is one configured header regex: when Header's value matches
// Regex, Name is registered as a hint; if Regex declares a capture
// group, the first submatch is stored as a flow option under Name.
type Signature struct {
	Header string
	Name   string
	Regex  *regexp.Regexp
}

// Stage is the HTTP heuristic header parser (spec.md §4.E "HTTP stage").
type Stage struct {
	maxBodySize int
	anonymize   bool
	signatures  map[string][]Signature // lowercased header name -> signatures
}

// NewStage returns an unconfigured stage; Configure must be called
// before use (mirrors the teacher's construct-then-configure factory
// convention, internal/stage.Factory).
func NewStage() *Stage {
	return &Stage{maxBodySize: 4096, signatures: make(map[string][]Signature)}
}

// signatureConfig is the shape one entry of the "signatures" setting
// takes: {header, name, pattern}.
type signatureConfig struct {
	Header  string
	Name    string
	Pattern string
}

// Configure applies max-body-size, anonymize, and the signature set.
// An un-compilable regex is a fatal misconfiguration (spec.md §7),
// reported as an error rather than silently skipping the signature.
func (s *Stage) Configure(settings map[string]any) error {
	if v, ok := settings["max-body-size"]; ok {
		n, ok := toInt(v)
		if !ok {
			return fmt.Errorf("httpflow: max-body-size must be an integer")
		}
		s.maxBodySize = n
	}
	if v, ok := settings["anonymize"].(bool); ok {
		s.anonymize = v
	}
	if raw, ok := settings["signatures"]; ok {
		sigs, err := parseSignatureConfigs(raw)
		if err != nil {
			return err
		}
		compiled := make(map[string][]Signature, len(sigs))
		for _, c := range sigs {
			re, err := regexp.Compile(c.Pattern)
			if err != nil {
				return fmt.Errorf("httpflow: signature %q: %w", c.Name, err)
			}
			header := strings.ToLower(c.Header)
			compiled[header] = append(compiled[header], Signature{Header: header, Name: c.Name, Regex: re})
		}
		s.signatures = compiled
	}
	return nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func parseSignatureConfigs(raw any) ([]signatureConfig, error) {
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("httpflow: signatures must be a list")
	}
	out := make([]signatureConfig, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("httpflow: each signature entry must be a map")
		}
		c := signatureConfig{}
		if v, ok := m["header"].(string); ok {
			c.Header = v
		}
		if v, ok := m["name"].(string); ok {
			c.Name = v
		}
		if v, ok := m["pattern"].(string); ok {
			c.Pattern = v
		}
		if c.Header == "" || c.Name == "" || c.Pattern == "" {
			return nil, fmt.Errorf("httpflow: signature entry missing header/name/pattern")
		}
		out = append(out, c)
	}
	return out, nil
}

// ProcessPacket is the heuristic header parser described in spec.md
// §4.E: a cheap start-line sniff, then (if matched, or the flow was
// already classified as HTTP) request/status-line, header and
// size-capped body parsing. Always returns the default port — there is
// no separate "is HTTP" fork stage, only hint/option side effects.
func (s *Stage) ProcessPacket(d *packet.Descriptor) stage.Port {
	payload := d.Segment("tcp")
	fl, _ := d.Flow.(*flow.Record)
	if fl == nil {
		return stage.DefaultPort
	}

	isStart := looksLikeStartLine(payload)
	if !isStart && !fl.Hints().Has(startLineHint) {
		return stage.DefaultPort
	}
	if isStart {
		fl.RegisterHint(startLineHint)
	}

	line, rest, ok := cutLine(payload)
	if !ok {
		return stage.DefaultPort
	}
	s.captureStartLine(fl, line)

	headers, body := parseHeaders(rest)
	if body != nil {
		if len(body) > s.maxBodySize {
			body = body[:s.maxBodySize]
		}
		fl.Options().Set("http.body_len", strconv.Itoa(len(body)))
	}
	for name, value := range headers {
		for _, sig := range s.signatures[name] {
			match := sig.Regex.FindStringSubmatch(value)
			if match == nil {
				continue
			}
			fl.RegisterHint(classify.Hint{Block: block, Signature: sig.Name})
			if len(match) > 1 {
				fl.Options().Set(sig.Name, match[1])
			}
		}
	}
	return stage.DefaultPort
}

// looksLikeStartLine is the cheap first-16-bytes check: one of the eight
// method tokens followed by a space, or a response line starting with
// "HTTP/".
func looksLikeStartLine(payload []byte) bool {
	head := payload
	if len(head) > 16 {
		head = head[:16]
	}
	if bytes.HasPrefix(head, []byte("HTTP/")) {
		return true
	}
	for _, tok := range methodTokens {
		if bytes.HasPrefix(head, tok) {
			return true
		}
	}
	return false
}

// cutLine splits payload at the first CRLF, returning the line (without
// the terminator) and the remainder.
func cutLine(payload []byte) (line, rest []byte, ok bool) {
	idx := bytes.Index(payload, []byte("\r\n"))
	if idx < 0 {
		return nil, nil, false
	}
	return payload[:idx], payload[idx+2:], true
}

// captureStartLine records method/URL or status-code options from the
// request or status line, anonymising the URL (truncate at the first
// '?' or its URL-encoded equivalent "%3F") if configured.
func (s *Stage) captureStartLine(fl *flow.Record, line []byte) {
	fields := strings.Fields(string(line))
	if len(fields) == 0 {
		return
	}
	if strings.HasPrefix(fields[0], "HTTP/") {
		if len(fields) >= 2 {
			if _, err := strconv.Atoi(fields[1]); err == nil {
				fl.Options().Set("http.status", fields[1])
			}
		}
		return
	}
	if len(fields) < 2 {
		return
	}
	fl.Options().Set("http.method", fields[0])
	url := fields[1]
	if s.anonymize {
		url = anonymizeURL(url)
	}
	fl.Options().Set("http.url", url)
}

// anonymizeURL truncates url at the first '?' or its URL-encoded form.
func anonymizeURL(url string) string {
	if i := strings.IndexByte(url, '?'); i >= 0 {
		url = url[:i]
	}
	if i := strings.Index(strings.ToUpper(url), "%3F"); i >= 0 {
		url = url[:i]
	}
	return url
}

// parseHeaders reads CRLF-terminated "Name: value" lines up to the
// CRLFCRLF terminator (or end of the available segment, if the
// terminator never arrives in this packet), returning a case-folded
// name->value map.
func parseHeaders(rest []byte) (map[string]string, []byte) {
	headers := make(map[string]string)
	for len(rest) > 0 {
		if bytes.HasPrefix(rest, []byte("\r\n")) {
			return headers, rest[2:]
		}
		line, next, ok := cutLine(rest)
		if !ok {
			return headers, nil
		}
		if name, value, ok := splitHeaderLine(line); ok {
			headers[strings.ToLower(name)] = value
		}
		rest = next
	}
	return headers, nil
}

func splitHeaderLine(line []byte) (name, value string, ok bool) {
	idx := bytes.IndexByte(line, ':')
	if idx < 0 {
		return "", "", false
	}
	name = strings.TrimSpace(string(line[:idx]))
	value = strings.TrimSpace(string(line[idx+1:]))
	return name, value, true
}
