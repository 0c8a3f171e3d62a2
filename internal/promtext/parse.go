// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package promtext

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseError reports a failure at a specific line of the exposition input.
// An error anywhere in the input invalidates the whole scrape; no partial
// family list is ever returned alongside a ParseError.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("promtext: line %d: %s", e.Line, e.Msg)
}

func parseErrorf(line int, format string, args ...interface{}) *ParseError {
	return &ParseError{Line: line, Msg: fmt.Sprintf(format, args...)}
}

// Parse decodes a Prometheus text-format exposition, returning the metric
// families in declaration order with per-family sample order preserved.
//
// When instance is non-empty, every sample's labels gain a leading
// ("instance", instance) pair. When job is non-empty, a ("job", job) pair
// follows instance (or leads, if instance is empty) and precedes any wire
// labels. A trailing newline is required on the final line.
func Parse(instance, job string, input []byte) ([]MetricFamily, error) {
	if len(input) == 0 {
		return nil, nil
	}
	if input[len(input)-1] != '\n' {
		return nil, &ParseError{Line: strings.Count(string(input), "\n") + 1, Msg: "missing final newline"}
	}
	p := &parser{
		instance: instance,
		job:      job,
	}
	lines := strings.Split(string(input[:len(input)-1]), "\n")
	for i, line := range lines {
		if err := p.feedLine(i+1, line); err != nil {
			return nil, err
		}
	}
	p.closeFamily()
	return p.families, nil
}

type parser struct {
	instance string
	job      string

	families []MetricFamily
	cur      *MetricFamily
}

func (p *parser) closeFamily() {
	if p.cur != nil {
		p.families = append(p.families, *p.cur)
		p.cur = nil
	}
}

func (p *parser) feedLine(lineNo int, line string) error {
	switch {
	case line == "":
		return nil
	case strings.HasPrefix(line, "# HELP "):
		return p.feedDescriptor(lineNo, line[len("# HELP "):], descHelp)
	case strings.HasPrefix(line, "# TYPE "):
		return p.feedDescriptor(lineNo, line[len("# TYPE "):], descType)
	case strings.HasPrefix(line, "#"):
		return nil // other comments are ignored
	default:
		return p.feedSample(lineNo, line)
	}
}

type descKind int

const (
	descHelp descKind = iota
	descType
)

func (p *parser) feedDescriptor(lineNo int, rest string, kind descKind) error {
	name, after, err := scanName(lineNo, rest)
	if err != nil {
		return err
	}
	if len(after) == 0 || after[0] != ' ' {
		return parseErrorf(lineNo, "expected space after metric name in descriptor")
	}
	text := after[1:]

	if p.cur != nil && p.cur.Var != name {
		// Descriptor for a different metric: the previous family is done.
		p.closeFamily()
	}
	if p.cur == nil {
		p.cur = &MetricFamily{Var: name, Type: TypeUntyped}
	} else if len(p.cur.Samples) > 0 {
		return parseErrorf(lineNo, "descriptor for %q follows samples of that family", name)
	}

	switch kind {
	case descHelp:
		p.cur.Help = unescapeHelp(text)
	case descType:
		t, ok := parseType(text)
		if !ok {
			return parseErrorf(lineNo, "unrecognized type %q", text)
		}
		p.cur.Type = t
		p.cur.TypeDeclared = true
	}
	return nil
}

func parseType(s string) (Type, bool) {
	switch s {
	case "counter":
		return TypeCounter, true
	case "gauge":
		return TypeGauge, true
	case "histogram":
		return TypeHistogram, true
	case "summary":
		return TypeSummary, true
	case "untyped":
		return TypeUntyped, true
	default:
		return "", false
	}
}

// relation describes how a sample's metric name relates to the current
// family's declared name.
type relation int

const (
	relUnrelated relation = iota
	relSame
	relMalformedSuffix
)

func classify(famVar string, famType Type, sampleVar string) relation {
	if sampleVar == famVar {
		return relSame
	}
	if famType == TypeHistogram || famType == TypeSummary {
		for _, suffix := range derivedSuffixes {
			if sampleVar == famVar+suffix {
				return relSame
			}
		}
	}
	if strings.HasPrefix(sampleVar, famVar+"_") {
		return relMalformedSuffix
	}
	return relUnrelated
}

func (p *parser) feedSample(lineNo int, line string) error {
	name, rest, err := scanName(lineNo, line)
	if err != nil {
		return err
	}

	var labels []Label
	if len(rest) > 0 && rest[0] == '{' {
		labels, rest, err = scanLabels(lineNo, rest)
		if err != nil {
			return err
		}
	}
	if len(rest) == 0 || rest[0] != ' ' {
		return parseErrorf(lineNo, "expected space before sample value")
	}
	rest = rest[1:]

	value, rest, err := scanToken(rest)
	if err != nil {
		return parseErrorf(lineNo, "missing sample value")
	}
	if !isValidValue(value) {
		return parseErrorf(lineNo, "invalid sample value %q", value)
	}

	if rest != "" {
		if rest[0] != ' ' {
			return parseErrorf(lineNo, "unexpected trailing input after value")
		}
		ts, remaining, err := scanToken(rest[1:])
		if err != nil || ts == "" {
			return parseErrorf(lineNo, "invalid trailing timestamp")
		}
		if _, err := strconv.ParseInt(ts, 10, 64); err != nil {
			return parseErrorf(lineNo, "invalid trailing timestamp %q", ts)
		}
		if remaining != "" {
			return parseErrorf(lineNo, "unexpected trailing input after timestamp")
		}
	}

	if p.cur != nil {
		switch classify(p.cur.Var, p.cur.Type, name) {
		case relSame:
			p.cur.Samples = append(p.cur.Samples, p.buildSample(name, labels, value))
			return nil
		case relMalformedSuffix:
			return parseErrorf(lineNo, "sample %q has an unrecognized suffix for family %q", name, p.cur.Var)
		case relUnrelated:
			p.closeFamily()
		}
	}
	p.cur = &MetricFamily{Var: name, Type: TypeUntyped}
	p.cur.Samples = append(p.cur.Samples, p.buildSample(name, labels, value))
	return nil
}

func (p *parser) buildSample(name string, wireLabels []Label, value string) Sample {
	labels := make([]Label, 0, len(wireLabels)+2)
	if p.instance != "" {
		labels = append(labels, Label{Name: "instance", Value: p.instance})
	}
	if p.job != "" {
		labels = append(labels, Label{Name: "job", Value: p.job})
	}
	labels = append(labels, wireLabels...)
	return Sample{Var: name, Labels: labels, Value: value}
}

// scanName consumes a leading name token ([a-zA-Z_:][a-zA-Z0-9_:]*) from s
// and returns it along with the unconsumed remainder.
func scanName(lineNo int, s string) (name, rest string, err error) {
	if len(s) == 0 || !isNameStart(s[0]) {
		return "", "", parseErrorf(lineNo, "expected a metric name")
	}
	i := 1
	for i < len(s) && isNameChar(s[i]) {
		i++
	}
	return s[:i], s[i:], nil
}

func isNameStart(c byte) bool {
	return c == '_' || c == ':' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isNameChar(c byte) bool {
	return isNameStart(c) || (c >= '0' && c <= '9')
}

func isLabelNameStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isLabelNameChar(c byte) bool {
	return isLabelNameStart(c) || (c >= '0' && c <= '9')
}

// scanToken consumes everything up to the next space (or end of string).
func scanToken(s string) (token, rest string, err error) {
	i := 0
	for i < len(s) && s[i] != ' ' {
		i++
	}
	if i == 0 {
		return "", s, fmt.Errorf("empty token")
	}
	return s[:i], s[i:], nil
}

// scanLabels parses a "{name=\"value\",...}" block and returns only the wire
// labels; the configured instance/job labels are prepended by buildSample.
func scanLabels(lineNo int, s string) (labels []Label, rest string, err error) {
	if len(s) == 0 || s[0] != '{' {
		return nil, s, parseErrorf(lineNo, "expected '{'")
	}
	s = s[1:]
	if len(s) > 0 && s[0] == '}' {
		return nil, s[1:], nil
	}
	for {
		var name string
		if len(s) == 0 || !isLabelNameStart(s[0]) {
			return nil, s, parseErrorf(lineNo, "expected a label name")
		}
		i := 1
		for i < len(s) && isLabelNameChar(s[i]) {
			i++
		}
		name, s = s[:i], s[i:]

		if len(s) == 0 || s[0] != '=' {
			return nil, s, parseErrorf(lineNo, "expected '=' after label name %q", name)
		}
		s = s[1:]

		var value string
		value, s, err = scanQuoted(lineNo, s)
		if err != nil {
			return nil, s, err
		}
		labels = append(labels, Label{Name: name, Value: value})

		if len(s) == 0 {
			return nil, s, parseErrorf(lineNo, "unterminated label set")
		}
		switch s[0] {
		case ',':
			s = s[1:]
			continue
		case '}':
			return labels, s[1:], nil
		default:
			return nil, s, parseErrorf(lineNo, "expected ',' or '}' in label set")
		}
	}
}

// scanQuoted parses a double-quoted label value, decoding \\, \" and \n
// escapes. Any other backslash sequence is left as a literal backslash.
func scanQuoted(lineNo int, s string) (value, rest string, err error) {
	if len(s) == 0 || s[0] != '"' {
		return "", s, parseErrorf(lineNo, "expected a quoted label value")
	}
	var b strings.Builder
	i := 1
	for {
		if i >= len(s) {
			return "", s, parseErrorf(lineNo, "unterminated quoted string")
		}
		c := s[i]
		if c == '"' {
			return b.String(), s[i+1:], nil
		}
		if c == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case '\\':
				b.WriteByte('\\')
				i += 2
				continue
			case '"':
				b.WriteByte('"')
				i += 2
				continue
			case 'n':
				b.WriteByte('\n')
				i += 2
				continue
			default:
				b.WriteByte('\\')
				i++
				continue
			}
		}
		b.WriteByte(c)
		i++
	}
}

// unescapeHelp decodes \\ and \n escapes in a HELP descriptor's text; any
// other backslash sequence is left as a literal backslash.
func unescapeHelp(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case '\\':
				b.WriteByte('\\')
				i++
				continue
			case 'n':
				b.WriteByte('\n')
				i++
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// isValidValue accepts the case-sensitive literals NaN/+Inf/-Inf plus any
// strconv-parseable float, rejecting the looser spellings strconv.ParseFloat
// alone would let through (Inf, Infinity, nan, hex floats), per spec §4.1.
func isValidValue(s string) bool {
	switch s {
	case "NaN", "+Inf", "-Inf":
		return true
	}
	if strings.ContainsAny(s, "xXiInN") {
		return false
	}
	if _, err := strconv.ParseFloat(s, 64); err != nil {
		return false
	}
	return true
}
