// Copyright (c) Queasy Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"fmt"
	"strings"
)

// Predicate is a compiled row filter used by the embedded backends.
type Predicate func(Message) bool

// CompilePredicate compiles the restricted predicate grammar shared by the
// memory and badger backends. The grammar covers what consumer group
// configurations use in practice:
//
//	true | false
//	qname = 'x' | qname != 'x'
//	type is null | type = 'x'
//	<term> AND <term> ...
//
// The postgres backend does not use this compiler; it injects the predicate
// into SQL directly. An empty expression compiles to match-all.
func CompilePredicate(expr string) (Predicate, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return func(Message) bool { return true }, nil
	}

	terms := splitAnd(expr)
	preds := make([]Predicate, 0, len(terms))
	for _, term := range terms {
		p, err := compileTerm(term)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}

	if len(preds) == 1 {
		return preds[0], nil
	}
	return func(m Message) bool {
		for _, p := range preds {
			if !p(m) {
				return false
			}
		}
		return true
	}, nil
}

func splitAnd(expr string) []string {
	// Case-insensitive split on the AND keyword. Quoted values never
	// contain the token in the supported grammar.
	var terms []string
	rest := expr
	for {
		idx := indexFold(rest, " and ")
		if idx < 0 {
			terms = append(terms, strings.TrimSpace(rest))
			return terms
		}
		terms = append(terms, strings.TrimSpace(rest[:idx]))
		rest = rest[idx+len(" and "):]
	}
}

func indexFold(s, substr string) int {
	return strings.Index(strings.ToLower(s), substr)
}

func compileTerm(term string) (Predicate, error) {
	switch strings.ToLower(term) {
	case "true", "1 = 1", "1=1":
		return func(Message) bool { return true }, nil
	case "false", "1 = 0", "1=0":
		return func(Message) bool { return false }, nil
	case "type is null":
		return func(m Message) bool { return m.Type == "" }, nil
	case "type is not null":
		return func(m Message) bool { return m.Type != "" }, nil
	}

	field, op, value, err := parseComparison(term)
	if err != nil {
		return nil, err
	}

	var get func(Message) string
	switch field {
	case "qname":
		get = func(m Message) string { return m.Queue }
	case "type":
		get = func(m Message) string { return m.Type }
	default:
		return nil, fmt.Errorf("store: unsupported predicate field %q", field)
	}

	switch op {
	case "=":
		return func(m Message) bool { return get(m) == value }, nil
	case "!=", "<>":
		return func(m Message) bool { return get(m) != value }, nil
	default:
		return nil, fmt.Errorf("store: unsupported predicate operator %q", op)
	}
}

func parseComparison(term string) (field, op, value string, err error) {
	for _, candidate := range []string{"!=", "<>", "="} {
		if i := strings.Index(term, candidate); i >= 0 {
			field = strings.ToLower(strings.TrimSpace(term[:i]))
			op = candidate
			raw := strings.TrimSpace(term[i+len(candidate):])
			value, err = unquote(raw)
			return field, op, value, err
		}
	}
	return "", "", "", fmt.Errorf("store: cannot parse predicate term %q", term)
}

func unquote(raw string) (string, error) {
	if len(raw) >= 2 && raw[0] == '\'' && raw[len(raw)-1] == '\'' {
		return raw[1 : len(raw)-1], nil
	}
	return "", fmt.Errorf("store: predicate values must be single-quoted, got %q", raw)
}

// Matches applies the filter to a row using the compiled predicate. It is a
// convenience for backends that filter in process.
func (f Filter) Matches(m Message, p Predicate) bool {
	if f.Queue != "" && m.Queue != f.Queue {
		return false
	}
	if p != nil && !p(m) {
		return false
	}
	return true
}
