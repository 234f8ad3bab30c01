// Package filter implements the job query grammar used by GET /jobs.
//
// Each query key is a dotted path into the job's JSON form. A key ending in
// "!" negates the comparison. Values are comma-separated alternatives. A
// candidate passes a positive key when its resolved value equals any
// alternative and passes a negated key when it equals none of them. Keys are
// applied as successive narrowing passes.
package filter

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cast"

	"github.com/psantana5/bisect-farm/pkg/models"
)

// Undefined is the literal a missing or null field resolves to
const Undefined = "undefined"

// Clause is one parsed query key
type Clause struct {
	Path         []string
	Negate       bool
	Alternatives []string
}

// Matches reports whether a resolved, stringified value passes the clause
func (c Clause) Matches(value string) bool {
	hit := false
	for _, alt := range c.Alternatives {
		if alt == value {
			hit = true
			break
		}
	}
	if c.Negate {
		return !hit
	}
	return hit
}

// Parse turns query parameters into clauses. Keys are sorted so the result is
// deterministic; every repetition of a key becomes its own clause.
func Parse(query map[string][]string) []Clause {
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	clauses := make([]Clause, 0, len(keys))
	for _, key := range keys {
		path, negate := key, false
		if strings.HasSuffix(path, "!") {
			path, negate = strings.TrimSuffix(path, "!"), true
		}
		if path == "" {
			continue
		}
		for _, raw := range query[key] {
			clauses = append(clauses, Clause{
				Path:         strings.Split(path, "."),
				Negate:       negate,
				Alternatives: strings.Split(raw, ","),
			})
		}
	}
	return clauses
}

// Apply returns the candidates that pass every clause, preserving order.
// The input slice and its elements are not modified.
func Apply(candidates []map[string]interface{}, query map[string][]string) []map[string]interface{} {
	clauses := Parse(query)
	out := make([]map[string]interface{}, 0, len(candidates))
	for _, c := range candidates {
		if matchAll(c, clauses) {
			out = append(out, c)
		}
	}
	return out
}

// Jobs filters jobs by their JSON form, preserving store order
func Jobs(jobs []*models.Job, query map[string][]string) ([]*models.Job, error) {
	clauses := Parse(query)
	out := make([]*models.Job, 0, len(jobs))
	for _, job := range jobs {
		doc, err := toMap(job)
		if err != nil {
			return nil, fmt.Errorf("failed to decode job %s: %w", job.ID, err)
		}
		if matchAll(doc, clauses) {
			out = append(out, job)
		}
	}
	return out, nil
}

func matchAll(doc map[string]interface{}, clauses []Clause) bool {
	for _, c := range clauses {
		if !c.Matches(Stringify(Resolve(doc, c.Path))) {
			return false
		}
	}
	return true
}

// Resolve walks a dotted path. Missing fields resolve to nil.
// Numeric segments index into arrays.
func Resolve(doc map[string]interface{}, path []string) interface{} {
	var cur interface{} = doc
	for _, seg := range path {
		switch node := cur.(type) {
		case map[string]interface{}:
			v, ok := node[seg]
			if !ok {
				return nil
			}
			cur = v
		case []interface{}:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil
			}
			cur = node[i]
		default:
			return nil
		}
	}
	return cur
}

// Stringify renders a resolved value for comparison. nil becomes
// "undefined", numbers use their shortest form, objects and arrays their
// compact JSON encoding.
func Stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return Undefined
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return s
}

func toMap(job *models.Job) (map[string]interface{}, error) {
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}
