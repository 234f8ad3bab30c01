// Package patch validates and applies JSON-Patch batches to jobs.
//
// A batch is either a protocol transition (claim or completion), recognized by
// its shape and validated against the job's state, or a generic patch whose
// every operation must pass the Policy. Operations are applied to the job
// passed in, which callers hand over as a private copy; on any error the copy
// must be discarded.
package patch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/psantana5/bisect-farm/pkg/models"
)

var errBadPointer = errors.New("path must be a JSON pointer starting with /")

// Kind is the classification of a patch batch
type Kind int

const (
	Generic Kind = iota
	Claim
	Completion
)

func (k Kind) String() string {
	switch k {
	case Claim:
		return "claim"
	case Completion:
		return "completion"
	default:
		return "generic"
	}
}

// setter applies one operation to a top-level field. rest holds the
// remaining pointer segments below the field.
type setter func(job *models.Job, op models.PatchOp, rest []string) error

var setters = map[string]setter{
	"current":         setCurrent,
	"last":            setLast,
	"history":         setHistory,
	"bot_client_data": setBotClientData,
}

// Classify recognizes protocol transitions by the shape of their mutating
// operations. test operations are ignored.
func Classify(ops []models.PatchOp) Kind {
	var mutating []models.PatchOp
	for _, op := range ops {
		if op.Op != models.OpTest {
			mutating = append(mutating, op)
		}
	}

	if len(mutating) == 1 && mutating[0].Path == "/current" &&
		(mutating[0].Op == models.OpAdd || mutating[0].Op == models.OpReplace) {
		return Claim
	}

	if len(mutating) == 3 {
		var history, last, clear int
		for _, op := range mutating {
			switch {
			case op.Op == models.OpAdd && op.Path == "/history/-":
				history++
			case (op.Op == models.OpAdd || op.Op == models.OpReplace) && op.Path == "/last":
				last++
			case op.Op == models.OpRemove && op.Path == "/current":
				clear++
			}
		}
		if history == 1 && last == 1 && clear == 1 {
			return Completion
		}
	}
	return Generic
}

// Apply validates the whole batch against the job's current state and then
// applies it in order. It returns the batch classification.
func Apply(job *models.Job, ops []models.PatchOp, policy Policy) (Kind, error) {
	if len(ops) == 0 {
		return Generic, &Error{Index: -1, Reason: "empty patch"}
	}

	for i, op := range ops {
		if err := checkSyntax(op); err != nil {
			return Generic, opError(i, op.Op, op.Path, "%v", err)
		}
	}

	kind := Classify(ops)
	switch kind {
	case Claim:
		if err := validateClaim(job, ops); err != nil {
			return kind, err
		}
	case Completion:
		if err := validateCompletion(job, ops); err != nil {
			return kind, err
		}
	default:
		for i, op := range ops {
			if !policy.CanSet(op) {
				return kind, opError(i, op.Op, op.Path, "path is reserved")
			}
		}
	}

	for i, op := range ops {
		if err := applyOne(job, op); err != nil {
			return kind, opError(i, op.Op, op.Path, "%v", err)
		}
	}
	return kind, nil
}

func checkSyntax(op models.PatchOp) error {
	switch op.Op {
	case models.OpAdd, models.OpReplace, models.OpTest:
		if len(op.Value) == 0 {
			return fmt.Errorf("%s requires a value", op.Op)
		}
	case models.OpRemove:
	case models.OpMove, models.OpCopy:
		return fmt.Errorf("operation not supported")
	default:
		return fmt.Errorf("unknown operation %q", op.Op)
	}
	segs, err := splitPointer(op.Path)
	if err != nil {
		return err
	}
	if len(segs) == 0 && op.Op != models.OpTest {
		return fmt.Errorf("cannot replace the whole job")
	}
	return nil
}

func applyOne(job *models.Job, op models.PatchOp) error {
	if op.Op == models.OpTest {
		return evalTest(job, op)
	}
	segs, _ := splitPointer(op.Path)
	set, ok := setters[segs[0]]
	if !ok {
		return fmt.Errorf("field %q cannot be modified", segs[0])
	}
	return set(job, op, segs[1:])
}

// evalTest runs a test operation against the job's current JSON form
func evalTest(job *models.Job, op models.PatchOp) error {
	doc, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if _, err := applyRaw(doc, []models.PatchOp{op}); err != nil {
		return fmt.Errorf("test failed")
	}
	return nil
}

func setCurrent(job *models.Job, op models.PatchOp, rest []string) error {
	if len(rest) != 0 {
		return fmt.Errorf("current can only be set as a whole")
	}
	switch op.Op {
	case models.OpRemove:
		if job.Current == nil {
			return fmt.Errorf("job is not claimed")
		}
		job.Current = nil
	default:
		claim, err := decodeClaim(op.Value)
		if err != nil {
			return err
		}
		job.Current = claim
	}
	return nil
}

func setLast(job *models.Job, op models.PatchOp, rest []string) error {
	if len(rest) != 0 || op.Op == models.OpRemove {
		return fmt.Errorf("last can only be set as a whole")
	}
	result, err := decodeResult(op.Value)
	if err != nil {
		return err
	}
	job.Last = result
	return nil
}

func setHistory(job *models.Job, op models.PatchOp, rest []string) error {
	if op.Op != models.OpAdd || len(rest) != 1 || rest[0] != "-" {
		return fmt.Errorf("history is append-only")
	}
	result, err := decodeResult(op.Value)
	if err != nil {
		return err
	}
	job.History = append(job.History, *result)
	return nil
}

func setBotClientData(job *models.Job, op models.PatchOp, rest []string) error {
	if len(rest) == 0 {
		if op.Op == models.OpRemove {
			job.BotClientData = nil
			return nil
		}
		var bag map[string]interface{}
		if err := decodeStrict(op.Value, &bag); err != nil || bag == nil {
			return fmt.Errorf("bot_client_data must be an object")
		}
		job.BotClientData = bag
		return nil
	}

	bag := job.BotClientData
	if bag == nil {
		bag = map[string]interface{}{}
	}
	doc, err := json.Marshal(bag)
	if err != nil {
		return err
	}
	sub := op
	sub.Path = "/" + joinPointer(rest)
	out, err := applyRaw(doc, []models.PatchOp{sub})
	if err != nil {
		return err
	}
	var updated map[string]interface{}
	if err := json.Unmarshal(out, &updated); err != nil {
		return err
	}
	job.BotClientData = updated
	return nil
}

// applyRaw applies operations to a JSON document with evanphx/json-patch
func applyRaw(doc []byte, ops []models.PatchOp) ([]byte, error) {
	raw, err := json.Marshal(ops)
	if err != nil {
		return nil, err
	}
	p, err := jsonpatch.DecodePatch(raw)
	if err != nil {
		return nil, err
	}
	opts := jsonpatch.NewApplyOptions()
	opts.EnsurePathExistsOnAdd = true
	return p.ApplyWithOptions(doc, opts)
}

func joinPointer(segs []string) string {
	escaped := make([]string, len(segs))
	for i, s := range segs {
		s = strings.ReplaceAll(s, "~", "~0")
		escaped[i] = strings.ReplaceAll(s, "/", "~1")
	}
	return strings.Join(escaped, "/")
}

func decodeStrict(raw json.RawMessage, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func decodeClaim(raw json.RawMessage) (*models.Claim, error) {
	var c models.Claim
	if err := decodeStrict(raw, &c); err != nil {
		return nil, fmt.Errorf("invalid claim: %v", err)
	}
	if c.Runner == "" {
		return nil, fmt.Errorf("claim requires a runner")
	}
	if c.TimeBegun.IsZero() {
		return nil, fmt.Errorf("claim requires time_begun")
	}
	return &c, nil
}

func decodeResult(raw json.RawMessage) (*models.Result, error) {
	var r models.Result
	if err := decodeStrict(raw, &r); err != nil {
		return nil, fmt.Errorf("invalid result: %v", err)
	}
	if r.Runner == "" {
		return nil, fmt.Errorf("result requires a runner")
	}
	if !r.Status.Valid() {
		return nil, fmt.Errorf("invalid result status %q", r.Status)
	}
	if r.Status == models.StatusSuccess && r.BisectRange == nil {
		return nil, fmt.Errorf("successful result requires bisect_range")
	}
	return &r, nil
}
