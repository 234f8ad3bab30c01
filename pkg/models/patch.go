package models

import "encoding/json"

// Patch operation names (RFC 6902)
const (
	OpAdd     = "add"
	OpRemove  = "remove"
	OpReplace = "replace"
	OpTest    = "test"
	OpMove    = "move"
	OpCopy    = "copy"
)

// PatchOp is a single JSON-Patch operation
type PatchOp struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
	From  string          `json:"from,omitempty"`
}

// ClaimOps builds the patch a runner sends to take a job
func ClaimOps(claim Claim) ([]PatchOp, error) {
	raw, err := json.Marshal(claim)
	if err != nil {
		return nil, err
	}
	return []PatchOp{{Op: OpAdd, Path: "/current", Value: raw}}, nil
}

// CompletionOps builds the patch that records a result and releases the claim
func CompletionOps(result Result) ([]PatchOp, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return []PatchOp{
		{Op: OpAdd, Path: "/history/-", Value: raw},
		{Op: OpAdd, Path: "/last", Value: raw},
		{Op: OpRemove, Path: "/current"},
	}, nil
}
