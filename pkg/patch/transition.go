package patch

import (
	"reflect"

	"github.com/psantana5/bisect-farm/pkg/models"
)

func validateClaim(job *models.Job, ops []models.PatchOp) error {
	for i, op := range ops {
		if op.Op == models.OpTest {
			continue
		}
		if _, err := decodeClaim(op.Value); err != nil {
			return opError(i, op.Op, op.Path, "%v", err)
		}
		if job.Current != nil {
			return opError(i, op.Op, op.Path, "job is already claimed by %s", job.Current.Runner)
		}
		if job.Last != nil {
			return opError(i, op.Op, op.Path, "job has already run")
		}
	}
	return nil
}

func validateCompletion(job *models.Job, ops []models.PatchOp) error {
	var first *models.Result
	for i, op := range ops {
		if op.Op == models.OpTest || op.Op == models.OpRemove {
			continue
		}
		result, err := decodeResult(op.Value)
		if err != nil {
			return opError(i, op.Op, op.Path, "%v", err)
		}
		if first == nil {
			first = result
			continue
		}
		if !reflect.DeepEqual(first, result) {
			return opError(i, op.Op, op.Path, "history and last must carry the same result")
		}
	}

	for i, op := range ops {
		if op.Op != models.OpRemove {
			continue
		}
		if job.Current == nil {
			return opError(i, op.Op, op.Path, "job is not claimed")
		}
		if job.Current.Runner != first.Runner {
			return opError(i, op.Op, op.Path, "job is claimed by %s, not %s", job.Current.Runner, first.Runner)
		}
	}
	return nil
}
