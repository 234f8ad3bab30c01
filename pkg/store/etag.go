package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/psantana5/bisect-farm/pkg/models"
)

// AnyETag matches every existing job in an If-Match header
const AnyETag = "*"

// ComputeETag hashes the job's serialized body.
// encoding/json emits struct fields in declaration order and map keys sorted,
// so equal bodies always produce equal tags.
func ComputeETag(job *models.Job) (string, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to serialize job %s: %w", job.ID, err)
	}
	return fmt.Sprintf("%q", fmt.Sprintf("%016x", xxhash.Sum64(body))), nil
}

// ETagMatches reports whether an If-Match value accepts the current etag.
// Weak tags are compared by their opaque part.
func ETagMatches(ifMatch, current string) bool {
	if ifMatch == "" || ifMatch == AnyETag {
		return true
	}
	for _, candidate := range strings.Split(ifMatch, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == current || candidate == AnyETag {
			return true
		}
	}
	return false
}
