package patch

import (
	"strings"

	"github.com/psantana5/bisect-farm/pkg/models"
)

// Policy decides which paths a client-submitted patch may touch
type Policy struct {
	// Writable lists top-level fields settable by generic patches.
	// The field itself and everything below it are writable.
	Writable []string
}

// DefaultPolicy allows clients to write only the bot_client_data bag
func DefaultPolicy() Policy {
	return Policy{Writable: []string{"bot_client_data"}}
}

// CanSet reports whether a generic patch may apply op.
// test operations never mutate and are always allowed.
func (p Policy) CanSet(op models.PatchOp) bool {
	if op.Op == models.OpTest {
		return true
	}
	segs, err := splitPointer(op.Path)
	if err != nil || len(segs) == 0 {
		return false
	}
	for _, field := range p.Writable {
		if segs[0] == field {
			return true
		}
	}
	return false
}

// splitPointer decodes an RFC 6901 JSON pointer
func splitPointer(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	if !strings.HasPrefix(path, "/") {
		return nil, errBadPointer
	}
	segs := strings.Split(path[1:], "/")
	for i, s := range segs {
		s = strings.ReplaceAll(s, "~1", "/")
		segs[i] = strings.ReplaceAll(s, "~0", "~")
	}
	return segs, nil
}
