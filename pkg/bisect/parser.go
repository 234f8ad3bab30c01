// Package bisect knows how to invoke the external bisection tool and how
// to read its result block.
package bisect

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/psantana5/bisect-farm/pkg/models"
)

// Parser extracts the narrowed range from a tool's standard output.
// ok is false when the output does not describe a narrowed range; err is
// reserved for failures of the parser itself.
type Parser interface {
	Parse(stdout []byte) (rng models.BisectRange, ok bool, err error)
}

// resultBlock is the final YAML document printed by the tool
type resultBlock struct {
	BisectRange []string `yaml:"bisect_range"`
	Narrowed    *bool    `yaml:"narrowed"`
}

// YAMLParser reads the YAML document following the last "---" line
type YAMLParser struct{}

// Parse implements Parser
func (YAMLParser) Parse(stdout []byte) (models.BisectRange, bool, error) {
	var rng models.BisectRange

	doc := lastDocument(stdout)
	if len(bytes.TrimSpace(doc)) == 0 {
		return rng, false, nil
	}

	var block resultBlock
	if err := yaml.Unmarshal(doc, &block); err != nil {
		return rng, false, nil
	}
	if block.Narrowed != nil && !*block.Narrowed {
		return rng, false, nil
	}
	if len(block.BisectRange) != 2 || block.BisectRange[0] == "" || block.BisectRange[1] == "" {
		return rng, false, nil
	}
	rng = models.BisectRange{block.BisectRange[0], block.BisectRange[1]}
	return rng, true, nil
}

// lastDocument returns the bytes after the final line consisting of "---".
// Without a separator the whole output is returned.
func lastDocument(out []byte) []byte {
	lines := bytes.SplitAfter(out, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		if string(bytes.TrimRight(lines[i], "\r\n")) == "---" {
			return bytes.Join(lines[i+1:], nil)
		}
	}
	return out
}

// SafeParse calls p and turns a panic into an error
func SafeParse(p Parser, stdout []byte) (rng models.BisectRange, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("output parser panicked: %v", r)
			ok = false
		}
	}()
	return p.Parse(stdout)
}
