package api

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/psantana5/bisect-farm/pkg/models"
)

var gistIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{5,64}$`)

var gistURLPrefixes = []string{
	"https://gist.github.com/",
	"https://gist.githubusercontent.com/",
}

// ValidationError lists the request fields that failed validation
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for f, tag := range e.Fields {
		parts = append(parts, f+": "+tag)
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

// TypeValidator checks the type-specific part of a submission
type TypeValidator func(req *models.JobRequest) *ValidationError

// NewValidator returns a validator with the job schema tags registered
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterValidation("gist", func(fl validator.FieldLevel) bool {
		return ValidGist(fl.Field().String())
	})
	return v
}

// ValidGist accepts a hex gist id or a gist URL
func ValidGist(s string) bool {
	if gistIDPattern.MatchString(s) {
		return true
	}
	for _, prefix := range gistURLPrefixes {
		if strings.HasPrefix(s, prefix) && len(s) > len(prefix) {
			return true
		}
	}
	return false
}

// DefaultTypes is the registry of job types accepted by POST /jobs
func DefaultTypes() map[string]TypeValidator {
	return map[string]TypeValidator{
		models.JobTypeBisect: validateBisect,
	}
}

func validateBisect(req *models.JobRequest) *ValidationError {
	if req.BisectRange[0] == req.BisectRange[1] {
		return &ValidationError{Fields: map[string]string{"bisect_range": "distinct"}}
	}
	return nil
}

// validateRequest runs the struct tags then the type registry
func validateRequest(v *validator.Validate, types map[string]TypeValidator, req *models.JobRequest) *ValidationError {
	if err := v.Struct(req); err != nil {
		verr := &ValidationError{Fields: map[string]string{}}
		if fieldErrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range fieldErrs {
				verr.Fields[fe.Field()] = fe.Tag()
			}
		} else {
			verr.Fields["body"] = err.Error()
		}
		return verr
	}

	check, ok := types[req.Type]
	if !ok {
		return &ValidationError{Fields: map[string]string{"type": fmt.Sprintf("unsupported type %q", req.Type)}}
	}
	return check(req)
}
