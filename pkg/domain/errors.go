package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode classifies pipeline failures for callers that only need the kind.
type ErrorCode string

const (
	CodeIngestionFormat   ErrorCode = "ingestion_format"
	CodeDimensionMismatch ErrorCode = "dimension_mismatch"
	CodeModelUnavailable  ErrorCode = "model_unavailable"
	CodeArtifactIntegrity ErrorCode = "artifact_integrity"
	CodeNotFound          ErrorCode = "not_found"
	CodeInvalidArgument   ErrorCode = "invalid_argument"
	CodeInternal          ErrorCode = "internal"
)

// CodedError is implemented by every typed pipeline error.
type CodedError interface {
	error
	Code() ErrorCode
}

// Code returns the ErrorCode of the first typed error in err's chain, or
// CodeInternal when none is present.
func Code(err error) ErrorCode {
	var coded CodedError
	if errors.As(err, &coded) {
		return coded.Code()
	}
	return CodeInternal
}

// IngestionFormatError reports a malformed or unreadable source. Nothing is
// persisted when it is returned.
type IngestionFormatError struct {
	Source string
	Line   int
	Column int
	Reason string
	Err    error
}

func (e *IngestionFormatError) Error() string {
	var b strings.Builder
	b.WriteString("ingestion format error")
	if e.Source != "" {
		fmt.Fprintf(&b, " in %s", e.Source)
	}
	if e.Line > 0 {
		fmt.Fprintf(&b, " at line %d", e.Line)
		if e.Column > 0 {
			fmt.Fprintf(&b, " column %d", e.Column)
		}
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *IngestionFormatError) Unwrap() error { return e.Err }

// Code implements CodedError.
func (e *IngestionFormatError) Code() ErrorCode { return CodeIngestionFormat }

// DimensionMismatchError reports that a dataset's gene count differs from the
// model's input dimension.
type DimensionMismatchError struct {
	Expected     int
	Actual       int
	GeneSample   []string
	ModelVersion string
}

func (e *DimensionMismatchError) Error() string {
	msg := fmt.Sprintf("dimension mismatch: model expects %d genes, dataset has %d", e.Expected, e.Actual)
	if e.ModelVersion != "" {
		msg += fmt.Sprintf(" (model %s)", e.ModelVersion)
	}
	if len(e.GeneSample) > 0 {
		msg += fmt.Sprintf("; first genes: %s", strings.Join(e.GeneSample, ","))
	}
	return msg
}

// Code implements CodedError.
func (e *DimensionMismatchError) Code() ErrorCode { return CodeDimensionMismatch }

// ModelUnavailableError reports that no trained weight set matches the request.
type ModelUnavailableError struct {
	Version        string
	InputDimension int
	Reason         string
}

func (e *ModelUnavailableError) Error() string {
	var target string
	switch {
	case e.Version != "":
		target = "version " + e.Version
	case e.InputDimension > 0:
		target = fmt.Sprintf("input dimension %d", e.InputDimension)
	default:
		target = "any version"
	}
	if e.Reason == "" {
		return "model not available: " + target
	}
	return fmt.Sprintf("model not available: %s: %s", target, e.Reason)
}

// Code implements CodedError.
func (e *ModelUnavailableError) Code() ErrorCode { return CodeModelUnavailable }

// ArtifactIntegrityError reports persisted artifacts whose counts or
// dimensions diverge from each other or from the ingestion record.
type ArtifactIntegrityError struct {
	IngestionID string
	Field       string
	Expected    string
	Actual      string
}

func (e *ArtifactIntegrityError) Error() string {
	return fmt.Sprintf("artifact integrity error for ingestion %s: %s expected %s, got %s", e.IngestionID, e.Field, e.Expected, e.Actual)
}

// Code implements CodedError.
func (e *ArtifactIntegrityError) Code() ErrorCode { return CodeArtifactIntegrity }

// Entity names used in NotFoundError.
const (
	EntityIngestion = "ingestion"
	EntityArtifact  = "artifact"
	EntityModel     = "model"
)

// NotFoundError reports an unknown identifier.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// Code implements CodedError.
func (e *NotFoundError) Code() ErrorCode { return CodeNotFound }

// InvalidArgumentError reports a rejected request parameter.
type InvalidArgumentError struct {
	Field  string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Code implements CodedError.
func (e *InvalidArgumentError) Code() ErrorCode { return CodeInvalidArgument }
