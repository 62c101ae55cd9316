// Package ingesterrors defines the typed error taxonomy for the ingestion
// pipeline, grounded on the shape of internal/errors in this repository's
// predecessor (Type + Underlying + Timestamp + Unwrap, one struct per
// error class rather than sentinel values).
package ingesterrors

import (
	"fmt"
	"time"
)

// Class is a coarse classification used by the Batcher and Job Manager to
// decide whether to retry, abort, or record-and-continue.
type Class string

const (
	ClassInput      Class = "input"
	ClassParse      Class = "parse"
	ClassDecode     Class = "decode"
	ClassWarning    Class = "warning" // never fatal, counted only
	ClassTransient  Class = "transient"
	ClassFatal      Class = "fatal"
	ClassJob        Class = "job"
)

// InputError covers unsupported extension, oversize file, empty upload.
// Always surfaced to the caller; the staged upload is deleted.
type InputError struct {
	Reason    string
	Path      string
	Timestamp time.Time
}

func NewInputError(reason, path string) *InputError {
	return &InputError{Reason: reason, Path: path, Timestamp: time.Now()}
}

func (e *InputError) Error() string {
	return fmt.Sprintf("input error for %s: %s", e.Path, e.Reason)
}

func (e *InputError) Class() Class { return ClassInput }

// ParseError wraps a failure from the external CAD parser.
type ParseError struct {
	Path       string
	Underlying error
	Timestamp  time.Time
}

func NewParseError(path string, err error) *ParseError {
	return &ParseError{Path: path, Underlying: err, Timestamp: time.Now()}
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error for %s: %v", e.Path, e.Underlying)
}

func (e *ParseError) Unwrap() error { return e.Underlying }
func (e *ParseError) Class() Class  { return ClassParse }

// SourceError means the entity-stream artifact could not be opened at
// all (missing file, permission denied, unreachable staging path).
type SourceError struct {
	Path       string
	Underlying error
	Timestamp  time.Time
}

func NewSourceError(path string, err error) *SourceError {
	return &SourceError{Path: path, Underlying: err, Timestamp: time.Now()}
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("could not open source %s: %v", e.Path, e.Underlying)
}

func (e *SourceError) Unwrap() error { return e.Underlying }
func (e *SourceError) Class() Class  { return ClassFatal }

// DecodeError means the artifact could not be decoded under any tried
// string encoding, or the source bytes are structurally corrupt.
type DecodeError struct {
	Path       string
	Underlying error
	Timestamp  time.Time
}

func NewDecodeError(path string, err error) *DecodeError {
	return &DecodeError{Path: path, Underlying: err, Timestamp: time.Now()}
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error for %s: %v", e.Path, e.Underlying)
}

func (e *DecodeError) Unwrap() error { return e.Underlying }
func (e *DecodeError) Class() Class  { return ClassDecode }

// PayloadError marks malformed batch input; never retried.
type PayloadError struct {
	Reason    string
	Timestamp time.Time
}

func NewPayloadError(reason string) *PayloadError {
	return &PayloadError{Reason: reason, Timestamp: time.Now()}
}

func (e *PayloadError) Error() string { return fmt.Sprintf("payload error: %s", e.Reason) }
func (e *PayloadError) Class() Class  { return ClassFatal }

// TransientWriteError is retried with bounded exponential backoff; once
// BATCH_RETRY_MAX attempts are exhausted it is promoted to
// FatalWriteError by the caller.
type TransientWriteError struct {
	Op         string
	Attempt    int
	Underlying error
	Timestamp  time.Time
}

func NewTransientWriteError(op string, attempt int, err error) *TransientWriteError {
	return &TransientWriteError{Op: op, Attempt: attempt, Underlying: err, Timestamp: time.Now()}
}

func (e *TransientWriteError) Error() string {
	return fmt.Sprintf("transient write error during %s (attempt %d): %v", e.Op, e.Attempt, e.Underlying)
}

func (e *TransientWriteError) Unwrap() error { return e.Underlying }
func (e *TransientWriteError) Class() Class  { return ClassTransient }

// FatalWriteError aborts the ingest; no partial-success response is
// returned to the caller.
type FatalWriteError struct {
	Op         string
	Underlying error
	Timestamp  time.Time
}

func NewFatalWriteError(op string, err error) *FatalWriteError {
	return &FatalWriteError{Op: op, Underlying: err, Timestamp: time.Now()}
}

func (e *FatalWriteError) Error() string {
	return fmt.Sprintf("fatal write error during %s: %v", e.Op, e.Underlying)
}

func (e *FatalWriteError) Unwrap() error { return e.Underlying }
func (e *FatalWriteError) Class() Class  { return ClassFatal }

// AuthError and Unavailable are fatal store-side errors that are never
// retried, distinguished from TransientWriteError at classification time.
type AuthError struct {
	Underlying error
	Timestamp  time.Time
}

func NewAuthError(err error) *AuthError {
	return &AuthError{Underlying: err, Timestamp: time.Now()}
}

func (e *AuthError) Error() string   { return fmt.Sprintf("auth error: %v", e.Underlying) }
func (e *AuthError) Unwrap() error   { return e.Underlying }
func (e *AuthError) Class() Class    { return ClassFatal }

type UnavailableError struct {
	Underlying error
	Timestamp  time.Time
}

func NewUnavailableError(err error) *UnavailableError {
	return &UnavailableError{Underlying: err, Timestamp: time.Now()}
}

func (e *UnavailableError) Error() string { return fmt.Sprintf("store unavailable: %v", e.Underlying) }
func (e *UnavailableError) Unwrap() error { return e.Underlying }
func (e *UnavailableError) Class() Class  { return ClassFatal }

// JobExecutionError is confined to a single job; it never propagates to
// other jobs or to the ingest path. It surfaces only in JobState.Error.
type JobExecutionError struct {
	Stage      string
	Underlying error
	Timestamp  time.Time
}

func NewJobExecutionError(stage string, err error) *JobExecutionError {
	return &JobExecutionError{Stage: stage, Underlying: err, Timestamp: time.Now()}
}

func (e *JobExecutionError) Error() string {
	return fmt.Sprintf("job failed at stage %s: %v", e.Stage, e.Underlying)
}

func (e *JobExecutionError) Unwrap() error { return e.Underlying }
func (e *JobExecutionError) Class() Class  { return ClassJob }

// Classified is implemented by every error type in this package so
// callers can dispatch on retry policy without a type switch per class.
type Classified interface {
	error
	Class() Class
}

// Warning records a per-entity NormalizationWarning or ProjectionWarning.
// Warnings never escape the ingest; they accumulate in a Stats block.
type Warning struct {
	Stage  string // "normalize" | "project"
	Reason string
}

func (w Warning) String() string {
	return fmt.Sprintf("%s: %s", w.Stage, w.Reason)
}
