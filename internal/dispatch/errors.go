// Package dispatch implements the push and email notification dispatchers
// and the delivery-webhook ingestion that finalizes email statuses.
package dispatch

import "errors"

var (
	// ErrJSONParse marks an undecodable job; the job is dropped.
	ErrJSONParse = errors.New("failed to parse job payload")
	// ErrMissingValue marks a job referencing data that does not exist,
	// such as an unknown template.
	ErrMissingValue = errors.New("missing required value")
	// ErrRequestFailed marks a provider call that returned a non-2xx status.
	ErrRequestFailed = errors.New("provider request failed")
	// ErrRetryBudget marks a job whose retry budget is exhausted.
	ErrRetryBudget = errors.New("retry budget exhausted")
)
