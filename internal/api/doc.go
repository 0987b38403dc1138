// Package api exposes the REST surface of the prover daemon: submitting proof
// jobs, polling their state, listing them with filters and reading aggregate
// statistics. Errors are rendered as {code, message, metadata} with the HTTP
// status derived from the error code.
package api
