package domain

import "errors"

var (
	// Common domain errors
	ErrNotFound           = errors.New("entity not found")
	ErrAlreadyExists      = errors.New("entity already exists")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrInvalidExecContext = errors.New("invalid executor context")
	ErrReadDatabaseRow    = errors.New("failed to read database row")

	// Job state machine errors
	ErrInvalidTransition = errors.New("invalid job transition")
	ErrStaleJobState     = errors.New("job state changed since it was read")
	ErrRetryNotAllowed   = errors.New("job cannot be retried")
	ErrNotCancelable     = errors.New("job cannot be canceled")
	ErrInvalidOptions    = errors.New("invalid ingestion options")

	// Scan gate
	ErrGateRejected = errors.New("malware found in document")
	ErrScanFailed   = errors.New("scan could not be completed")

	// Queue
	ErrNoTask = errors.New("no task available")
)

// Stable error codes stored on jobs and carried in webhook payloads.
// Raw engine/scanner detail never leaves the operator-facing store.
const (
	CodeVirusFound          = "VIRUS_FOUND"
	CodeScannerUnavailable  = "SCANNER_UNAVAILABLE"
	CodeScanError           = "SCAN_ERROR"
	CodeEngineConvertFailed = "ENGINE_CONVERT_FAILED"
	CodeEngineExportFailed  = "ENGINE_EXPORT_FAILED"
	CodeEngineChunkFailed   = "ENGINE_CHUNK_FAILED"
	CodeStageTimeout        = "STAGE_TIMEOUT"
	CodeInvalidOptions      = "INVALID_OPTIONS"
)
