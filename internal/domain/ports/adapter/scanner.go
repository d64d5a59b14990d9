package adapter

import "context"

type ScanVerdict string

const (
	VerdictClean    ScanVerdict = "CLEAN"
	VerdictInfected ScanVerdict = "INFECTED"
)

// ScanResult carries the verdict and, for infected files, the signature name.
type ScanResult struct {
	Verdict   ScanVerdict
	Signature string
}

// MalwareScanner is the port for the external scanning service. An error
// return means the scan could not be performed (service down, timeout) and is
// retryable; only an explicit INFECTED verdict ever quarantines a document.
type MalwareScanner interface {
	Scan(ctx context.Context, path string) (ScanResult, error)
	Ping(ctx context.Context) error
}
