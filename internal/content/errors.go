package content

import "errors"

// Failure classes of the pipeline. Wrap them with %w and classify with
// errors.Is or IsRetryable.
var (
	// ErrExtraction means the source could not be read or parsed. The job
	// ends without retry.
	ErrExtraction = errors.New("extraction failed")

	// ErrProvider means the embedding backend failed. Retried with backoff.
	ErrProvider = errors.New("embedding provider failed")

	// ErrStore means the vector store failed. Retried with backoff.
	ErrStore = errors.New("vector store failed")

	// ErrConfiguration means no usable provider or store is configured.
	// Retrying cannot help.
	ErrConfiguration = errors.New("configuration error")
)

// IsRetryable reports whether err should be scheduled for another attempt.
// Unclassified errors are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrConfiguration) && !errors.Is(err, ErrExtraction)
}
