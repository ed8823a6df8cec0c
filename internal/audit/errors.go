package audit

import "errors"

// Record failures. Callers match them with errors.Is; the wrapped error
// carries the underlying cause.
var (
	// ErrServiceNotInitialized is returned when the log is closed or the
	// chain has not been loaded.
	ErrServiceNotInitialized = errors.New("audit log not initialized")

	// ErrChainStateCorrupted is returned when chain.json cannot be parsed or
	// disagrees with the log files. It is terminal for the process: the
	// chain is never silently reset, since that would erase tamper-evidence.
	ErrChainStateCorrupted = errors.New("audit chain state corrupted")

	// ErrDurableWriteFailed is returned when the entry could not be written
	// and synced to its partition file. The chain is not advanced.
	ErrDurableWriteFailed = errors.New("audit entry durable write failed")

	// ErrEncryptionFailed is returned when a sensitive entry could not be
	// encrypted, including when no key is configured.
	ErrEncryptionFailed = errors.New("audit entry encryption failed")

	// ErrChainPersistFailed is returned when the advanced chain state could
	// not be saved. The just-written log record is truncated away.
	ErrChainPersistFailed = errors.New("audit chain state persist failed")

	// ErrLogLocked is returned by Open when another process is writing to
	// the same directory.
	ErrLogLocked = errors.New("audit log is locked by another writer")

	ErrInvalidEvent    = errors.New("invalid audit event")
	ErrInvalidSeverity = errors.New("invalid audit severity")
	ErrInvalidRange    = errors.New("invalid time range")
	ErrNotIndexed      = errors.New("entry not in index")
)
