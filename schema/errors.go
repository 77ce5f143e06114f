package schema

import "errors"

var (
	// ErrInvalidRequest indicates a malformed request payload.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidFile indicates an empty or unusable file identity.
	ErrInvalidFile = errors.New("invalid file")
	// ErrNoContents indicates a session could not be built because no contents were available.
	ErrNoContents = errors.New("notebook contents unavailable")
	// ErrSessionNotFound indicates no open session for the file.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed indicates the session was already closed.
	ErrSessionClosed = errors.New("session closed")
	// ErrCellNotFound indicates a cell id is not in the collection.
	ErrCellNotFound = errors.New("cell not found")
	// ErrDuplicateCell indicates a cell id is already in the collection.
	ErrDuplicateCell = errors.New("duplicate cell id")
	// ErrInvalidCellType indicates an unknown cell type.
	ErrInvalidCellType = errors.New("invalid cell type")
	// ErrKernelUnavailable indicates no kernel is configured or the kernel exited.
	ErrKernelUnavailable = errors.New("kernel unavailable")
	// ErrSaveCancelled indicates the user dismissed the save dialog.
	ErrSaveCancelled = errors.New("save cancelled")
	// ErrUnknownMessage indicates a message kind without a decoder.
	ErrUnknownMessage = errors.New("unknown message kind")
)
