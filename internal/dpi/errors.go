package dpi

import "errors"

// Sentinel errors returned by registries and the namespace manager.
//
// Callers check them with errors.Is; returned errors usually wrap one of
// these with the handle name or namespace.
var (
	// ErrAlreadyExists indicates a handle with the same name is linked in
	// the namespace's registry. Nothing was changed.
	ErrAlreadyExists = errors.New("dpi: handle already exists")

	// ErrNotFound indicates no linked handle has the name.
	ErrNotFound = errors.New("dpi: handle not found")

	// ErrResourceExhausted indicates the handle could not be allocated:
	// the name is empty or longer than [MaxNameLen], or the registry
	// reached its handle quota.
	ErrResourceExhausted = errors.New("dpi: resource exhausted")

	// ErrInvalidName indicates the name contains a path separator or NUL
	// and cannot name a file.
	ErrInvalidName = errors.New("dpi: invalid handle name")

	// ErrExternalRegistrationFailed indicates the handle was linked but its
	// file could not be created. The handle has been unlinked again and
	// queued for reclamation; the name is free for a retry.
	ErrExternalRegistrationFailed = errors.New("dpi: external registration failed")

	// ErrNamespaceClosed indicates the namespace is being torn down.
	ErrNamespaceClosed = errors.New("dpi: namespace closed")

	// ErrNamespaceExists indicates Create was called twice for a namespace.
	ErrNamespaceExists = errors.New("dpi: namespace exists")

	// ErrUnknownNamespace indicates no registry exists for the namespace.
	ErrUnknownNamespace = errors.New("dpi: unknown namespace")
)
