package owlwhisper

import "errors"

// Engine error taxonomy. Operations return these sentinels (possibly wrapped
// with additional context) so callers can classify failures with errors.Is.
var (
	// ErrInvalidKeyMaterial is returned when externally supplied key bytes
	// fail length or format validation. The engine refuses to start with a
	// bad key rather than silently generating a fresh identity.
	ErrInvalidKeyMaterial = errors.New("invalid key material")

	// ErrUnreachable is returned when no address of a peer could be dialed.
	ErrUnreachable = errors.New("peer unreachable")

	// ErrAuthFailed is returned when the security handshake with a peer does
	// not prove control of the private key matching its peer ID.
	ErrAuthFailed = errors.New("peer authentication failed")

	// ErrTimeout is returned when a dial, lookup or delivery deadline elapsed.
	ErrTimeout = errors.New("operation timed out")

	// ErrNotConnected is returned by operations that require an active
	// connection to the target peer.
	ErrNotConnected = errors.New("peer not connected")

	// ErrNotFound is returned by DHT lookups with a negative result. It is a
	// normal outcome, not an engine fault.
	ErrNotFound = errors.New("not found")

	// ErrNoRoute is returned when a DHT operation cannot make progress
	// because the routing table has no usable peers.
	ErrNoRoute = errors.New("no route to network")

	// ErrEncryptionFailure is returned when a session key could not be
	// established or a payload could not be sealed or opened.
	ErrEncryptionFailure = errors.New("encryption failure")

	// ErrAlreadyStarted is returned by Start on a running engine.
	ErrAlreadyStarted = errors.New("engine already started")

	// ErrNotStarted is returned by operations invoked before Start or after
	// Stop.
	ErrNotStarted = errors.New("engine not started")
)
