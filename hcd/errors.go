// Package hcd implements the host-controller engine on top of the ring
// protocol: slot and endpoint lifecycle, transfer descriptor building,
// the command queue, and the event dispatcher. One Controller instance
// drives one register file; all ring and endpoint state mutation is
// serialized under the controller lock.
package hcd

import (
	"errors"

	"github.com/Alia5/XHIVE/ring"
)

// ErrInsufficientRingSpace is returned when a submission does not fit
// on its ring. The request is rejected whole; the caller may retry
// once completions have freed slots.
var ErrInsufficientRingSpace = ring.ErrInsufficientRingSpace

var (
	// ErrCommandRingDesync means a command completion event did not
	// point at the command ring's dequeue position. Software can no
	// longer trust the controller's view of the rings, so this is
	// fatal and marks the controller dying.
	ErrCommandRingDesync = errors.New("command ring desync")

	// ErrOrphanedEvent means a transfer event's address fell inside
	// none of the ring's pending descriptors even though the ring is
	// not empty. The ring dequeue is left unmoved.
	ErrOrphanedEvent = errors.New("orphaned transfer event")

	// ErrEndpointNotRunning rejects submissions against an endpoint
	// that is disabled, halted, stopped, or mid-reposition.
	ErrEndpointNotRunning = errors.New("endpoint not running")

	// ErrInvalidSlot and ErrInvalidEndpoint reject operations that
	// address slots or endpoints that were never enabled.
	ErrInvalidSlot     = errors.New("invalid slot id")
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrControllerDying rejects all ring operations once the
	// controller has been marked dead.
	ErrControllerDying = errors.New("controller dying")

	// ErrTransferNotPending is returned by Cancel when the transfer is
	// not queued on its endpoint, typically because it already
	// completed.
	ErrTransferNotPending = errors.New("transfer not pending")

	// ErrCommandFailed wraps a command completion code other than
	// success.
	ErrCommandFailed = errors.New("command failed")
)
