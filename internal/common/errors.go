// Package common contains the closed set of sentinel errors shared across
// docvault components. The core never maps these to HTTP statuses; that
// translation belongs to whatever boundary consumes the library.
package common

import "errors"

var (

	// upload validation errors
	ErrInvalidType     = errors.New("file type not allowed")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrTooManyFiles    = errors.New("too many files")

	// content processing errors
	ErrProcessingFailed = errors.New("processing failed")

	// local tier errors, fatal for the affected upload
	ErrStorageFull = errors.New("local storage full")
	ErrIO          = errors.New("io error")

	// remote tier errors, recoverable via the replication queue
	ErrTransferTimeout   = errors.New("transfer timeout")
	ErrRemoteUnreachable = errors.New("remote unreachable")
	ErrRemoteRejected    = errors.New("remote rejected request")
	ErrChecksumMismatch  = errors.New("checksum mismatch")

	// retrieval errors
	ErrNotFound            = errors.New("not found")
	ErrAllTiersUnavailable = errors.New("all tiers unavailable")

	// replication queue errors
	ErrTransferInProgress = errors.New("transfer already in progress")
)
