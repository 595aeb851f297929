package service

import "github.com/cockroachdb/errors"

var (
	// ErrEngineClosed is returned once Close has begun.
	ErrEngineClosed = errors.New("engine closed")
	// ErrHalted is returned by an asset whose journal write failed; its
	// in-memory book can no longer be trusted until a restart replays it.
	ErrHalted = errors.New("asset halted")
	// ErrNotReconcilable is returned by RetryCompensation for trades that
	// are not awaiting reconciliation.
	ErrNotReconcilable = errors.New("trade is not awaiting reconciliation")
	// ErrUnavailable wraps collaborator failures on the synchronous path.
	ErrUnavailable = errors.New("dependency unavailable")
)
