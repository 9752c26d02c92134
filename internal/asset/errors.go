package asset

import (
	"errors"
	"fmt"
)

var (
	ErrOffline            = errors.New("not connected to the asset server")
	ErrLicense            = errors.New("asset server is not enabled for this license")
	ErrConflictUnresolved = errors.New("resolve all conflicts before continuing")
	ErrPathCollision      = errors.New("another asset already exists at this path")
	ErrUnboundStructure   = errors.New("unbound directory structure received from server")
	ErrTransfer           = errors.New("transfer failed")
	ErrContentIntegrity   = errors.New("expected asset stream is missing")
	ErrNotUpToDate        = errors.New("assets are not up to date, update assets first")
	ErrCommitFirst        = errors.New("asset was restored from trash locally, commit it first")
	ErrBadState           = errors.New("asset is in an inconsistent state")
	ErrOutOfOrder         = errors.New("operation called out of order")
	ErrCancelled          = errors.New("cancelled")
	ErrNothingToDo        = errors.New("no assets to process")
	ErrNotFound           = errors.New("not found")
)

// Steps of RunUpdate reported in a StageError.
const (
	StageBegin    = "begin"
	StageDownload = "download"
	StageComplete = "complete"
)

// StageError reports the step of a batch operation that failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("%s: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

func stageError(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}
