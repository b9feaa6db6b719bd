package engine

import (
	"errors"
	"fmt"

	"lockline/internal/domain"
	"lockline/internal/repo"
)

var (
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrNotOwner           = errors.New("task locked by another user")
	ErrAlreadyLocked      = errors.New("task already locked")
	ErrLicenseNotAccepted = errors.New("license not accepted")
	ErrBadPartition       = errors.New("bad partition")
	ErrNotFound           = repo.ErrNotFound
)

func invalidTransition(t domain.Task, action string) error {
	return fmt.Errorf("%w: %s not allowed for task %s in status %s", ErrInvalidTransition, action, t.Key(), t.Status)
}

func notOwner(t domain.Task) error {
	return fmt.Errorf("%w: task %s", ErrNotOwner, t.Key())
}
