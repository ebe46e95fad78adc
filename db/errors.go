package db

import (
	"errors"

	"github.com/togetherinbloom/server/apperr"
	"gorm.io/gorm"
)

// Err classifies a gorm error: a missing row becomes NOT_FOUND with the
// given subject, a unique violation becomes CONFLICT and anything else is
// an UPSTREAM store failure. nil stays nil.
func Err(err error, subject string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return apperr.Wrap(apperr.CodeNotFound, subject+" not found", err)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return apperr.Wrap(apperr.CodeConflict, subject+" already exists", err)
	default:
		var e *apperr.Error
		if errors.As(err, &e) {
			return err
		}
		return apperr.Wrap(apperr.CodeUpstream, "store failure", err)
	}
}
