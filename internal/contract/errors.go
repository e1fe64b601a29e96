package contract

import (
	"errors"

	"taler-merchant/internal/store"
)

func isAlreadyExists(err error) bool { return errors.Is(err, store.ErrAlreadyExists) }

func isNotFound(err error) bool { return errors.Is(err, store.ErrNotFound) }
