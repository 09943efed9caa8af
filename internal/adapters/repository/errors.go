package repository

import (
	"errors"

	"github.com/okian/racepulse/internal/domain/model"
)

// Sentinel kinds for store errors.
var (
	// ErrNotFound is model.ErrNotFound so domain code can match it without
	// importing this package.
	ErrNotFound      = model.ErrNotFound
	ErrInvalidLimit  = errors.New("invalid limit")
	ErrInvalidRecord = errors.New("invalid record")
	ErrClosed        = errors.New("store closed")
)
