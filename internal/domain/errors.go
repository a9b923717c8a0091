package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidInput        = errors.New("invalid input")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrPresetInactive      = errors.New("preset inactive")
	ErrDuplicateOperation  = errors.New("duplicate operation")
)
