package domain

import (
	"errors"
	"fmt"
)

var (
	ErrDeposit             = errors.New("deposit failed")
	ErrChannelCreation     = errors.New("channel creation failed")
	ErrSessionNotActive    = errors.New("session not active")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrSettlement          = errors.New("settlement failed")
	ErrAlreadyInProgress   = errors.New("operation already in progress")
	ErrAlreadyActive       = errors.New("channel already active")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidState        = errors.New("invalid channel state")
	ErrSessionNotFound     = errors.New("session not found")
)

// InsufficientBalanceError reports a charge that would overdraw the balance.
type InsufficientBalanceError struct {
	Requested Units
	Available Units
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: requested %s, available %s", e.Requested, e.Available)
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}
