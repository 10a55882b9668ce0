package snode

import (
	"errors"
	"fmt"
)

var (
	ErrFutureSignature   = errors.New("signature too far into the future")
	ErrPastSignature     = errors.New("signature too far into the past")
	ErrOldProtocol       = errors.New("protocol version too old")
	ErrBadPubKeyScript   = errors.New("public key script has the wrong size")
	ErrScriptSigNotEmpty = errors.New("collateral input scriptSig is not empty")
	ErrBadSignature      = errors.New("bad signature")
	ErrWrongPort         = errors.New("invalid port for network")
	ErrUnknownNode       = errors.New("unknown service node")
	ErrNotEnabled        = errors.New("service node not enabled")
	ErrAnchorUnknown     = errors.New("ping anchor block unknown or too old")
	ErrTooEarly          = errors.New("arrived too early")
	ErrStale             = errors.New("older than the record on file")
	ErrNotAssociated     = errors.New("collateral not owned by public key")
	ErrCollateral        = errors.New("collateral not acceptable")
	ErrInputTooNew       = errors.New("collateral input has too few confirmations")
	ErrBadSigTime        = errors.New("signature time precedes collateral confirmation")
)

// DoSError marks a reject that should raise the sender's misbehavior score.
type DoSError struct {
	Score int
	Err   error
}

func (e *DoSError) Error() string {
	return fmt.Sprintf("%v (dos %d)", e.Err, e.Score)
}

func (e *DoSError) Unwrap() error { return e.Err }

// DoS wraps err with a misbehavior score. A zero score returns err as is.
func DoS(score int, err error) error {
	if score <= 0 || err == nil {
		return err
	}
	return &DoSError{Score: score, Err: err}
}

// DoSScore extracts the misbehavior score carried by err, 0 if none.
func DoSScore(err error) int {
	var de *DoSError
	if errors.As(err, &de) {
		return de.Score
	}
	return 0
}
