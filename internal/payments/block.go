package payments

import (
	"fmt"

	"go.uber.org/zap"

	"coralnode/internal/proto"
	"coralnode/internal/spork"
)

// Budget is the superblock system's side of block payments. Only the
// question of whether a height is a budget block matters to service node
// payments; the rest is delegated untouched.
type Budget interface {
	IsBudgetPaymentBlock(height int) bool
	IsTransactionValid(tx proto.Tx, height int) bool
	FillBlockPayee(tx *proto.Tx, fees int64, proofOfStake bool) error
	RequiredPaymentsString(height int) string
}

// NoBudget is a network without superblocks.
type NoBudget struct{}

func (NoBudget) IsBudgetPaymentBlock(int) bool               { return false }
func (NoBudget) IsTransactionValid(proto.Tx, int) bool       { return true }
func (NoBudget) FillBlockPayee(*proto.Tx, int64, bool) error { return nil }
func (NoBudget) RequiredPaymentsString(int) string           { return "Unknown" }

func (l *Ledger) superblock(height int) bool {
	return l.env.Sporks.IsActive(spork.Superblocks) && l.budget.IsBudgetPaymentBlock(height)
}

// FillBlockPayee adds the service node payment for the block after the tip
// to tx. The payee is the voted winner, or the current top scored node
// when no votes exist yet. A proof of stake block takes the payment from
// its last stake output; a proof of work block pays vout[1] and keeps the
// rest of the block value in vout[0].
func (l *Ledger) FillBlockPayee(tx *proto.Tx, fees int64, proofOfStake bool) error {
	tip, ok := l.env.Chain.Tip()
	if !ok {
		return ErrNoTip
	}
	height := tip.Height + 1
	if l.superblock(height) {
		return l.budget.FillBlockPayee(tx, fees, proofOfStake)
	}

	payee, ok := l.BlockPayee(height)
	if !ok {
		winner, found := l.reg.Current(1, 0, 0)
		if !found {
			l.log.Info("no service node to pay", zap.Int("height", height))
			return fmt.Errorf("fill block %d: %w", height, ErrNoPayee)
		}
		payee = winner.Payee()
	}

	blockValue := l.rewards.BlockValue(tip.Height)
	payment := l.rewards.NodePayment(height, blockValue, 0)
	if proofOfStake {
		n := len(tx.Outputs)
		if n == 0 {
			return fmt.Errorf("fill block %d: %w", height, ErrNoStakeOutput)
		}
		if tx.Outputs[n-1].Value < payment {
			return fmt.Errorf("fill block %d: %d from %d: %w", height, payment, tx.Outputs[n-1].Value, ErrPaymentExceeded)
		}
		tx.Outputs[n-1].Value -= payment
		tx.Outputs = append(tx.Outputs, proto.TxOut{Value: payment, Script: payee})
	} else {
		if len(tx.Outputs) < 2 {
			grown := make([]proto.TxOut, 2)
			copy(grown, tx.Outputs)
			tx.Outputs = grown
		}
		tx.Outputs[1] = proto.TxOut{Value: payment, Script: payee}
		tx.Outputs[0].Value = blockValue - payment
	}
	l.log.Debug("service node payment", zap.Int("height", height), zap.Int64("amount", payment), zap.Stringer("payee", payee))
	return nil
}

// IsBlockPayeeValid decides whether the payout in tx is acceptable for
// height. Nothing is enforced before the node has synced; failures only
// reject the block when the matching enforcement spork is on.
func (l *Ledger) IsBlockPayeeValid(tx proto.Tx, height int) bool {
	if !l.sync.IsSynced() {
		return true
	}
	if l.superblock(height) {
		if l.budget.IsTransactionValid(tx, height) {
			return true
		}
		l.log.Info("invalid budget payment", zap.Int("height", height))
		return !l.env.Sporks.IsActive(spork.BudgetEnforcement)
	}
	if err := l.IsTransactionValid(tx, height); err != nil {
		l.log.Info("invalid service node payment", zap.Int("height", height), zap.Error(err))
		return !l.env.Sporks.IsActive(spork.PaymentEnforcement)
	}
	return true
}

// IsBlockValueValid bounds the minted value of the block at height.
// Superblock heights may exceed the expected value; before sync the first
// 100 blocks of every budget cycle are given the benefit of the doubt.
func (l *Ledger) IsBlockValueValid(height int, expected, minted int64) bool {
	if !l.sync.IsSynced() {
		if cycle := l.env.Params.BudgetCycleBlocks; cycle > 0 && height%cycle < 100 {
			return true
		}
		return minted <= expected
	}
	if !l.env.Sporks.IsActive(spork.Superblocks) {
		return minted <= expected
	}
	if l.budget.IsBudgetPaymentBlock(height) {
		return true
	}
	return minted <= expected
}

// RequiredPaymentsString describes who must be paid at height.
func (l *Ledger) RequiredPaymentsString(height int) string {
	if l.superblock(height) {
		return l.budget.RequiredPaymentsString(height)
	}
	t, ok := l.Tally(height)
	if !ok {
		return "Unknown"
	}
	return t.String()
}
