package daemon

import (
	"fmt"

	"go.uber.org/zap"

	"coralnode/internal/chain"
	"coralnode/internal/proto"
)

// ConnectBlock records b as the new tip. The full node calls this for every
// best-chain block, and again on a reorg with the new branch.
func (r *Runner) ConnectBlock(b chain.Block) error {
	if err := r.Chain.PutBlock(b); err != nil {
		return err
	}
	r.log.Debug("block connected", zap.Int("height", b.Height), zap.Stringer("hash", b.Hash))
	r.checkTip()
	return nil
}

// AddCoin records an unspent output.
func (r *Runner) AddCoin(c chain.Coin) error {
	if c.Out.Value < 0 {
		return fmt.Errorf("negative value for %s", c.Outpoint)
	}
	return r.Chain.PutCoin(c)
}

// SpendCoin drops op from the unspent set.
func (r *Runner) SpendCoin(op proto.Outpoint) error {
	return r.Chain.SpendCoin(op)
}

// PayeeCheck is the verdict on a block's service node payment.
type PayeeCheck struct {
	Height     int    `json:"height"`
	PayeeValid bool   `json:"payee_valid"`
	ValueValid bool   `json:"value_valid"`
	Required   string `json:"required"`
}

// CheckBlock validates the payout of tx for height, and minted against the
// expected block value.
func (r *Runner) CheckBlock(tx proto.Tx, height int, expected, minted int64) PayeeCheck {
	return PayeeCheck{
		Height:     height,
		PayeeValid: r.Votes.IsBlockPayeeValid(tx, height),
		ValueValid: r.Votes.IsBlockValueValid(height, expected, minted),
		Required:   r.Votes.RequiredPaymentsString(height),
	}
}

// FillBlockPayee adds the service node payment to a block template built
// on the current tip.
func (r *Runner) FillBlockPayee(tx proto.Tx, fees int64, proofOfStake bool) (proto.Tx, error) {
	out := proto.Tx{Outputs: append([]proto.TxOut(nil), tx.Outputs...)}
	if err := r.Votes.FillBlockPayee(&out, fees, proofOfStake); err != nil {
		return proto.Tx{}, err
	}
	return out, nil
}
