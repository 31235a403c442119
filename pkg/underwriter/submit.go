package underwriter

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/contracts"
	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/wallet"
)

// submitHandler drives the submission queue: allowance reservation, call
// encoding and the wallet exchange.
type submitHandler Underwriter

// HandleOrder implements the queue.Handler interface.
func (h *submitHandler) HandleOrder(ctx context.Context, order *UnderwriteOrder, retryCount int) (*UnderwriteResult, error) {
	u := (*Underwriter)(h)

	if !order.allowanceRegistered {
		u.approvals.UpdateAllowances(order)
		order.allowanceRegistered = true
	}

	// The race may have been lost between evaluation and submission.
	state, err := u.store.GetActiveUnderwriteState(order.Swap.SwapDescription)
	if err != nil {
		return nil, fmt.Errorf("%w: underwrite lookup: %w", ErrUpstream, err)
	}
	if state != nil {
		return nil, fmt.Errorf("%w: underwritten by %s while queued",
			ErrValidation, state.Underwriter.Hex())
	}

	data, err := contracts.PackUnderwrite(order.Args)
	if err != nil {
		return nil, fmt.Errorf("%w: underwrite encoding: %w", ErrValidation, err)
	}
	to := order.Interface
	reply, err := u.courier.Send(ctx, &wallet.Request{
		TxRequest: wallet.TransactionRequest{
			To:    &to,
			Value: order.Collateral.ToBig(),
			Data:  data,
		},
		Metadata: order,
		Options:  wallet.RequestOptions{Deadline: order.Deadline},
	})
	if err != nil {
		return nil, fmt.Errorf("underwrite submission aborted: %w", err)
	}
	if reply.SubmissionError != nil {
		return nil, fmt.Errorf("underwrite submission failed: %w", reply.SubmissionError)
	}
	if reply.ConfirmationError != nil {
		return nil, fmt.Errorf("underwrite confirmation failed: %w", reply.ConfirmationError)
	}
	return &UnderwriteResult{Tx: reply.Tx, Receipt: reply.Receipt}, nil
}

// HandleFailedOrder implements the queue.Handler interface. The wallet
// already retries broadcasts internally, a failure surfacing here is final.
func (h *submitHandler) HandleFailedOrder(order *UnderwriteOrder, retryCount int, err error) bool {
	return false
}

// OnOrderCompletion implements the queue.Handler interface. It settles the
// order's allowance reservation: consumed on success, released on failure.
func (h *submitHandler) OnOrderCompletion(order *UnderwriteOrder, success bool, result *UnderwriteResult, retryCount int) {
	u := (*Underwriter)(h)
	if !order.allowanceRegistered {
		return
	}
	if success {
		u.approvals.RegisterAllowanceUse(order.Interface, order.Args.ToAsset, order.ToAssetAllowance)
		return
	}
	u.approvals.RegisterRequiredAllowanceDecrease(order.Interface, order.Args.ToAsset, order.ToAssetAllowance)
	u.log.Debug("released allowance reservation",
		zap.String("underwriteId", order.Swap.UnderwriteID.Hex()),
		zap.String("amount", order.ToAssetAllowance.Dec()))
}
