package underwriter

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/contracts"
	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/wallet"
)

// ApprovalHandler owns the allowance ledger for one chain: per (interface,
// asset), the allowance required by pending underwrites and the allowance
// last written on-chain. Whenever the two diverge it issues an ERC-20 approve
// through the wallet. The required map's key set always covers the set map's,
// so reconciliation walks every pending decrement.
type ApprovalHandler struct {
	courier *wallet.Courier
	log     *zap.Logger

	mtx      sync.Mutex
	required map[common.Address]map[common.Address]*uint256.Int
	set      map[common.Address]map[common.Address]*uint256.Int
}

// NewApprovalHandler creates an empty ledger submitting through the courier.
func NewApprovalHandler(courier *wallet.Courier, log *zap.Logger) *ApprovalHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ApprovalHandler{
		courier:  courier,
		log:      log.With(zap.String("service", "approvals")),
		required: make(map[common.Address]map[common.Address]*uint256.Int),
		set:      make(map[common.Address]map[common.Address]*uint256.Int),
	}
}

// UpdateAllowances registers the orders' allowance requirements and
// reconciles the on-chain approvals. Approve transactions are dispatched
// before the caller's own submission through the same wallet, which orders
// their nonces ahead of the underwrite.
func (h *ApprovalHandler) UpdateAllowances(orders ...*UnderwriteOrder) {
	h.mtx.Lock()
	for _, order := range orders {
		add(h.required, order.Interface, order.Args.ToAsset, order.ToAssetAllowance)
	}
	h.mtx.Unlock()
	h.setAllowances()
}

// RegisterRequiredAllowanceDecrease drops an order's reservation after it was
// cancelled before submission. The on-chain approval is corrected on the next
// reconciliation.
func (h *ApprovalHandler) RegisterRequiredAllowanceDecrease(iface, asset common.Address, amount *uint256.Int) {
	h.mtx.Lock()
	sub(h.required, iface, asset, amount)
	h.mtx.Unlock()
}

// RegisterAllowanceUse records the allowance consumed by a successful
// underwrite: both ledgers decrease, so the next reconciliation does not
// issue a redundant approval. Any remaining over-approval from the buffer is
// left hanging for later orders on the same asset.
func (h *ApprovalHandler) RegisterAllowanceUse(iface, asset common.Address, amount *uint256.Int) {
	h.mtx.Lock()
	sub(h.required, iface, asset, amount)
	sub(h.set, iface, asset, amount)
	h.mtx.Unlock()
}

// RequiredAllowance returns the currently reserved allowance for one pair.
func (h *ApprovalHandler) RequiredAllowance(iface, asset common.Address) *uint256.Int {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return lookup(h.required, iface, asset)
}

// SetAllowance returns the allowance the ledger believes is on-chain.
func (h *ApprovalHandler) SetAllowance(iface, asset common.Address) *uint256.Int {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return lookup(h.set, iface, asset)
}

type approval struct {
	iface  common.Address
	asset  common.Address
	target *uint256.Int
	prev   *uint256.Int
}

// setAllowances reconciles set with required. The ledger is updated
// optimistically before the approve is dispatched; a failed approve rolls its
// delta back so the next reconciliation retries it.
func (h *ApprovalHandler) setAllowances() {
	var pending []approval
	h.mtx.Lock()
	for iface, assets := range h.required {
		for asset, req := range assets {
			cur := lookup(h.set, iface, asset)
			if req.Eq(cur) {
				continue
			}
			put(h.set, iface, asset, req.Clone())
			pending = append(pending, approval{
				iface:  iface,
				asset:  asset,
				target: req.Clone(),
				prev:   cur,
			})
		}
	}
	h.mtx.Unlock()

	for _, a := range pending {
		h.approve(a)
	}
}

// approve hands the approve transaction to the wallet synchronously, so a
// caller submitting its own transaction right after is ordered behind it.
// The reply is collected in the background.
func (h *ApprovalHandler) approve(a approval) {
	log := h.log.With(
		zap.String("interface", a.iface.Hex()),
		zap.String("asset", a.asset.Hex()),
		zap.String("amount", a.target.Dec()))

	data, err := contracts.PackApprove(a.iface, a.target)
	if err != nil {
		log.Error("failed to encode approve call", zap.Error(err))
		h.rollback(a)
		return
	}
	asset := a.asset
	replies, err := h.courier.SendAsync(&wallet.Request{
		TxRequest: wallet.TransactionRequest{
			To:    &asset,
			Value: big.NewInt(0),
			Data:  data,
		},
		// Order among approvals is not preserved across failure, a nonce
		// conflict must not re-issue this approval out of ledger order.
		Options: wallet.RequestOptions{DisableRetryOnNonceError: true},
	})
	if err != nil {
		log.Warn("approve submission aborted", zap.Error(err))
		h.rollback(a)
		return
	}
	go func() {
		reply := <-replies
		switch {
		case reply.SubmissionError != nil:
			log.Warn("approve submission failed", zap.Error(reply.SubmissionError))
			h.rollback(a)
		case reply.ConfirmationError != nil:
			log.Warn("approve confirmation failed", zap.Error(reply.ConfirmationError))
			h.rollback(a)
		default:
			log.Info("allowance set", zap.String("tx", reply.Tx.Hash().Hex()))
		}
	}()
}

// rollback reverts the optimistic set update by the approval's delta. The
// current value may have moved since, so the delta is applied relative to it
// rather than restored absolutely.
func (h *ApprovalHandler) rollback(a approval) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if a.target.Gt(a.prev) {
		sub(h.set, a.iface, a.asset, new(uint256.Int).Sub(a.target, a.prev))
	} else {
		add(h.set, a.iface, a.asset, new(uint256.Int).Sub(a.prev, a.target))
	}
}

func lookup(m map[common.Address]map[common.Address]*uint256.Int, iface, asset common.Address) *uint256.Int {
	if v, ok := m[iface][asset]; ok {
		return v.Clone()
	}
	return uint256.NewInt(0)
}

func put(m map[common.Address]map[common.Address]*uint256.Int, iface, asset common.Address, v *uint256.Int) {
	assets, ok := m[iface]
	if !ok {
		assets = make(map[common.Address]*uint256.Int)
		m[iface] = assets
	}
	assets[asset] = v
}

func add(m map[common.Address]map[common.Address]*uint256.Int, iface, asset common.Address, amount *uint256.Int) {
	put(m, iface, asset, new(uint256.Int).Add(lookup(m, iface, asset), amount))
}

// sub decreases an entry, saturating at zero to keep the ledger non-negative.
func sub(m map[common.Address]map[common.Address]*uint256.Int, iface, asset common.Address, amount *uint256.Int) {
	cur := lookup(m, iface, asset)
	if amount.Gt(cur) {
		put(m, iface, asset, uint256.NewInt(0))
		return
	}
	put(m, iface, asset, cur.Sub(cur, amount))
}
