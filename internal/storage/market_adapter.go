package storage

import "github.com/klingon-exchange/klingdex/internal/market"

// TransactionRecorder adapts Storage to market.TransactionRecorder,
// durably persisting settlement transactions and their payment legs when
// a Community's record_transactions config flag is set. Without it
// attached, settlement state lives only in Community's in-memory map and
// does not survive a restart.
type TransactionRecorder struct {
	store *Storage
}

// NewTransactionRecorder wraps store as a market.TransactionRecorder.
func NewTransactionRecorder(store *Storage) *TransactionRecorder {
	return &TransactionRecorder{store: store}
}

// SaveTransaction creates the settlement row on first sight of a
// transaction id, then keeps its status and transferred amounts current
// on every later call.
func (r *TransactionRecorder) SaveTransaction(snap market.TransactionSnapshot) error {
	id := snap.Id.String()

	existing, err := r.store.GetTransaction(id)
	if err != nil {
		return err
	}
	if existing == nil {
		if err := r.store.CreateTransaction(&TransactionRecord{
			TransactionID:     id,
			OrderID:           snap.OrderId.String(),
			PartnerOrderID:    snap.PartnerOrder.String(),
			BaseAsset:         snap.Assets.First.Tag,
			AgreedBaseAmount:  snap.Assets.First.Count,
			AgreedQuoteAmount: snap.Assets.Second.Count,
			Status:            snap.Status.String(),
		}); err != nil {
			return err
		}
	}

	if err := r.store.UpdateTransactionStatus(id, snap.Status.String()); err != nil {
		return err
	}
	return r.store.UpdateTransactionTransferred(id, snap.Transferred.First.Count, snap.Transferred.Second.Count)
}

// RecordPayment appends one payment leg against txId.
func (r *TransactionRecorder) RecordPayment(txId market.TransactionId, p market.Payment) error {
	return r.store.RecordPayment(&PaymentRecord{
		TransactionID: txId.String(),
		PaymentID:     p.PaymentId,
		Asset:         p.Transferred.Tag,
		Amount:        p.Transferred.Count,
		Success:       p.Success,
	})
}
