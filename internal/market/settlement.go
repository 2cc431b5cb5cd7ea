package market

import (
	"fmt"
	"sync"
)

// TransactionStatus is the settlement lifecycle stage.
type TransactionStatus int

const (
	TxPending TransactionStatus = iota
	TxWalletInfoExchanged
	TxPaying
	TxCompleted
	TxAborted
)

func (s TransactionStatus) String() string {
	switch s {
	case TxPending:
		return "pending"
	case TxWalletInfoExchanged:
		return "wallet_info_exchanged"
	case TxPaying:
		return "paying"
	case TxCompleted:
		return "completed"
	case TxAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Payment is one ledger-level transfer attempt within a Transaction.
type Payment struct {
	PaymentId   string
	Transferred AssetAmount
	Success     bool
}

// Transaction is the bilateral settlement record of spec §3.
type Transaction struct {
	mu sync.Mutex

	id           TransactionId
	orderId      OrderId
	partnerOrder OrderId
	assets       AssetPair
	transferred  AssetPair
	payments     []Payment

	incomingAddress        string
	outgoingAddress        string
	partnerIncomingAddress string
	partnerOutgoingAddress string
	sentWalletInfo         bool
	receivedWalletInfo     bool

	status TransactionStatus
}

// NewTransaction constructs a pending Transaction for the agreed assets.
func NewTransaction(id TransactionId, orderId, partnerOrder OrderId, assets AssetPair) *Transaction {
	zero := AssetPair{
		First:  AssetAmount{Tag: assets.First.Tag},
		Second: AssetAmount{Tag: assets.Second.Tag},
	}
	return &Transaction{
		id:           id,
		orderId:      orderId,
		partnerOrder: partnerOrder,
		assets:       assets,
		transferred:  zero,
		status:       TxPending,
	}
}

// ID returns the transaction's identifier.
func (t *Transaction) ID() TransactionId {
	return t.id
}

// Status returns the transaction's current stage.
func (t *Transaction) Status() TransactionStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// SetWalletInfo records local wallet addresses and marks sentWalletInfo.
func (t *Transaction) SetWalletInfo(incoming, outgoing string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.incomingAddress = incoming
	t.outgoingAddress = outgoing
	t.sentWalletInfo = true
	t.advanceWalletInfoLocked()
}

// ReceiveWalletInfo records the counterparty's addresses. It returns true
// if this side still needs to reply with its own wallet info (i.e. it
// has not yet sent), per spec §4.5 step 4's ping-pong guard.
func (t *Transaction) ReceiveWalletInfo(incoming, outgoing string) (needsReply bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.partnerIncomingAddress = incoming
	t.partnerOutgoingAddress = outgoing
	t.receivedWalletInfo = true
	t.advanceWalletInfoLocked()
	return !t.sentWalletInfo
}

func (t *Transaction) advanceWalletInfoLocked() {
	if t.sentWalletInfo && t.receivedWalletInfo && t.status == TxPending {
		t.status = TxWalletInfoExchanged
	}
}

// ReadyToPay reports whether both sides' wallet info has been exchanged.
func (t *Transaction) ReadyToPay() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sentWalletInfo && t.receivedWalletInfo
}

// NextPayment computes the next chunk to transfer for the leg this side
// pays: the ask side pays its base-asset leg, the bid side its
// quote-asset leg. The chunk is always the entire remaining leg; no
// smaller incremental chunk is produced. Returns zero if the leg is
// already fully transferred.
func (t *Transaction) NextPayment(isAsk bool) (AssetAmount, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if isAsk {
		remaining, err := t.assets.First.Sub(t.transferred.First)
		if err != nil {
			return AssetAmount{}, err
		}
		return remaining, nil
	}
	remaining, err := t.assets.Second.Sub(t.transferred.Second)
	if err != nil {
		return AssetAmount{}, err
	}
	return remaining, nil
}

// RecordPayment appends a Payment and, on success, advances transferred.
// It enforces transferred <= assets per leg.
func (t *Transaction) RecordPayment(isAsk bool, p Payment) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.payments = append(t.payments, p)
	if !p.Success {
		t.status = TxAborted
		return nil
	}

	if isAsk {
		updated, err := t.transferred.First.Add(p.Transferred)
		if err != nil {
			return err
		}
		if updated.Count > t.assets.First.Count {
			return fmt.Errorf("%w: leg %s", ErrPaymentExceedsAssets, t.assets.First.Tag)
		}
		t.transferred.First = updated
	} else {
		updated, err := t.transferred.Second.Add(p.Transferred)
		if err != nil {
			return err
		}
		if updated.Count > t.assets.Second.Count {
			return fmt.Errorf("%w: leg %s", ErrPaymentExceedsAssets, t.assets.Second.Tag)
		}
		t.transferred.Second = updated
	}

	t.status = TxPaying
	if t.transferred.First.Count == t.assets.First.Count && t.transferred.Second.Count == t.assets.Second.Count {
		t.status = TxCompleted
	}
	return nil
}

// Complete reports whether transferred equals assets on both legs.
func (t *Transaction) Complete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transferred.First.Count == t.assets.First.Count && t.transferred.Second.Count == t.assets.Second.Count
}

// Abort marks the transaction aborted and returns the untransferred
// remainder on each leg, which the caller releases from the relevant
// order's reservation.
func (t *Transaction) Abort() (remainingBase, remainingQuote AssetAmount) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = TxAborted
	rb, _ := t.assets.First.Sub(t.transferred.First)
	rq, _ := t.assets.Second.Sub(t.transferred.Second)
	return rb, rq
}

// Snapshot captures immutable settlement bookkeeping for persistence or
// the tx_done block payload.
type TransactionSnapshot struct {
	Id           TransactionId
	OrderId      OrderId
	PartnerOrder OrderId
	Assets       AssetPair
	Transferred  AssetPair
	Payments     []Payment
	Status       TransactionStatus
}

// Snapshot returns the transaction's current state.
func (t *Transaction) Snapshot() TransactionSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	payments := make([]Payment, len(t.payments))
	copy(payments, t.payments)
	return TransactionSnapshot{
		Id:           t.id,
		OrderId:      t.orderId,
		PartnerOrder: t.partnerOrder,
		Assets:       t.assets,
		Transferred:  t.transferred,
		Payments:     payments,
		Status:       t.status,
	}
}

// SettlementHost is everything the settlement protocol driver needs from
// its owning community.
type SettlementHost interface {
	Order(id OrderId) *Order
	Self() TraderId
	NextTransactionNumber() TransactionNumber
	FetchOrderStatus(peer TraderId, orderId OrderId) (Snapshot, error)
	SignTxInit(local, remote Snapshot, tx TransactionSnapshot) (ownBlockHash string, counterBlockHash string, err error)
	SignTxDone(local, remote Snapshot, tx TransactionSnapshot) (ownBlockHash string, counterBlockHash string, err error)
	SendWalletInfo(peer TraderId, msg WalletInfoMessage)
	Wallet(assetTag string) (Wallet, error)
	SendPayment(peer TraderId, msg PaymentMessage)
	NotifyMatchmakers(localOrderId, counterOrderId OrderId, orderBlockHash, partnerBlockHash string)
	UseIncrementalPayments() bool
	RecordTransactions() bool
	PersistTransaction(snap TransactionSnapshot)
	PersistPayment(txId TransactionId, p Payment)
}

// TransactionRecorder is the optional durable-storage capability behind
// SettlementHost.PersistTransaction/PersistPayment, gated by the
// record_transactions config flag. A Community with no recorder attached
// keeps settlement state in memory only.
type TransactionRecorder interface {
	SaveTransaction(snap TransactionSnapshot) error
	RecordPayment(txId TransactionId, p Payment) error
}

// Wallet is the narrow external capability settlement uses to move
// assets, per spec §6. Core never touches wallet internals beyond these
// methods; it resolves the correct wallet by asset tag.
type Wallet interface {
	GetAddress() (string, error)
	Transfer(amount uint64, destAddress string) (paymentId string, err error)
	MonitorTransaction(paymentId string) error
	MinUnit() uint64
	Precision() int
}

// SettlementDriver advances one Transaction through the protocol in
// spec §4.5. It is an explicit state machine, not a chain of implicit
// callbacks, so cancellation at any step only needs to release the
// transaction's remaining reservation.
type SettlementDriver struct {
	host SettlementHost
	tx   *Transaction

	localOrderId   OrderId
	counterOrderId OrderId
	counterTrader  TraderId
	isAsk          bool
	initiator      bool
}

// NewSettlementDriver constructs a driver for a freshly accepted trade.
func NewSettlementDriver(host SettlementHost, tx *Transaction, localOrderId, counterOrderId OrderId, isAsk, initiator bool) *SettlementDriver {
	return &SettlementDriver{
		host:           host,
		tx:             tx,
		localOrderId:   localOrderId,
		counterOrderId: counterOrderId,
		counterTrader:  counterOrderId.TraderId,
		isAsk:          isAsk,
		initiator:      initiator,
	}
}

// SendWalletInfo sends this side's wallet addresses for the transaction's
// two legs, resolving the relevant wallets by asset tag.
func (d *SettlementDriver) SendWalletInfo() error {
	assets := d.tx.Snapshot().Assets
	baseWallet, err := d.host.Wallet(assets.First.Tag)
	if err != nil {
		return err
	}
	quoteWallet, err := d.host.Wallet(assets.Second.Tag)
	if err != nil {
		return err
	}

	var incoming, outgoing string
	if d.isAsk {
		incoming, err = quoteWallet.GetAddress()
		if err != nil {
			return err
		}
		outgoing, err = baseWallet.GetAddress()
	} else {
		incoming, err = baseWallet.GetAddress()
		if err != nil {
			return err
		}
		outgoing, err = quoteWallet.GetAddress()
	}
	if err != nil {
		return err
	}

	d.tx.SetWalletInfo(incoming, outgoing)
	d.host.SendWalletInfo(d.counterTrader, WalletInfoMessage{
		TraderId:      d.host.Self(),
		Timestamp:     Now(),
		TransactionId: d.tx.ID(),
		IncomingAddress: incoming,
		OutgoingAddress: outgoing,
	})
	return nil
}

// ReceiveWalletInfo handles an inbound WALLET_INFO, replying with this
// side's own info if it has not already sent it, then triggers payment
// once both sides have exchanged.
func (d *SettlementDriver) ReceiveWalletInfo(msg WalletInfoMessage) error {
	needsReply := d.tx.ReceiveWalletInfo(msg.IncomingAddress, msg.OutgoingAddress)
	if needsReply {
		if err := d.SendWalletInfo(); err != nil {
			return err
		}
	}
	if d.tx.ReadyToPay() {
		return d.SendNextPayment()
	}
	return nil
}

// SendNextPayment pays this side's leg in one payment of the entire
// remaining amount and reports the outcome via PAYMENT.
// host.UseIncrementalPayments is not consulted.
func (d *SettlementDriver) SendNextPayment() error {
	amount, err := d.tx.NextPayment(d.isAsk)
	if err != nil {
		return err
	}
	if amount.IsZero() {
		return nil
	}

	wallet, err := d.host.Wallet(amount.Tag)
	if err != nil {
		return err
	}

	// The receiving side's incoming address for this leg is whichever
	// address it sent us in WALLET_INFO for the leg it is buying.
	destAddress := d.tx.partnerAddressFor(amount.Tag, d)

	paymentId, transferErr := wallet.Transfer(amount.Count, destAddress)
	success := transferErr == nil
	if !success {
		paymentId = ""
	}

	p := Payment{PaymentId: paymentId, Transferred: amount, Success: success}
	if err := d.tx.RecordPayment(d.isAsk, p); err != nil {
		return err
	}
	d.host.PersistPayment(d.tx.ID(), p)
	d.host.PersistTransaction(d.tx.Snapshot())

	d.host.SendPayment(d.counterTrader, PaymentMessage{
		TraderId:      d.host.Self(),
		Timestamp:     Now(),
		TransactionId: d.tx.ID(),
		PaymentId:     paymentId,
		Transferred:   amount,
		Success:       success,
	})

	if !success {
		d.Abort()
		return nil
	}
	return nil
}

// partnerAddressFor resolves which of the counterparty's two addresses
// should receive a payment of the given asset tag.
func (t *Transaction) partnerAddressFor(tag string, d *SettlementDriver) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tag == t.assets.First.Tag {
		// Base-asset leg: paid by the ask side to the bid side's incoming
		// address (bid receives base).
		if d.isAsk {
			return t.partnerIncomingAddress
		}
		return t.partnerOutgoingAddress
	}
	if d.isAsk {
		return t.partnerOutgoingAddress
	}
	return t.partnerIncomingAddress
}

// ReceivePayment handles an inbound PAYMENT: on success, waits for
// ledger confirmation and advances; on failure, aborts both sides.
func (d *SettlementDriver) ReceivePayment(msg PaymentMessage) error {
	if !msg.Success {
		d.Abort()
		return nil
	}

	wallet, err := d.host.Wallet(msg.Transferred.Tag)
	if err != nil {
		return err
	}
	if err := wallet.MonitorTransaction(msg.PaymentId); err != nil {
		d.Abort()
		return err
	}

	counterIsAsk := !d.isAsk
	counterPayment := Payment{
		PaymentId:   msg.PaymentId,
		Transferred: msg.Transferred,
		Success:     true,
	}
	if err := d.tx.RecordPayment(counterIsAsk, counterPayment); err != nil {
		return err
	}
	d.host.PersistPayment(d.tx.ID(), counterPayment)
	d.host.PersistTransaction(d.tx.Snapshot())

	if d.tx.Complete() {
		return d.FinalizeSettlement()
	}
	return nil
}

// Abort releases the remaining reservation on the local order and marks
// the transaction aborted, per spec §7's wallet/ledger failure path.
func (d *SettlementDriver) Abort() {
	remainingBase, remainingQuote := d.tx.Abort()
	d.host.PersistTransaction(d.tx.Snapshot())
	order := d.host.Order(d.localOrderId)
	if order == nil {
		return
	}
	if d.isAsk {
		_ = order.ReleaseForTick(d.counterOrderId, remainingBase.Count)
	} else {
		// Bid reserved base-asset units, not quote; release the proportional
		// remaining base amount.
		snap := d.tx.Snapshot()
		if snap.Assets.Second.Count > 0 {
			remainingBaseEquivalent := (remainingQuote.Count * snap.Assets.First.Count) / snap.Assets.Second.Count
			_ = order.ReleaseForTick(d.counterOrderId, remainingBaseEquivalent)
		}
	}
}

// FinalizeSettlement implements settlement steps 6-7: co-sign tx_done
// once transferred=assets, then notify every matchmaker that announced
// the counterparty.
func (d *SettlementDriver) FinalizeSettlement() error {
	localOrder := d.host.Order(d.localOrderId)
	if localOrder == nil {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, d.localOrderId)
	}

	remoteSnap, err := d.host.FetchOrderStatus(d.counterTrader, d.counterOrderId)
	if err != nil {
		return err
	}

	txAmount := d.tx.Snapshot().Assets.First.Count
	if err := localOrder.AddTrade(d.counterOrderId, txAmount); err != nil {
		return err
	}

	ownHash, partnerHash, err := d.host.SignTxDone(localOrder.Snapshot(), remoteSnap, d.tx.Snapshot())
	if err != nil {
		return err
	}
	d.host.PersistTransaction(d.tx.Snapshot())

	d.host.NotifyMatchmakers(d.localOrderId, d.counterOrderId, ownHash, partnerHash)
	return nil
}
