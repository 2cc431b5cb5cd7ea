package market

import "encoding/json"

// MessageTag identifies the wire frame kind: every inbound message is a
// tagged frame (tag, signed-sender-key, payload) per spec §6.
type MessageTag uint8

const (
	TagMatch          MessageTag = 7
	TagMatchDecline   MessageTag = 9
	TagProposedTrade  MessageTag = 10
	TagDeclinedTrade  MessageTag = 11
	TagCounterTrade   MessageTag = 12
	TagStartTx        MessageTag = 13
	TagWalletInfo     MessageTag = 14
	TagPayment        MessageTag = 15
	TagOrderQuery     MessageTag = 16
	TagOrderResponse  MessageTag = 17
	TagBookSync       MessageTag = 19
	TagPing           MessageTag = 20
	TagPong           MessageTag = 21
	TagMatchDone      MessageTag = 22
)

// DeclinedTradeReason is the DECLINED_TRADE wire code.
type DeclinedTradeReason uint8

const (
	DeclineOrderInvalid DeclinedTradeReason = iota
	DeclineOrderCompleted
	DeclineOrderExpired
	DeclineOrderCancelled
	DeclineOrderReserved
	DeclineUnacceptablePrice
	DeclineNoAvailableQuantity
	DeclineAddressLookupFail
	DeclineOther
)

func (r DeclinedTradeReason) String() string {
	switch r {
	case DeclineOrderInvalid:
		return "ORDER_INVALID"
	case DeclineOrderCompleted:
		return "ORDER_COMPLETED"
	case DeclineOrderExpired:
		return "ORDER_EXPIRED"
	case DeclineOrderCancelled:
		return "ORDER_CANCELLED"
	case DeclineOrderReserved:
		return "ORDER_RESERVED"
	case DeclineUnacceptablePrice:
		return "UNACCEPTABLE_PRICE"
	case DeclineNoAvailableQuantity:
		return "NO_AVAILABLE_QUANTITY"
	case DeclineAddressLookupFail:
		return "ADDRESS_LOOKUP_FAIL"
	default:
		return "OTHER"
	}
}

// TickSnapshot is the order summary carried inside a MATCH message.
type TickSnapshot struct {
	OrderId   OrderId
	Assets    AssetPair
	IsAsk     bool
	TimeoutMs int64
	Timestamp Timestamp
}

// MatchMessage is tag 7.
type MatchMessage struct {
	SenderTraderId     TraderId
	Timestamp          Timestamp
	Tick               TickSnapshot
	RecipientOrderNum  OrderNumber
	MatchedTraderId    TraderId
	MatchmakerTraderId TraderId
}

// MatchDeclineMessage is tag 9.
type MatchDeclineMessage struct {
	TraderId      TraderId
	Timestamp     Timestamp
	OrderNumber   OrderNumber
	OtherOrderId  OrderId
	DeclineReason MatchDeclineReason
}

// ProposedTradeMessage is tags 10 (PROPOSED_TRADE) and 12 (COUNTER_TRADE,
// same shape).
type ProposedTradeMessage struct {
	SenderTraderId  TraderId
	Timestamp       Timestamp
	ProposalId      ProposalId
	OrderId         OrderId
	RecipientOrder  OrderId
	Assets          AssetPair
}

// DeclinedTradeMessage is tag 11.
type DeclinedTradeMessage struct {
	TraderId       TraderId
	Timestamp      Timestamp
	ProposalId     ProposalId
	OrderId        OrderId
	RecipientOrder OrderId
	DeclineReason  DeclinedTradeReason
}

// StartTxMessage is tag 13.
type StartTxMessage struct {
	TraderId      TraderId
	Timestamp     Timestamp
	TransactionId TransactionId
	OrderId       OrderId
	PartnerOrder  OrderId
	ProposalId    ProposalId
	Assets        AssetPair
}

// WalletInfoMessage is tag 14.
type WalletInfoMessage struct {
	TraderId        TraderId
	Timestamp       Timestamp
	TransactionId   TransactionId
	IncomingAddress string
	OutgoingAddress string
}

// PaymentMessage is tag 15.
type PaymentMessage struct {
	TraderId      TraderId
	Timestamp     Timestamp
	TransactionId TransactionId
	PaymentId     string
	Transferred   AssetAmount
	Success       bool
}

// OrderQueryMessage is tag 16.
type OrderQueryMessage struct {
	TraderId   TraderId
	Timestamp  Timestamp
	OrderId    OrderId
	Identifier uint32
}

// OrderResponseMessage is tag 17.
type OrderResponseMessage struct {
	Snapshot   Snapshot
	Identifier uint32
}

// BookSyncMessage is tag 19. MembershipFilter is the serialized Bloom
// filter bytes (see ordersync.go).
type BookSyncMessage struct {
	TraderId         TraderId
	Timestamp        Timestamp
	MembershipFilter []byte
}

// PingMessage is tags 20 (PING) and 21 (PONG, same shape).
type PingMessage struct {
	TraderId   TraderId
	Timestamp  Timestamp
	Identifier uint32
}

// MatchDoneMessage is tag 22: the co-signed block pair for a completed
// transaction, forwarded to every matchmaker that announced the
// counterparty.
type MatchDoneMessage struct {
	OrderBlockHash    string
	PartnerBlockHash  string
}

// EncodePayload serializes a typed message struct for the envelope
// payload, matching the plain JSON framing used elsewhere on the wire.
func EncodePayload(msg interface{}) ([]byte, error) {
	return json.Marshal(msg)
}

func decodeMatch(payload []byte) (MatchMessage, error) {
	var msg MatchMessage
	err := json.Unmarshal(payload, &msg)
	return msg, err
}

func decodeMatchDecline(payload []byte) (MatchDeclineMessage, error) {
	var msg MatchDeclineMessage
	err := json.Unmarshal(payload, &msg)
	return msg, err
}

func decodeProposedTrade(payload []byte) (ProposedTradeMessage, error) {
	var msg ProposedTradeMessage
	err := json.Unmarshal(payload, &msg)
	return msg, err
}

func decodeDeclinedTrade(payload []byte) (DeclinedTradeMessage, error) {
	var msg DeclinedTradeMessage
	err := json.Unmarshal(payload, &msg)
	return msg, err
}

func decodeWalletInfo(payload []byte) (WalletInfoMessage, error) {
	var msg WalletInfoMessage
	err := json.Unmarshal(payload, &msg)
	return msg, err
}

func decodePayment(payload []byte) (PaymentMessage, error) {
	var msg PaymentMessage
	err := json.Unmarshal(payload, &msg)
	return msg, err
}

func decodeOrderQuery(payload []byte) (OrderQueryMessage, error) {
	var msg OrderQueryMessage
	err := json.Unmarshal(payload, &msg)
	return msg, err
}

func decodeOrderResponse(payload []byte) (OrderResponseMessage, error) {
	var msg OrderResponseMessage
	err := json.Unmarshal(payload, &msg)
	return msg, err
}

func decodeBookSync(payload []byte) (BookSyncMessage, error) {
	var msg BookSyncMessage
	err := json.Unmarshal(payload, &msg)
	return msg, err
}

func decodePing(payload []byte) (PingMessage, error) {
	var msg PingMessage
	err := json.Unmarshal(payload, &msg)
	return msg, err
}
