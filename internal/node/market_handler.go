// Package node - Market protocol message handler: PubSub announcements
// plus the encrypted gossip fallback for point-to-point market messages.
package node

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/klingon-exchange/klingdex/pkg/logging"
)

// PubSub topics for market protocol messages.
const (
	// MarketTopic is for public gossip: unsigned order summaries replayed
	// from an orderbook sync, useful for discovery without a direct
	// connection yet.
	MarketTopic = "/klingon/market/1.0.0"

	// MarketEncryptedTopic is for encrypted point-to-point market
	// messages (MATCH, PROPOSED_TRADE, WALLET_INFO, PAYMENT, ...),
	// broadcast via gossip but readable only by the intended recipient.
	// This is the fallback path when a direct stream cannot be opened.
	MarketEncryptedTopic = "/klingon/market/encrypted/1.0.0"

	// Note: MarketDirectProtocol is defined in stream_handler.go
)

// RoutedMessage is the transport envelope carrying one market protocol
// frame, reliably delivered either via direct stream or the encrypted
// gossip fallback. Payload holds the market.Envelope for Type, encoded
// as JSON.
type RoutedMessage struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	FromPeer  string          `json:"from_peer"`
	Timestamp int64           `json:"timestamp"`

	// Delivery guarantee fields (for direct P2P messaging).
	MessageID     string `json:"message_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	SequenceNum   uint64 `json:"sequence_num,omitempty"`
	RequiresAck   bool   `json:"requires_ack,omitempty"`
	Deadline      int64  `json:"deadline,omitempty"`
}

// AckPayload is the acknowledgment message payload.
type AckPayload struct {
	MessageID   string `json:"message_id"`
	SequenceNum uint64 `json:"sequence_num"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}

// MarketEnvelopeType is the single RoutedMessage.Type value carrying a
// market protocol frame; the wire tag travels inside the envelope so the
// transport layer never needs to learn the set of market tags.
const MarketEnvelopeType = "market_envelope"

// MarketMsgAck is the acknowledgment message type.
const MarketMsgAck = "ack"

// RoutedMessageHandler handles an incoming routed message.
type RoutedMessageHandler func(ctx context.Context, msg *RoutedMessage) error

// MarketHandler manages market-protocol PubSub messaging: the public
// announcement topic plus the encrypted fallback topic for messages that
// could not be delivered via direct stream.
type MarketHandler struct {
	node *Node
	log  *logging.Logger

	// Public topic for order summary announcements.
	topic *pubsub.Topic
	sub   *pubsub.Subscription

	// Encrypted topic for private market messages.
	encryptedTopic *pubsub.Topic
	encryptedSub   *pubsub.Subscription
	encryptor      *MessageEncryptor

	handlers map[string]RoutedMessageHandler
	mu       sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewMarketHandler creates a new market protocol handler.
func NewMarketHandler(n *Node) (*MarketHandler, error) {
	ctx, cancel := context.WithCancel(context.Background())

	h := &MarketHandler{
		node:     n,
		log:      logging.GetDefault().Component("market-handler"),
		handlers: make(map[string]RoutedMessageHandler),
		ctx:      ctx,
		cancel:   cancel,
	}

	return h, nil
}

// Start starts the market handler and joins the market topics.
func (h *MarketHandler) Start() error {
	if h.node.pubsub == nil {
		return fmt.Errorf("pubsub not initialized")
	}

	// Join the public market topic (for order summary announcements).
	topic, err := h.node.pubsub.Join(MarketTopic)
	if err != nil {
		return fmt.Errorf("failed to join market topic: %w", err)
	}
	h.topic = topic

	sub, err := topic.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to market topic: %w", err)
	}
	h.sub = sub

	// Join the encrypted market topic (for private protocol messages).
	encTopic, err := h.node.pubsub.Join(MarketEncryptedTopic)
	if err != nil {
		return fmt.Errorf("failed to join encrypted market topic: %w", err)
	}
	h.encryptedTopic = encTopic

	encSub, err := encTopic.Subscribe()
	if err != nil {
		return fmt.Errorf("failed to subscribe to encrypted market topic: %w", err)
	}
	h.encryptedSub = encSub

	privKey := h.node.Host().Peerstore().PrivKey(h.node.ID())
	if privKey != nil {
		enc, err := NewMessageEncryptor(privKey, h.node.ID())
		if err != nil {
			h.log.Warn("Failed to create encryptor", "error", err)
		} else {
			h.encryptor = enc
		}
	}

	go h.processMessages()
	go h.processEncryptedMessages()

	h.log.Info("Market handler started",
		"public_topic", MarketTopic,
		"encrypted_topic", MarketEncryptedTopic)
	return nil
}

// GetEncryptedTopic returns the encrypted topic for direct publishing.
func (h *MarketHandler) GetEncryptedTopic() *pubsub.Topic {
	return h.encryptedTopic
}

// Stop stops the market handler.
func (h *MarketHandler) Stop() error {
	h.cancel()

	if h.sub != nil {
		h.sub.Cancel()
	}
	if h.topic != nil {
		h.topic.Close()
	}
	if h.encryptedSub != nil {
		h.encryptedSub.Cancel()
	}
	if h.encryptedTopic != nil {
		h.encryptedTopic.Close()
	}

	h.log.Info("Market handler stopped")
	return nil
}

// OnMessage registers a handler for a specific RoutedMessage type.
func (h *MarketHandler) OnMessage(msgType string, handler RoutedMessageHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[msgType] = handler
}

// Announce publishes a plain JSON payload (typically a tick summary) to
// the public market topic, for discovery by peers without a direct
// connection yet.
func (h *MarketHandler) Announce(ctx context.Context, payload interface{}) error {
	if h.topic == nil {
		return fmt.Errorf("not connected to market topic")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal announcement: %w", err)
	}

	if err := h.topic.Publish(ctx, data); err != nil {
		return fmt.Errorf("failed to publish announcement: %w", err)
	}

	h.log.Debug("Sent market announcement", "bytes", len(data))
	return nil
}

// processMessages processes incoming public announcements, dispatching
// each decoded RoutedMessage to its registered handler the same way the
// encrypted fallback path does (minus decryption and acking: this topic
// is public, so anything published here is already plaintext).
func (h *MarketHandler) processMessages() {
	for {
		msg, err := h.sub.Next(h.ctx)
		if err != nil {
			if h.ctx.Err() != nil {
				return
			}
			h.log.Warn("Error receiving message", "error", err)
			continue
		}

		if msg.ReceivedFrom == h.node.ID() {
			continue
		}

		h.log.Debug("Received market announcement", "from", shortPeerID(msg.ReceivedFrom), "bytes", len(msg.Data))

		var routed RoutedMessage
		if err := json.Unmarshal(msg.Data, &routed); err != nil {
			h.log.Debug("Failed to parse market announcement", "error", err)
			continue
		}
		routed.FromPeer = msg.ReceivedFrom.String()

		h.mu.RLock()
		handler, ok := h.handlers[routed.Type]
		h.mu.RUnlock()
		if !ok {
			continue
		}

		go func(r RoutedMessage) {
			if err := handler(h.ctx, &r); err != nil {
				h.log.Warn("Error handling market announcement", "type", r.Type, "error", err)
			}
		}(routed)
	}
}

// processEncryptedMessages processes incoming encrypted market messages.
// These are messages encrypted with our public key, broadcast via PubSub
// gossip.
func (h *MarketHandler) processEncryptedMessages() {
	for {
		msg, err := h.encryptedSub.Next(h.ctx)
		if err != nil {
			if h.ctx.Err() != nil {
				return
			}
			h.log.Warn("Error receiving encrypted message", "error", err)
			continue
		}

		if msg.ReceivedFrom == h.node.ID() {
			continue
		}

		var envelope EncryptedEnvelope
		if err := json.Unmarshal(msg.Data, &envelope); err != nil {
			h.log.Debug("Failed to parse encrypted envelope", "error", err)
			continue
		}

		if h.encryptor == nil || !h.encryptor.IsForUs(&envelope) {
			// Not for us; every peer receives all gossip.
			continue
		}

		routed, err := h.encryptor.Decrypt(&envelope)
		if err != nil {
			h.log.Warn("Failed to decrypt message", "error", err, "from", envelope.SenderPeerID[:12])
			continue
		}

		h.log.Debug("Received encrypted market message",
			"type", routed.Type,
			"correlation_id", routed.CorrelationID,
			"message_id", routed.MessageID,
			"from", envelope.SenderPeerID[:12])

		h.mu.RLock()
		handler, ok := h.handlers[routed.Type]
		h.mu.RUnlock()

		if !ok {
			h.log.Debug("No handler for encrypted message type", "type", routed.Type)
			continue
		}

		go func(env EncryptedEnvelope, r *RoutedMessage) {
			if err := handler(h.ctx, r); err != nil {
				h.log.Warn("Error handling encrypted message", "type", r.Type, "error", err)
				if r.RequiresAck {
					h.sendEncryptedAck(env.SenderPeerID, r.MessageID, r.SequenceNum, false, err.Error())
				}
				return
			}

			if r.RequiresAck {
				h.sendEncryptedAck(env.SenderPeerID, r.MessageID, r.SequenceNum, true, "")
			}
		}(envelope, routed)
	}
}

// sendEncryptedAck sends an encrypted ACK back to the sender via PubSub.
func (h *MarketHandler) sendEncryptedAck(senderPeerIDStr string, messageID string, seq uint64, success bool, errMsg string) {
	if h.encryptor == nil || h.encryptedTopic == nil {
		return
	}

	senderPeerID, err := peer.Decode(senderPeerIDStr)
	if err != nil {
		h.log.Warn("Invalid sender peer ID for ACK", "peer", senderPeerIDStr)
		return
	}

	ackPayload := AckPayload{
		MessageID:   messageID,
		SequenceNum: seq,
		Success:     success,
		Error:       errMsg,
	}

	payloadBytes, err := json.Marshal(ackPayload)
	if err != nil {
		h.log.Warn("Failed to marshal ACK payload", "error", err)
		return
	}

	ackMsg := &RoutedMessage{
		Type:      MarketMsgAck,
		Payload:   payloadBytes,
		FromPeer:  h.node.ID().String(),
		MessageID: messageID,
	}

	envelope, err := h.encryptor.Encrypt(senderPeerID, ackMsg)
	if err != nil {
		h.log.Warn("Failed to encrypt ACK", "error", err)
		return
	}

	envelopeBytes, err := json.Marshal(envelope)
	if err != nil {
		h.log.Warn("Failed to marshal ACK envelope", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(h.ctx, 10*time.Second)
	defer cancel()

	if err := h.encryptedTopic.Publish(ctx, envelopeBytes); err != nil {
		h.log.Warn("Failed to publish ACK", "error", err)
	}

	h.log.Debug("Sent encrypted ACK", "message_id", messageID, "success", success)
}

func shortPeerID(p peer.ID) string {
	s := p.String()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
