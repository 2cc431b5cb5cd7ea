// Package node - bridges the transport layer's libp2p peer identities to
// the market package's TraderId space, and carries market.Envelope frames
// over the existing hybrid direct-stream/encrypted-PubSub delivery path.
package node

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/klingon-exchange/klingdex/internal/market"
	"github.com/klingon-exchange/klingdex/pkg/logging"
)

// TraderIdForKey derives a market.TraderId from a peer's libp2p public
// key: the first 20 bytes of the SHA-256 digest of the marshaled public
// key, analogous to a pubkey-hash address.
func TraderIdForKey(pub crypto.PubKey) (market.TraderId, error) {
	var id market.TraderId
	raw, err := crypto.MarshalPublicKey(pub)
	if err != nil {
		return id, fmt.Errorf("marshal public key: %w", err)
	}
	digest := sha256.Sum256(raw)
	copy(id[:], digest[:len(id)])
	return id, nil
}

// TraderIdForPeer derives id's public key from its libp2p peer ID and
// hashes it the same way as TraderIdForKey. Returns an error if the peer
// ID does not embed its public key (some transports elide it).
func TraderIdForPeer(p peer.ID) (market.TraderId, error) {
	pub, err := p.ExtractPublicKey()
	if err != nil {
		return market.TraderId{}, fmt.Errorf("extract public key from peer id: %w", err)
	}
	return TraderIdForKey(pub)
}

// peerVerifier implements market.Verifier using the same Ed25519
// signatures libp2p peer identities are already built on: SenderPubKey
// is a libp2p-marshaled public key, Signature is its raw PrivKey.Sign
// output over payload.
type peerVerifier struct{}

func (peerVerifier) Verify(senderPubKey, signature, payload []byte) bool {
	pub, err := crypto.UnmarshalPublicKey(senderPubKey)
	if err != nil {
		return false
	}
	ok, err := pub.Verify(payload, signature)
	return err == nil && ok
}

// NewMarketVerifier returns the market.Verifier used by a Router to check
// inbound Envelope signatures.
func NewMarketVerifier() market.Verifier {
	return peerVerifier{}
}

// TraderDirectory is an in-memory market.PeerDirectory mapping TraderId
// to the libp2p peer ID string market.Network dials. Entries are learned
// from inbound envelopes (see RegisterMarketRouter) and, optionally, from
// the peerstore when a connected peer's derived TraderId is requested.
type TraderDirectory struct {
	mu   sync.RWMutex
	node *Node
	addr map[market.TraderId]string
}

// NewTraderDirectory constructs an empty directory backed by n's
// peerstore for the connected-peer fallback in ResolveViaDHT.
func NewTraderDirectory(n *Node) *TraderDirectory {
	return &TraderDirectory{
		node: n,
		addr: make(map[market.TraderId]string),
	}
}

// Lookup returns the peer ID string last recorded for id, if any.
func (d *TraderDirectory) Lookup(id market.TraderId) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	addr, ok := d.addr[id]
	return addr, ok
}

// Update records address (a peer ID string) as id's current location.
func (d *TraderDirectory) Update(id market.TraderId, address string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addr[id] = address
}

// ResolveViaDHT has no TraderId-keyed DHT record to query — trader
// identities are not a libp2p DHT namespace — so it falls back to
// deriving the TraderId of every peer already known to the host's
// peerstore and returning the first match. This only succeeds for peers
// we have already connected to or discovered by some other means.
func (d *TraderDirectory) ResolveViaDHT(id market.TraderId) (string, error) {
	if d.node == nil {
		return "", market.ErrAddressLookupFailed
	}
	for _, p := range d.node.Host().Peerstore().Peers() {
		pub, err := p.ExtractPublicKey()
		if err != nil {
			continue
		}
		derived, err := TraderIdForKey(pub)
		if err != nil || derived != id {
			continue
		}
		d.Update(id, p.String())
		return p.String(), nil
	}
	return "", market.ErrAddressLookupFailed
}

// MarketNetwork implements market.Network over the node's hybrid
// direct-stream/encrypted-PubSub message sender, signing every outbound
// Envelope with the node's own libp2p identity key.
type MarketNetwork struct {
	node      *Node
	directory *TraderDirectory
	self      market.TraderId
	log       *logging.Logger
}

// NewMarketNetwork builds the market.Network adapter for n, deriving the
// local TraderId from n's own identity key.
func NewMarketNetwork(n *Node, directory *TraderDirectory) (*MarketNetwork, error) {
	pub := n.Host().Peerstore().PubKey(n.ID())
	if pub == nil {
		return nil, fmt.Errorf("market network: no public key for local peer")
	}
	self, err := TraderIdForKey(pub)
	if err != nil {
		return nil, fmt.Errorf("market network: %w", err)
	}
	return &MarketNetwork{
		node:      n,
		directory: directory,
		self:      self,
		log:       logging.GetDefault().Component("market-network"),
	}, nil
}

// Self returns the TraderId derived for this node's identity key.
func (m *MarketNetwork) Self() market.TraderId {
	return m.self
}

// Send signs payload for tag and delivers it to peer via the node's
// hybrid message sender, wrapped as a RoutedMessage carrying a
// market.Envelope.
func (m *MarketNetwork) Send(trader market.TraderId, tag market.MessageTag, payload interface{}) error {
	addr, ok := m.directory.Lookup(trader)
	if !ok {
		resolved, err := m.directory.ResolveViaDHT(trader)
		if err != nil {
			return fmt.Errorf("market network: %w: %s", market.ErrAddressLookupFailed, trader)
		}
		addr = resolved
	}

	peerID, err := peer.Decode(addr)
	if err != nil {
		return fmt.Errorf("market network: invalid peer address %q: %w", addr, err)
	}

	payloadBytes, err := market.EncodePayload(payload)
	if err != nil {
		return fmt.Errorf("market network: encode payload: %w", err)
	}

	privKey := m.node.Host().Peerstore().PrivKey(m.node.ID())
	if privKey == nil {
		return fmt.Errorf("market network: no private key for local peer")
	}
	signature, err := privKey.Sign(payloadBytes)
	if err != nil {
		return fmt.Errorf("market network: sign payload: %w", err)
	}
	pubKeyBytes, err := crypto.MarshalPublicKey(privKey.GetPublic())
	if err != nil {
		return fmt.Errorf("market network: marshal public key: %w", err)
	}

	envelope := market.Envelope{
		Tag:          tag,
		Sender:       m.self,
		SenderPubKey: pubKeyBytes,
		Signature:    signature,
		Payload:      payloadBytes,
	}
	envelopeBytes, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("market network: marshal envelope: %w", err)
	}

	routed := &RoutedMessage{
		Type:    MarketEnvelopeType,
		Payload: envelopeBytes,
	}

	correlationID := fmt.Sprintf("market:%d:%s", tag, trader)
	deadline := time.Now().Add(2 * time.Hour).Unix()
	return m.node.SendDirect(context.Background(), peerID, correlationID, deadline, routed)
}

// RegisterMarketRouter wires the MarketEnvelopeType handler on both of n's
// delivery paths — the direct stream handler and the MarketHandler's
// encrypted-PubSub fallback — decoding each inbound RoutedMessage into a
// market.Envelope, recording the sender's address in directory, and
// dispatching it to router.
func RegisterMarketRouter(n *Node, router *market.Router, directory *TraderDirectory) {
	decode := func(ctx context.Context, msg *RoutedMessage) error {
		var env market.Envelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			return fmt.Errorf("decode market envelope: %w", err)
		}
		if msg.FromPeer != "" {
			directory.Update(env.Sender, msg.FromPeer)
		}
		router.Dispatch(env)
		return nil
	}

	n.RegisterDirectHandler(MarketEnvelopeType, decode)
	if mh := n.MarketHandler(); mh != nil {
		mh.OnMessage(MarketEnvelopeType, decode)
	}
}
