package market

import (
	"sync"

	"github.com/klingon-exchange/klingdex/pkg/logging"
)

// Envelope is one inbound tagged frame: (tag, signed-sender-key,
// payload) per spec §6. Verification happens once, at the router, never
// inside a handler.
type Envelope struct {
	Tag          MessageTag
	Sender       TraderId
	SenderPubKey []byte
	Signature    []byte
	Payload      []byte
}

// Verifier checks a message's signature at the transport boundary.
type Verifier interface {
	Verify(senderPubKey, signature, payload []byte) bool
}

// Handler processes one decoded message. mutatesChain handlers run with
// the router's chain lock held, serializing with inbound block delivery
// per spec §5.
type Handler func(sender TraderId, payload []byte) error

type registeredHandler struct {
	fn           Handler
	mutatesChain bool
}

// Router dispatches verified inbound messages to per-tag handlers, per
// spec §4.10. Unknown or malformed messages are dropped with a warning;
// they never abort the process.
type Router struct {
	chainMu  sync.Mutex
	verifier Verifier
	handlers map[MessageTag]registeredHandler
	log      *logging.Logger
}

// NewRouter constructs an empty router backed by verifier.
func NewRouter(verifier Verifier) *Router {
	return &Router{
		verifier: verifier,
		handlers: make(map[MessageTag]registeredHandler),
		log:      logging.GetDefault().Component("router"),
	}
}

// Register installs handler for tag. mutatesChain must be true for any
// handler that creates, signs, or otherwise mutates local chain state
// (ask/bid/cancel/tx_init/tx_payment/tx_done processing).
func (r *Router) Register(tag MessageTag, mutatesChain bool, handler Handler) {
	r.handlers[tag] = registeredHandler{fn: handler, mutatesChain: mutatesChain}
}

// Dispatch verifies env's signature, looks up the handler for env.Tag,
// and invokes it, taking the chain lock first if the handler mutates
// chain state. It never returns an error to the transport layer: every
// failure is logged and swallowed, matching spec §4.10's "never abort
// the process" requirement.
func (r *Router) Dispatch(env Envelope) {
	if r.verifier != nil && !r.verifier.Verify(env.SenderPubKey, env.Signature, env.Payload) {
		r.log.Warn("dropping message with invalid signature", "tag", env.Tag, "sender", env.Sender)
		return
	}

	reg, ok := r.handlers[env.Tag]
	if !ok {
		r.log.Warn("dropping message with unknown tag", "tag", env.Tag, "sender", env.Sender)
		return
	}

	if reg.mutatesChain {
		r.chainMu.Lock()
		defer r.chainMu.Unlock()
	}

	if err := reg.fn(env.Sender, env.Payload); err != nil {
		r.log.Warn("handler failed, dropping message", "tag", env.Tag, "sender", env.Sender, "error", err)
	}
}

// WithChainLock runs fn with the router's chain lock held. Used by
// inbound block delivery (the chain capability's own listener
// callbacks) so it serializes with any in-flight mutating handler, per
// spec §5's "chain lock as sole write-serialized resource."
func (r *Router) WithChainLock(fn func()) {
	r.chainMu.Lock()
	defer r.chainMu.Unlock()
	fn()
}
