// Package decode turns raw event logs into transfer rows. Decoders are
// pluggable: the registry dispatches on topic signatures and skips anything
// unregistered without treating it as an error.
package decode

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/vietddude/chainsink/internal/core/domain"
)

// TxContext is the block/transaction envelope a log was emitted in.
type TxContext struct {
	TxHash         string
	TxIndex        uint64
	BlockNumber    uint64
	BlockHash      string
	BlockTimestamp time.Time
}

// Decoder is the plugin contract. Decode returns nil transfers (and nil
// error) to skip a log it matched but cannot use.
type Decoder interface {
	// Matches reports whether this decoder handles a log with these topics.
	Matches(topics []common.Hash) bool

	// Decode converts a matched log into zero or more transfers. A non-nil
	// error marks the log malformed; it is logged and skipped, never fatal.
	Decode(log types.Log, txc TxContext) ([]*domain.Transfer, error)
}

// Registry holds the registered decoders in dispatch order.
type Registry struct {
	decoders []Decoder
	topics   []common.Hash
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a decoder and the topic0 signatures it subscribes to.
func (r *Registry) Register(d Decoder, topic0 ...common.Hash) {
	r.decoders = append(r.decoders, d)
	r.topics = append(r.topics, topic0...)
}

// Topics returns the union of registered topic0 signatures, used to filter
// log subscriptions and fetches.
func (r *Registry) Topics() []common.Hash {
	out := make([]common.Hash, len(r.topics))
	copy(out, r.topics)
	return out
}

// Dispatch finds the first matching decoder for a log. The second return is
// false when no decoder matches (skip, not an error).
func (r *Registry) Dispatch(topics []common.Hash) (Decoder, bool) {
	for _, d := range r.decoders {
		if d.Matches(topics) {
			return d, true
		}
	}
	return nil, false
}

// Default returns a registry with the built-in transfer decoders.
func Default() *Registry {
	r := NewRegistry()
	r.Register(NewTransferDecoder(), TopicTransfer)
	r.Register(NewERC1155Decoder(), TopicTransferSingle, TopicTransferBatch)
	return r
}

func topicAddress(t common.Hash) string {
	return common.BytesToAddress(t.Bytes()).Hex()
}
