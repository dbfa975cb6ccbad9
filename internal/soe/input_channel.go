package soe

import (
	"time"

	"github.com/pkg/errors"
)

// ErrFragmentOverflow is the CorruptPacket condition from spec section
// 4.4/9: more bytes accumulated for the current reassembly than its
// first fragment's complete_length declared. Since nothing on the
// wire flags a fragment as "first" independent of receiver state (spec
// section 4.1), this — rather than a literal double-first-fragment
// flag — is this implementation's detectable instance of "a new
// first-fragment before completion".
var ErrFragmentOverflow = errors.New("soe: reassembly exceeded its declared complete_length")

// PendingAck is one acknowledgement the input channel wants the
// handler to transmit. All distinguishes AcknowledgeAll(Sequence)
// (acknowledges every sequence <= Sequence) from a plain
// Acknowledge(Sequence) (a single sequence).
type PendingAck struct {
	All      bool
	Sequence Sequence
}

type stashEntry struct {
	sequence   Sequence
	isFragment bool
	data       []byte
}

// ReliableDataInputChannel implements spec section 4.4: reassembly,
// acknowledgement policy and multi-data demux of one direction's
// reliable data stream.
type ReliableDataInputChannel struct {
	params    *SessionParameters
	appParams *ApplicationParameters

	expected   Sequence
	windowSize int
	stash      []*stashEntry

	reassembling   bool
	completeLength uint32
	accumulated    []byte

	lastAckSent       time.Time
	lastAckAllSeq     Sequence
	haveLastAckAllSeq bool
	dirty             bool
	highestContiguous Sequence

	outbox    []PendingAck
	delivered [][]byte

	fecDecoders map[uint32]*fecAssembly
}

type fecAssembly struct {
	shards map[int][]byte
}

// NewReliableDataInputChannel constructs a channel bound to params and
// appParams (both read, never copied element-wise, so later changes to
// appParams.IsEncryptionEnabled are observed — spec section 3 allows
// flipping that flag mid-session).
func NewReliableDataInputChannel(params *SessionParameters, appParams *ApplicationParameters) *ReliableDataInputChannel {
	windowSize := params.MaxQueuedIncomingReliableData
	if windowSize <= 0 {
		windowSize = 256
	}
	return &ReliableDataInputChannel{
		params:      params,
		appParams:   appParams,
		windowSize:  windowSize,
		stash:       make([]*stashEntry, windowSize),
		fecDecoders: make(map[uint32]*fecAssembly),
	}
}

// DrainAcks returns and clears the pending acknowledgements accumulated
// since the last call.
func (c *ReliableDataInputChannel) DrainAcks() []PendingAck {
	acks := c.outbox
	c.outbox = nil
	return acks
}

// DrainDelivered returns and clears the application buffers reassembled
// and demuxed since the last call, in delivery order.
func (c *ReliableDataInputChannel) DrainDelivered() [][]byte {
	d := c.delivered
	c.delivered = nil
	return d
}

// HandleReliableData processes a non-fragment ReliableData payload.
func (c *ReliableDataInputChannel) HandleReliableData(seq Sequence, data []byte) error {
	return c.accept(seq, stashEntry{sequence: seq, isFragment: false, data: data})
}

// HandleReliableDataFragment processes a ReliableDataFragment payload.
// rest is everything after the fragment's sequence number, undecoded —
// whether it starts with a complete_length field is only known once
// this entry is actually delivered in order, from the channel's own
// reassembly state, not from anything on the wire.
func (c *ReliableDataInputChannel) HandleReliableDataFragment(seq Sequence, rest []byte) error {
	return c.accept(seq, stashEntry{sequence: seq, isFragment: true, data: rest})
}

// Tick lets the channel emit a coalesced AcknowledgeAll once
// MaxAcknowledgeDelay has elapsed since the last ack, per the
// acknowledgement policy in spec section 4.4.
func (c *ReliableDataInputChannel) Tick(now time.Time) {
	if !c.dirty {
		return
	}
	if now.Sub(c.lastAckSent) < c.params.MaxAcknowledgeDelay {
		return
	}
	c.outbox = append(c.outbox, PendingAck{All: true, Sequence: c.highestContiguous})
	c.lastAckSent = now
	c.dirty = false
}

func (c *ReliableDataInputChannel) accept(seq Sequence, entry stashEntry) error {
	switch {
	case seq == c.expected:
		if err := c.deliverEntry(entry); err != nil {
			return err
		}
		c.expected++
		drainedExtra := 0
		for {
			idx := int(c.expected) % c.windowSize
			next := c.stash[idx]
			if next == nil || next.sequence != c.expected {
				break
			}
			c.stash[idx] = nil
			if err := c.deliverEntry(*next); err != nil {
				return err
			}
			c.expected++
			drainedExtra++
		}
		if drainedExtra > 0 {
			c.dirty = true
			c.highestContiguous = c.expected - 1
		} else {
			c.schedulePlainAck(seq)
		}
		return nil
	case precedes(c.expected, seq) && withinWindow(seq, c.expected, c.windowSize):
		idx := int(seq) % c.windowSize
		if c.stash[idx] == nil || c.stash[idx].sequence != seq {
			cp := entry
			c.stash[idx] = &cp
		}
		c.outbox = append(c.outbox, PendingAck{All: false, Sequence: seq})
		return nil
	default:
		// Duplicate/old, or outside the forward window: drop silently.
		return nil
	}
}

func (c *ReliableDataInputChannel) schedulePlainAck(seq Sequence) {
	if c.params.AcknowledgeAllData {
		if c.params.MaxAcknowledgeDelay <= 0 {
			c.outbox = append(c.outbox, PendingAck{All: false, Sequence: seq})
			return
		}
	}
	c.dirty = true
	c.highestContiguous = seq
}

func (c *ReliableDataInputChannel) deliverEntry(entry stashEntry) error {
	if !entry.isFragment {
		return c.deliverFinal(entry.data)
	}

	isFirst := !c.reassembling
	frag, err := DecodeReliableDataFragmentBody(entry.data, isFirst)
	if err != nil {
		return err
	}
	if frag.HasCompleteLength {
		c.reassembling = true
		c.completeLength = frag.CompleteLength
		c.accumulated = make([]byte, 0, frag.CompleteLength)
	}
	c.accumulated = append(c.accumulated, frag.Data...)
	if uint32(len(c.accumulated)) > c.completeLength {
		return ErrFragmentOverflow
	}
	if uint32(len(c.accumulated)) == c.completeLength {
		buf := c.accumulated
		c.accumulated = nil
		c.reassembling = false
		return c.deliverFinal(buf)
	}
	return nil
}

// deliverFinal runs the post-reassembly pipeline: FEC-shard
// interception, then decrypt, then multi-data demux, then delivery.
func (c *ReliableDataInputChannel) deliverFinal(buf []byte) error {
	// FEC parity shards travel in the clear (they are transport
	// infrastructure, not application data) so they must be recognized
	// before decryption would scramble their marker.
	if c.params.IsFECEnabled && IsFECShard(buf) {
		c.absorbFECShard(buf)
		return nil
	}

	if c.appParams != nil && c.appParams.IsEncryptionEnabled && c.appParams.InboundKey != nil {
		buf = c.appParams.InboundKey.Decrypt(buf)
	}

	if IsMultiData(buf) {
		items, err := DecodeDataBundle(buf)
		if err != nil {
			return errors.Wrap(err, "soe: data-bundle demux")
		}
		c.delivered = append(c.delivered, items...)
		return nil
	}

	c.delivered = append(c.delivered, buf)
	return nil
}

// absorbFECShard stores an incoming parity shard for later
// reconstruction by an embedder that calls Reconstruct explicitly; the
// default tick loop never blocks waiting on FEC, it is purely an
// optional assist on top of ordinary retransmission.
func (c *ReliableDataInputChannel) absorbFECShard(buf []byte) {
	shard, err := DecodeShard(buf)
	if err != nil {
		return
	}
	a, ok := c.fecDecoders[shard.GroupID]
	if !ok {
		a = &fecAssembly{shards: make(map[int][]byte)}
		c.fecDecoders[shard.GroupID] = a
	}
	a.shards[shard.ShardIndex] = shard.Data
}

// FECShardsFor returns the parity shards received so far for groupID,
// for use with FECGroup.Reconstruct.
func (c *ReliableDataInputChannel) FECShardsFor(groupID uint32) map[int][]byte {
	a, ok := c.fecDecoders[groupID]
	if !ok {
		return nil
	}
	return a.shards
}
