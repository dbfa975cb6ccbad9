package soe

import "time"

// OutgoingPacket is one ReliableData/ReliableDataFragment the output
// channel wants the handler to frame, CRC-stamp and transmit.
type OutgoingPacket struct {
	Sequence          Sequence
	IsFragment        bool
	HasCompleteLength bool
	CompleteLength    uint32
	Data              []byte
}

type inflightEntry struct {
	pkt    OutgoingPacket
	sentAt time.Time
}

// ReliableDataOutputChannel implements spec section 4.5: fragmenting
// queued application buffers into sequenced packets, window-based
// transmit, retransmit on ack timeout, and opportunistic multi-data
// bundling.
type ReliableDataOutputChannel struct {
	params    *SessionParameters
	appParams *ApplicationParameters

	queue [][]byte

	nextSequence Sequence
	windowStart  Sequence
	windowSize   int

	inflight map[Sequence]*inflightEntry
	acked    map[Sequence]bool

	outbox []OutgoingPacket

	fecGroup   *FECGroup
	fecGroupID uint32

	lastAckAllSeq     Sequence
	haveLastAckAllSeq bool
}

// NewReliableDataOutputChannel constructs a channel bound to params and
// appParams.
func NewReliableDataOutputChannel(params *SessionParameters, appParams *ApplicationParameters) *ReliableDataOutputChannel {
	windowSize := params.MaxQueuedOutgoingReliableData
	if windowSize <= 0 {
		windowSize = 196
	}
	c := &ReliableDataOutputChannel{
		params:     params,
		appParams:  appParams,
		windowSize: windowSize,
		inflight:   make(map[Sequence]*inflightEntry),
		acked:      make(map[Sequence]bool),
	}
	if params.IsFECEnabled {
		if g, err := NewFECGroup(params.FECDataShards, params.FECParityShards); err == nil {
			c.fecGroup = g
		}
	}
	return c
}

// EnqueueData queues data for transmission. Returns false (and queues
// nothing) if the outgoing queue is already at capacity, per spec
// section 4.5/5.
func (c *ReliableDataOutputChannel) EnqueueData(data []byte) bool {
	if len(c.queue)+len(c.inflight) >= c.params.MaxQueuedOutgoingReliableData {
		return false
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.queue = append(c.queue, cp)
	return true
}

// DrainOutbox returns and clears the packets the handler should
// transmit since the last call.
func (c *ReliableDataOutputChannel) DrainOutbox() []OutgoingPacket {
	out := c.outbox
	c.outbox = nil
	return out
}

// QueueDepth reports how many application buffers are still waiting to
// be fragmented and sent.
func (c *ReliableDataOutputChannel) QueueDepth() int {
	return len(c.queue)
}

// InFlightCount reports how many sent sequences the window still
// tracks: every unacknowledged one, plus any acknowledged individually
// while an earlier sequence is still unacknowledged.
func (c *ReliableDataOutputChannel) InFlightCount() int {
	return len(c.inflight)
}

// OnAcknowledge marks a single sequence acknowledged.
func (c *ReliableDataOutputChannel) OnAcknowledge(seq Sequence) {
	if _, ok := c.inflight[seq]; ok {
		c.acked[seq] = true
	}
	c.advanceWindow()
}

// OnAcknowledgeAll marks every sequence in [windowStart, seq]
// acknowledged and advances the window.
func (c *ReliableDataOutputChannel) OnAcknowledgeAll(seq Sequence) {
	s := c.windowStart
	for s != c.nextSequence && (s == seq || precedes(s, seq)) {
		c.acked[s] = true
		s++
	}
	c.advanceWindow()
}

func (c *ReliableDataOutputChannel) advanceWindow() {
	for c.windowStart != c.nextSequence && c.acked[c.windowStart] {
		delete(c.inflight, c.windowStart)
		delete(c.acked, c.windowStart)
		c.windowStart++
	}
}

// maxNonFragmentPayload is the largest application payload that fits
// in a single non-fragment ReliableData packet, per spec section 4.5.
func (c *ReliableDataOutputChannel) maxNonFragmentPayload() int {
	overhead := 2 + 2 // opcode + sequence
	if c.params.IsCompressionEnabled {
		overhead++
	}
	overhead += c.params.CrcLength
	n := int(c.params.RemoteUDPLength) - overhead
	if n < 1 {
		n = 1
	}
	return n
}

// Flush assembles as much of the pending queue as the send window
// allows into OutgoingPacket entries, then retransmits the window if
// the oldest unacknowledged packet has been outstanding longer than
// AckWaitTimeout. Call once per handler tick.
func (c *ReliableDataOutputChannel) Flush(now time.Time) {
	for len(c.queue) > 0 && seqDistance(c.windowStart, c.nextSequence) < c.windowSize {
		payload, consumed := c.assembleNextPayload()
		c.queue = c.queue[consumed:]
		if c.appParams != nil && c.appParams.IsEncryptionEnabled && c.appParams.OutboundKey != nil {
			payload = c.appParams.OutboundKey.Encrypt(payload)
		}
		c.fragmentAndSend(payload, now)
	}
	c.retransmitIfStale(now)
}

// assembleNextPayload pops one or more pending buffers off the front of
// the queue, greedily combining 2+ small ones into a single multi-data
// bundle when they fit together in one non-fragment packet (spec
// section 4.5's opportunistic bundling). A buffer too large to bundle,
// or the only one available, is returned alone.
func (c *ReliableDataOutputChannel) assembleNextPayload() (payload []byte, consumed int) {
	maxPayload := c.maxNonFragmentPayload()
	used := 2 // multi-data indicator
	var items [][]byte
	for i := 0; i < len(c.queue); i++ {
		item := c.queue[i]
		headerLen := bundleLengthSize(len(item))
		need := headerLen + len(item)
		if used+need > maxPayload {
			break
		}
		items = append(items, item)
		used += need
	}
	if len(items) >= 2 {
		return EncodeDataBundle(items), len(items)
	}
	return c.queue[0], 1
}

func bundleLengthSize(n int) int {
	switch {
	case n <= 0xFE:
		return 1
	case n < 0xFFFF:
		return 3
	default:
		return 7
	}
}

func (c *ReliableDataOutputChannel) fragmentAndSend(payload []byte, now time.Time) {
	maxPayload := c.maxNonFragmentPayload()
	if len(payload) <= maxPayload {
		c.sendOne(OutgoingPacket{Sequence: c.nextSequence, Data: payload}, now)
		return
	}

	maxFirst := maxPayload - 4
	if maxFirst < 1 {
		maxFirst = 1
	}
	first := payload[:maxFirst]
	rest := payload[maxFirst:]
	c.sendOne(OutgoingPacket{
		Sequence:          c.nextSequence,
		IsFragment:        true,
		HasCompleteLength: true,
		CompleteLength:    uint32(len(payload)),
		Data:              first,
	}, now)

	for len(rest) > 0 {
		n := maxPayload
		if n > len(rest) {
			n = len(rest)
		}
		chunk := rest[:n]
		rest = rest[n:]
		c.sendOne(OutgoingPacket{Sequence: c.nextSequence, IsFragment: true, Data: chunk}, now)
	}

	if c.fecGroup != nil {
		c.sendFECParity(payload, now)
	}
}

func (c *ReliableDataOutputChannel) sendOne(pkt OutgoingPacket, now time.Time) {
	c.inflight[pkt.Sequence] = &inflightEntry{pkt: pkt, sentAt: now}
	c.outbox = append(c.outbox, pkt)
	c.nextSequence++
}

// sendFECParity emits FEC parity shards for a just-fragmented large
// buffer, an optional reliability assist on top of ordinary
// retransmission (spec section 9 open question on FEC is silent; this
// is a SPEC_FULL addition, see DESIGN.md).
func (c *ReliableDataOutputChannel) sendFECParity(payload []byte, now time.Time) {
	groupID := c.fecGroupID
	c.fecGroupID++
	shards, err := c.fecGroup.Encode(groupID, payload)
	if err != nil {
		return
	}
	for _, shard := range shards {
		c.sendOne(OutgoingPacket{Sequence: c.nextSequence, Data: shard}, now)
	}
}

// retransmitIfStale resends every unacknowledged in-window sequence, in
// order, when the oldest of them has waited longer than
// AckWaitTimeout, per spec section 4.5.
func (c *ReliableDataOutputChannel) retransmitIfStale(now time.Time) {
	oldest, ok := c.inflight[c.windowStart]
	if !ok || c.acked[c.windowStart] {
		return
	}
	if now.Sub(oldest.sentAt) <= c.params.AckWaitTimeout {
		return
	}
	for s := c.windowStart; s != c.nextSequence; s++ {
		e, ok := c.inflight[s]
		if !ok || c.acked[s] {
			continue
		}
		c.outbox = append(c.outbox, e.pkt)
		e.sentAt = now
	}
}
