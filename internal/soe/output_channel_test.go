package soe

import (
	"testing"
	"time"
)

func newTestOutputChannel(remoteUDPLength uint32, crcLength int) *ReliableDataOutputChannel {
	params := NewDefaultSessionParameters("TestProtocol")
	params.RemoteUDPLength = remoteUDPLength
	params.CrcLength = crcLength
	params.IsCompressionEnabled = false
	appParams := ApplicationParameters{}
	return NewReliableDataOutputChannel(&params, &appParams)
}

// Property #9: a 2048-byte buffer on remote_udp_length=512, crc_length=2,
// compression off produces exactly one ReliableDataFragment carrying
// complete_length=2048 followed by further fragments, all in order, whose
// data bytes concatenate back to the original 2048 bytes.
func TestOutputChannelFragmentation(t *testing.T) {
	c := newTestOutputChannel(512, 2)
	data := make([]byte, 2048)
	for i := range data {
		data[i] = byte(i)
	}
	if !c.EnqueueData(data) {
		t.Fatal("expected EnqueueData to accept the buffer")
	}
	c.Flush(time.Now())

	pkts := c.DrainOutbox()
	if len(pkts) == 0 {
		t.Fatal("expected at least one outgoing packet")
	}
	if !pkts[0].IsFragment || !pkts[0].HasCompleteLength || pkts[0].CompleteLength != 2048 {
		t.Fatalf("expected the first packet to carry complete_length=2048, got %+v", pkts[0])
	}

	var reassembled []byte
	for i, p := range pkts {
		if !p.IsFragment {
			t.Fatalf("packet %d: expected every emitted packet to be a fragment, got %+v", i, p)
		}
		if p.Sequence != Sequence(i) {
			t.Fatalf("packet %d: expected sequence %d, got %d", i, i, p.Sequence)
		}
		reassembled = append(reassembled, p.Data...)
	}
	if len(reassembled) != 2048 {
		t.Fatalf("expected 2048 total payload bytes, got %d", len(reassembled))
	}
	if !bytesEqual(reassembled, data) {
		t.Fatal("reassembled fragment data does not match the original buffer")
	}
}

func TestOutputChannelSmallBufferIsSinglePacket(t *testing.T) {
	c := newTestOutputChannel(512, 2)
	if !c.EnqueueData([]byte("small")) {
		t.Fatal("expected EnqueueData to accept")
	}
	c.Flush(time.Now())
	pkts := c.DrainOutbox()
	if len(pkts) != 1 || pkts[0].IsFragment {
		t.Fatalf("expected a single non-fragment packet, got %+v", pkts)
	}
}

// Property #10: if the first-window fragments are sent and no
// acknowledgements arrive for AckWaitTimeout, the next tick retransmits
// exactly the same set of sequences in the same order.
func TestOutputChannelRetransmitOnStaleAck(t *testing.T) {
	params := NewDefaultSessionParameters("TestProtocol")
	params.RemoteUDPLength = 512
	params.AckWaitTimeout = 50 * time.Millisecond
	appParams := ApplicationParameters{}
	c := NewReliableDataOutputChannel(&params, &appParams)

	// Large enough that the two buffers cannot opportunistically bundle
	// into one packet, so each gets its own sequence number to track.
	payloadOne := make([]byte, 300)
	payloadTwo := make([]byte, 300)
	for i := range payloadOne {
		payloadOne[i] = byte(i)
		payloadTwo[i] = byte(255 - i)
	}

	start := time.Now()
	if !c.EnqueueData(payloadOne) {
		t.Fatal("expected EnqueueData to accept")
	}
	if !c.EnqueueData(payloadTwo) {
		t.Fatal("expected EnqueueData to accept")
	}
	c.Flush(start)
	first := c.DrainOutbox()
	if len(first) != 2 {
		t.Fatalf("expected 2 packets sent initially, got %d", len(first))
	}

	// Before the timeout: no retransmit.
	c.Flush(start.Add(10 * time.Millisecond))
	if pkts := c.DrainOutbox(); len(pkts) != 0 {
		t.Fatalf("expected no retransmit before AckWaitTimeout, got %+v", pkts)
	}

	// After the timeout: exactly the same sequences, same order.
	c.Flush(start.Add(60 * time.Millisecond))
	retransmitted := c.DrainOutbox()
	if len(retransmitted) != len(first) {
		t.Fatalf("expected %d retransmitted packets, got %d", len(first), len(retransmitted))
	}
	for i := range first {
		if retransmitted[i].Sequence != first[i].Sequence || !bytesEqual(retransmitted[i].Data, first[i].Data) {
			t.Fatalf("packet %d: retransmit mismatch: got %+v want %+v", i, retransmitted[i], first[i])
		}
	}
}

func TestOutputChannelAcknowledgeStopsRetransmit(t *testing.T) {
	params := NewDefaultSessionParameters("TestProtocol")
	params.RemoteUDPLength = 512
	params.AckWaitTimeout = 20 * time.Millisecond
	appParams := ApplicationParameters{}
	c := NewReliableDataOutputChannel(&params, &appParams)

	start := time.Now()
	c.EnqueueData([]byte("only payload"))
	c.Flush(start)
	sent := c.DrainOutbox()
	if len(sent) != 1 {
		t.Fatalf("expected 1 packet sent, got %d", len(sent))
	}

	c.OnAcknowledge(sent[0].Sequence)
	if c.InFlightCount() != 0 {
		t.Fatalf("expected the acknowledged sequence to leave inflight, got %d", c.InFlightCount())
	}

	c.Flush(start.Add(100 * time.Millisecond))
	if pkts := c.DrainOutbox(); len(pkts) != 0 {
		t.Fatalf("expected no retransmit once acknowledged, got %+v", pkts)
	}
}

func TestOutputChannelAcknowledgeAllAdvancesWindow(t *testing.T) {
	c := newTestOutputChannel(512, 2)
	// Large enough per-buffer that none opportunistically bundle, so each
	// gets its own sequence number.
	for i := 0; i < 5; i++ {
		buf := make([]byte, 300)
		for j := range buf {
			buf[j] = byte(i)
		}
		c.EnqueueData(buf)
	}
	c.Flush(time.Now())
	sent := c.DrainOutbox()
	if len(sent) != 5 {
		t.Fatalf("expected 5 packets, got %d", len(sent))
	}

	c.OnAcknowledgeAll(sent[4].Sequence)
	if c.InFlightCount() != 0 {
		t.Fatalf("expected AcknowledgeAll to clear every inflight sequence, got %d", c.InFlightCount())
	}
}

func TestOutputChannelEnqueueDataRejectsWhenFull(t *testing.T) {
	params := NewDefaultSessionParameters("TestProtocol")
	params.MaxQueuedOutgoingReliableData = 2
	appParams := ApplicationParameters{}
	c := NewReliableDataOutputChannel(&params, &appParams)

	if !c.EnqueueData([]byte("a")) {
		t.Fatal("expected first enqueue to succeed")
	}
	if !c.EnqueueData([]byte("b")) {
		t.Fatal("expected second enqueue to succeed")
	}
	if c.EnqueueData([]byte("c")) {
		t.Fatal("expected the third enqueue to be rejected once the queue is at capacity")
	}
}

func TestOutputChannelOpportunisticBundling(t *testing.T) {
	c := newTestOutputChannel(512, 2)
	c.EnqueueData([]byte{0x02})
	c.EnqueueData([]byte{0x04})
	c.Flush(time.Now())
	pkts := c.DrainOutbox()
	if len(pkts) != 1 {
		t.Fatalf("expected the two small buffers to bundle into one packet, got %d", len(pkts))
	}
	items, err := DecodeDataBundle(pkts[0].Data)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 2 || !bytesEqual(items[0], []byte{0x02}) || !bytesEqual(items[1], []byte{0x04}) {
		t.Fatalf("got %v", items)
	}
}
