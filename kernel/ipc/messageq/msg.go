package messageq

import (
	"encoding/binary"

	"github.com/tiomap/syslink/kernel/authority"
	"github.com/tiomap/syslink/kernel/ipc/sharedregion"
	"github.com/tiomap/syslink/kernel/ipcerr"
)

// HeaderSize is the size of the header at the start of every message. The
// first 16 bytes are the transport's list links.
const HeaderSize = 40

const (
	hdrMsgSize   = 16
	hdrFlags     = 20
	hdrMsgID     = 22
	hdrDstID     = 24
	hdrDstProc   = 26
	hdrReplyID   = 28
	hdrReplyProc = 30
	hdrSrcProc   = 32
	hdrHeapID    = 34
	hdrSeqNum    = 36

	hdrFields = hdrMsgSize

	flagPriorityMask = 0x3
	flagTrace        = 0x1000
	flagVersionMask  = 0xE000
	headerVersion    = 0x2000

	invalidID = 0xFFFF
)

// Header is a decoded message header.
type Header struct {
	MsgSize   uint32
	Priority  Priority
	Trace     bool
	Version   uint16
	MsgID     uint16
	DstID     uint16
	DstProc   authority.ProcID
	ReplyID   uint16
	ReplyProc authority.ProcID
	SrcProc   authority.ProcID
	HeapID    uint16
	SeqNum    uint16
}

// DstQueue returns the queue the message was put to.
func (h Header) DstQueue() QueueID {
	if h.DstID == invalidID {
		return InvalidQueueID
	}
	return MakeQueueID(h.DstProc, h.DstID)
}

// ReplyQueue returns the queue replies should go to, or InvalidQueueID.
func (h Header) ReplyQueue() QueueID {
	if h.ReplyID == invalidID {
		return InvalidQueueID
	}
	return MakeQueueID(h.ReplyProc, h.ReplyID)
}

func (h Header) encode(b []byte) {
	le := binary.LittleEndian
	flags := uint16(h.Priority)&flagPriorityMask | h.Version&flagVersionMask
	if h.Trace {
		flags |= flagTrace
	}
	le.PutUint32(b[hdrMsgSize-hdrFields:], h.MsgSize)
	le.PutUint16(b[hdrFlags-hdrFields:], flags)
	le.PutUint16(b[hdrMsgID-hdrFields:], h.MsgID)
	le.PutUint16(b[hdrDstID-hdrFields:], h.DstID)
	le.PutUint16(b[hdrDstProc-hdrFields:], uint16(h.DstProc))
	le.PutUint16(b[hdrReplyID-hdrFields:], h.ReplyID)
	le.PutUint16(b[hdrReplyProc-hdrFields:], uint16(h.ReplyProc))
	le.PutUint16(b[hdrSrcProc-hdrFields:], uint16(h.SrcProc))
	le.PutUint16(b[hdrHeapID-hdrFields:], h.HeapID)
	le.PutUint16(b[hdrSeqNum-hdrFields:], h.SeqNum)
}

func decodeHeader(b []byte) Header {
	le := binary.LittleEndian
	flags := le.Uint16(b[hdrFlags-hdrFields:])
	return Header{
		MsgSize:   le.Uint32(b[hdrMsgSize-hdrFields:]),
		Priority:  Priority(flags & flagPriorityMask),
		Trace:     flags&flagTrace != 0,
		Version:   flags & flagVersionMask,
		MsgID:     le.Uint16(b[hdrMsgID-hdrFields:]),
		DstID:     le.Uint16(b[hdrDstID-hdrFields:]),
		DstProc:   authority.ProcID(le.Uint16(b[hdrDstProc-hdrFields:])),
		ReplyID:   le.Uint16(b[hdrReplyID-hdrFields:]),
		ReplyProc: authority.ProcID(le.Uint16(b[hdrReplyProc-hdrFields:])),
		SrcProc:   authority.ProcID(le.Uint16(b[hdrSrcProc-hdrFields:])),
		HeapID:    le.Uint16(b[hdrHeapID-hdrFields:]),
		SeqNum:    le.Uint16(b[hdrSeqNum-hdrFields:]),
	}
}

// Msg is a message in shared memory, seen from one processor. The zero Msg
// is the null message.
type Msg struct {
	table *sharedregion.Table
	addr  sharedregion.Addr
}

// IsNull reports whether m is the null message.
func (m Msg) IsNull() bool { return m.addr == sharedregion.NullAddr }

// Addr returns the message address on this processor.
func (m Msg) Addr() sharedregion.Addr { return m.addr }

// Header reads the message header.
func (m Msg) Header() (Header, error) {
	if m.IsNull() {
		return Header{}, ipcerr.InvalidArgument("null message")
	}
	var b [HeaderSize - hdrFields]byte
	if err := m.table.Read(m.addr.Add(hdrFields), b[:]); err != nil {
		return Header{}, err
	}
	return decodeHeader(b[:]), nil
}

func (m Msg) writeHeader(h Header) error {
	var b [HeaderSize - hdrFields]byte
	h.encode(b[:])
	return m.table.Write(m.addr.Add(hdrFields), b[:])
}

// UpdateHeader applies fn to the header and writes it back. The caller must
// own the message.
func (m Msg) UpdateHeader(fn func(*Header)) error {
	h, err := m.Header()
	if err != nil {
		return err
	}
	fn(&h)
	return m.writeHeader(h)
}

// SetMsgID stamps an application message id.
func (m Msg) SetMsgID(id uint16) error {
	return m.UpdateHeader(func(h *Header) { h.MsgID = id })
}

// SetPriority sets the delivery priority.
func (m Msg) SetPriority(p Priority) error {
	if p != PriorityNormal && p != PriorityHigh && p != PriorityUrgent {
		return ipcerr.InvalidArgument("unknown priority %d", p)
	}
	return m.UpdateHeader(func(h *Header) { h.Priority = p })
}

// PayloadSize returns the bytes after the header.
func (m Msg) PayloadSize() (uint32, error) {
	h, err := m.Header()
	if err != nil {
		return 0, err
	}
	return h.MsgSize - HeaderSize, nil
}

// Payload returns a copy of the bytes after the header.
func (m Msg) Payload() ([]byte, error) {
	n, err := m.PayloadSize()
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if err := m.table.Read(m.addr.Add(HeaderSize), b); err != nil {
		return nil, err
	}
	return b, nil
}

// WritePayload copies b into the payload at off.
func (m Msg) WritePayload(off uint32, b []byte) error {
	n, err := m.PayloadSize()
	if err != nil {
		return err
	}
	if uint64(off)+uint64(len(b)) > uint64(n) {
		return ipcerr.InvalidArgument("write of %d bytes at %d overruns %d-byte payload", len(b), off, n)
	}
	return m.table.Write(m.addr.Add(HeaderSize+off), b)
}

// ReplyQueue returns the queue replies to m should be put to.
func (m Msg) ReplyQueue() (QueueID, error) {
	h, err := m.Header()
	if err != nil {
		return InvalidQueueID, err
	}
	return h.ReplyQueue(), nil
}
