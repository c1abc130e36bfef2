package messageq

import (
	"context"
	"sync"
	"time"

	"github.com/tiomap/syslink/kernel/ipc/nameserver"
	"github.com/tiomap/syslink/kernel/ipcerr"
)

// Queue is the reader's handle to a message queue. Only one goroutine
// should call Get at a time.
type Queue struct {
	mod   *Module
	id    QueueID
	name  string
	entry nameserver.EntryRef
	named bool

	mu        sync.Mutex
	high      []Msg
	normal    []Msg
	unblocked bool
	deleted   bool

	ep epoch
}

// QueueID returns the system-wide id of the queue.
func (q *Queue) QueueID() QueueID { return q.id }

// Name returns the queue name, empty for anonymous queues.
func (q *Queue) Name() string { return q.name }

func (q *Queue) enqueue(msg Msg, p Priority) error {
	q.mu.Lock()
	if q.deleted {
		q.mu.Unlock()
		return ipcerr.InvalidState("queue %s deleted", q.id)
	}
	switch p {
	case PriorityUrgent:
		q.high = append([]Msg{msg}, q.high...)
	case PriorityHigh:
		q.high = append(q.high, msg)
	default:
		q.normal = append(q.normal, msg)
	}
	q.mu.Unlock()
	q.ep.increment()
	return nil
}

func (q *Queue) popLocked() (Msg, bool) {
	if len(q.high) > 0 {
		msg := q.high[0]
		q.high = q.high[1:]
		return msg, true
	}
	if len(q.normal) > 0 {
		msg := q.normal[0]
		q.normal = q.normal[1:]
		return msg, true
	}
	return Msg{}, false
}

// Get returns the next message, waiting up to timeout. WaitForever waits
// until a message arrives, Unblock is called or ctx is done; NoWait polls.
// Timeout and Unblocked errors are normal outcomes and return the null
// message.
func (q *Queue) Get(ctx context.Context, timeout time.Duration) (Msg, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		seen := q.ep.load()

		q.mu.Lock()
		if q.deleted {
			q.mu.Unlock()
			return Msg{}, ipcerr.InvalidState("queue %s deleted", q.id)
		}
		if msg, ok := q.popLocked(); ok {
			q.mu.Unlock()
			q.trace(msg)
			return msg, nil
		}
		if q.unblocked {
			q.unblocked = false
			q.mu.Unlock()
			return Msg{}, ipcerr.ErrUnblocked
		}
		q.mu.Unlock()

		wait := WaitForever
		switch {
		case timeout == NoWait:
			return Msg{}, q.timedOut()
		case timeout > 0:
			if wait = time.Until(deadline); wait <= 0 {
				return Msg{}, q.timedOut()
			}
		}
		changed, err := q.ep.wait(ctx, seen, wait)
		if err != nil {
			return Msg{}, ipcerr.Wrap(ipcerr.CodeTimeout, "get cancelled", err).WithContext("queue", q.id)
		}
		if !changed {
			return Msg{}, q.timedOut()
		}
	}
}

func (q *Queue) timedOut() error {
	return ipcerr.New(ipcerr.CodeTimeout, "no message").WithContext("queue", q.id)
}

func (q *Queue) trace(msg Msg) {
	hdr, err := msg.Header()
	if err == nil && hdr.Trace {
		q.mod.logger.Debug("get", "queue", q.id, "msg_id", hdr.MsgID, "seq", hdr.SeqNum, "from", hdr.SrcProc)
	}
}

// Count returns how many messages are queued. The value is advisory.
func (q *Queue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.high) + len(q.normal)
}

// Unblock wakes a reader blocked in Get with ErrUnblocked. If no reader is
// blocked the next Get returns ErrUnblocked instead of waiting.
func (q *Queue) Unblock() {
	q.mu.Lock()
	q.unblocked = true
	q.mu.Unlock()
	q.ep.increment()
}

// SetReplyQueue stamps q as the reply address of msg.
func (q *Queue) SetReplyQueue(msg Msg) error {
	return msg.UpdateHeader(func(h *Header) {
		h.ReplyID = q.id.Index()
		h.ReplyProc = q.id.Proc()
	})
}

// Delete removes the queue. Messages still queued are freed.
func (q *Queue) Delete() error {
	q.mu.Lock()
	if q.deleted {
		q.mu.Unlock()
		return ipcerr.InvalidState("queue %s already deleted", q.id)
	}
	q.deleted = true
	pending := append(q.high, q.normal...)
	q.high, q.normal = nil, nil
	q.mu.Unlock()
	q.ep.increment()

	m := q.mod
	if q.named {
		if err := m.names.RemoveEntry(q.entry); err != nil {
			m.logger.Warn("remove queue name failed", "name", q.name, "error", err)
		}
	}
	m.removeQueue(q)
	if len(pending) > 0 {
		m.logger.Warn("queue deleted with messages pending", "queue", q.id, "pending", len(pending))
	}
	for _, msg := range pending {
		if err := m.Free(msg); err != nil {
			m.logger.Warn("free pending message failed", "queue", q.id, "error", err)
		}
	}
	m.logger.Info("queue deleted", "name", q.name, "queue", q.id)
	return nil
}
