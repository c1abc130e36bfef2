package authority

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tiomap/syslink/kernel/ipcerr"
)

// slotKey identifies one mailbox slot: each sender has one slot per event.
type slotKey struct {
	src   ProcID
	event uint32
}

type interrupt struct {
	slotKey
	payload uint32
}

// mailbox latches interrupts for one (destination, line). A slot holds at
// most one pending payload. Senders that pass waitClear wait for the slot to
// drain; others overwrite a pending payload in place, so back-to-back
// advisory signals coalesce.
type mailbox struct {
	logger *slog.Logger

	mu      sync.Mutex
	queue   []*interrupt
	pending map[slotKey]*interrupt
	cleared chan struct{}
	wake    chan struct{}

	isr  ISR
	quit chan struct{}
	done chan struct{}
}

func newMailbox(logger *slog.Logger) *mailbox {
	return &mailbox{
		logger:  logger,
		pending: make(map[slotKey]*interrupt),
		cleared: make(chan struct{}),
		wake:    make(chan struct{}, 1),
	}
}

func (mb *mailbox) post(ctx context.Context, src ProcID, event, payload uint32, waitClear bool) error {
	key := slotKey{src: src, event: event}

	mb.mu.Lock()
	for {
		irq, busy := mb.pending[key]
		if !busy {
			break
		}
		if !waitClear {
			irq.payload = payload
			mb.mu.Unlock()
			mb.logger.Debug("interrupt coalesced", "src", src, "event", event)
			return nil
		}
		cleared := mb.cleared
		mb.mu.Unlock()
		select {
		case <-cleared:
		case <-ctx.Done():
			return ipcerr.Wrap(ipcerr.CodeTimeout, "mailbox slot did not clear", ctx.Err()).
				WithContext("event", event)
		}
		mb.mu.Lock()
	}

	irq := &interrupt{slotKey: key, payload: payload}
	mb.pending[key] = irq
	mb.queue = append(mb.queue, irq)
	mb.mu.Unlock()

	select {
	case mb.wake <- struct{}{}:
	default:
	}
	return nil
}

func (mb *mailbox) listen(isr ISR) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.isr != nil {
		return ipcerr.InvalidState("interrupt line already has a listener")
	}
	mb.isr = isr
	mb.quit = make(chan struct{})
	mb.done = make(chan struct{})
	go mb.dispatch(isr, mb.quit, mb.done)
	return nil
}

func (mb *mailbox) stop() {
	mb.mu.Lock()
	quit, done := mb.quit, mb.done
	mb.isr = nil
	mb.quit = nil
	mb.done = nil
	mb.mu.Unlock()

	if quit == nil {
		return
	}
	close(quit)
	<-done
}

func (mb *mailbox) dispatch(isr ISR, quit, done chan struct{}) {
	defer close(done)
	for {
		for {
			irq := mb.take()
			if irq == nil {
				break
			}
			isr(irq.src, irq.event, irq.payload)
			select {
			case <-quit:
				return
			default:
			}
		}
		select {
		case <-mb.wake:
		case <-quit:
			return
		}
	}
}

// take pops the oldest interrupt and clears its slot, reading the payload
// under the lock so a concurrent coalescing write is never torn.
func (mb *mailbox) take() *interrupt {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if len(mb.queue) == 0 {
		return nil
	}
	irq := mb.queue[0]
	mb.queue[0] = nil
	mb.queue = mb.queue[1:]
	delete(mb.pending, irq.slotKey)
	close(mb.cleared)
	mb.cleared = make(chan struct{})
	out := *irq
	return &out
}
