package syslink

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiomap/syslink/kernel/ipc"
	"github.com/tiomap/syslink/kernel/ipc/ipctest"
	"github.com/tiomap/syslink/kernel/ipc/messageq"
)

// TestPerformance_RemoteRoundTrip measures request/reply latency between two
// processors.
func TestPerformance_RemoteRoundTrip(t *testing.T) {
	sys := ipctest.NewSystem(t, "HOST", "DSP")
	host, dsp := sys.Procs[0], sys.Procs[1]
	ctx := context.Background()

	reply, err := host.MessageQ().Create("reply", messageq.Params{})
	require.NoError(t, err)
	defer reply.Delete()
	server, err := dsp.MessageQ().Create("server", messageq.Params{})
	require.NoError(t, err)
	defer server.Delete()

	go func() {
		for {
			msg, err := server.Get(ctx, messageq.WaitForever)
			if err != nil {
				return
			}
			dst, err := msg.ReplyQueue()
			if err != nil {
				return
			}
			if err := dsp.MessageQ().Put(ctx, dst, msg); err != nil {
				return
			}
		}
	}()
	defer server.Unblock()

	const rounds = 500
	start := time.Now()
	for range rounds {
		msg, err := host.MessageQ().Alloc(ipc.MessageHeapID, 64)
		require.NoError(t, err)
		require.NoError(t, reply.SetReplyQueue(msg))
		require.NoError(t, host.MessageQ().Put(ctx, server.QueueID(), msg))
		back, err := reply.Get(ctx, time.Second)
		require.NoError(t, err)
		require.NoError(t, host.MessageQ().Free(back))
	}
	duration := time.Since(start)

	t.Logf("Round trips: %d, Duration: %v", rounds, duration)
	t.Logf("Latency: %v per round trip", duration/rounds)
}

// TestPerformance_ConcurrentSenders fans several senders on two processors
// into one queue.
func TestPerformance_ConcurrentSenders(t *testing.T) {
	sys := ipctest.NewSystem(t, "HOST", "SYSM3", "DSP")
	sink := sys.Procs[0]
	ctx := context.Background()

	q, err := sink.MessageQ().Create("sink", messageq.Params{})
	require.NoError(t, err)
	defer q.Delete()

	senders := 4
	perSender := 100
	var wg sync.WaitGroup
	var sent atomic.Int64
	start := time.Now()
	for _, p := range sys.Procs[1:] {
		for range senders {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range perSender {
					msg, err := p.MessageQ().Alloc(ipc.MessageHeapID, 48)
					if err != nil {
						continue
					}
					if err := p.MessageQ().Put(ctx, q.QueueID(), msg); err != nil {
						_ = p.MessageQ().Free(msg)
						continue
					}
					sent.Add(1)
				}
			}()
		}
	}

	total := int64(len(sys.Procs)-1) * int64(senders*perSender)
	var received int64
	for received < total {
		msg, err := q.Get(ctx, 2*time.Second)
		require.NoError(t, err)
		require.NoError(t, sink.MessageQ().Free(msg))
		received++
	}
	wg.Wait()
	duration := time.Since(start)

	t.Logf("Messages: %d, Duration: %v, Throughput: %.2f msg/sec", received, duration, float64(received)/duration.Seconds())
	assert.Equal(t, total, sent.Load(), "every put should succeed")
}
