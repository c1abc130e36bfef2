// Command syslinkd brings up simulated processors over one shared region,
// attaches them, exchanges MessageQ traffic between the first processor and
// every other one, and reports heap usage.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tiomap/syslink/kernel/authority"
	"github.com/tiomap/syslink/kernel/ipc"
	"github.com/tiomap/syslink/kernel/ipc/messageq"
	"github.com/tiomap/syslink/kernel/ipcerr"
	"github.com/tiomap/syslink/kernel/sab"
	"github.com/tiomap/syslink/kernel/utils"
)

type options struct {
	procs      []string
	configPath string
	shmPath    string
	regionSize uint32
	messages   int
	snapshot   string
	logLevel   string
}

func main() {
	var (
		opts       options
		procs      string
		regionSize uint
	)
	flag.StringVar(&procs, "procs", "HOST,SYSM3,APPM3,DSP", "comma-separated processor names; the first owns region 0")
	flag.StringVar(&opts.configPath, "config", "", "JSON ipc config file")
	flag.StringVar(&opts.shmPath, "shm", "", "back region 0 with an mmap'd file at this path")
	flag.UintVar(&regionSize, "region-size", 1<<20, "region 0 size in bytes")
	flag.IntVar(&opts.messages, "messages", 100, "round trips per remote processor")
	flag.StringVar(&opts.snapshot, "snapshot", "", "write a compressed image of region 0 here before shutdown")
	flag.StringVar(&opts.logLevel, "log-level", "info", "debug, info, warn or error")
	flag.Parse()

	opts.procs = strings.Split(procs, ",")
	opts.regionSize = uint32(regionSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "syslinkd:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, out io.Writer) (err error) {
	level, err := utils.ParseLevel(opts.logLevel)
	if err != nil {
		return err
	}
	logger := slog.New(utils.NewHandler(utils.HandlerConfig{Level: level, Output: out, Colorize: opts.shmPath == ""}))

	cfg := ipc.DefaultConfig()
	if opts.configPath != "" {
		f, err := os.Open(opts.configPath)
		if err != nil {
			return err
		}
		cfg, err = ipc.LoadConfig(f)
		_ = f.Close()
		if err != nil {
			return err
		}
	}

	shutdown := utils.NewGracefulShutdown(5*time.Second, logger)
	defer func() {
		err = errors.Join(err, shutdown.Shutdown(context.Background()))
	}()

	region, err := openRegion(opts)
	if err != nil {
		return err
	}
	shutdown.Register(region.Close)

	fabric, err := authority.NewFabric(authority.FabricConfig{
		Processors:   opts.procs,
		NumSpinlocks: 32,
		NumLines:     cfg.Notify.NumLines,
	}, logger)
	if err != nil {
		return err
	}
	shutdown.Register(fabric.Close)
	if err := fabric.AddRegion(authority.RegionConfig{
		ID:         0,
		Name:       "SRAM",
		Provider:   region,
		Owner:      0,
		CreateHeap: true,
	}); err != nil {
		return err
	}

	procs := make([]*ipc.Ipc, len(opts.procs))
	for i := range procs {
		procs[i] = ipc.New(fabric.MustAttach(authority.ProcID(i)), logger)
	}

	ready := make([]bool, len(procs))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range procs {
		g.Go(func() error {
			if _, err := p.Setup(gctx, cfg); err != nil {
				return fmt.Errorf("setup %s: %w", p.Authority().ProcName(p.Self()), err)
			}
			ready[i] = true
			return p.AttachAll(gctx)
		})
	}
	err = g.Wait()
	// Registered owner first so it is destroyed last.
	for i, p := range procs {
		if ready[i] {
			shutdown.Register(p.Destroy)
		}
	}
	if err != nil {
		return err
	}
	logger.Info("all processors attached", "processors", len(procs))

	if err := pingPong(ctx, procs, opts.messages, logger); err != nil {
		return err
	}

	stats, err := procs[0].RegionHeap(0).Stats()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "region 0 heap: total=%d free=%d largest=%d\n", stats.TotalSize, stats.TotalFreeSize, stats.LargestFreeSize)

	if opts.snapshot != "" {
		if err := writeSnapshot(opts.snapshot, region); err != nil {
			return err
		}
		logger.Info("snapshot written", "path", opts.snapshot)
	}
	return nil
}

func openRegion(opts options) (sab.MemoryProvider, error) {
	if opts.shmPath == "" {
		return sab.NewInMemoryProvider(opts.regionSize), nil
	}
	return sab.OpenSharedMemory(sab.SharedMemoryOptions{Path: opts.shmPath, Size: opts.regionSize, Create: true})
}

func writeSnapshot(path string, region sab.MemoryProvider) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := sab.SaveImage(f, region); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// pingPong runs an echo server on every processor but the first, and sends
// n round trips to each from the first.
func pingPong(ctx context.Context, procs []*ipc.Ipc, n int, logger *slog.Logger) error {
	host := procs[0]
	reply, err := host.MessageQ().Create("syslinkd-reply", messageq.Params{})
	if err != nil {
		return err
	}
	defer reply.Delete()

	g, gctx := errgroup.WithContext(ctx)
	servers := make([]*messageq.Queue, 0, len(procs)-1)
	for _, p := range procs[1:] {
		name := p.Authority().ProcName(p.Self())
		q, err := p.MessageQ().Create("syslinkd-"+name, messageq.Params{})
		if err != nil {
			return err
		}
		servers = append(servers, q)
		g.Go(func() error { return echo(gctx, p, q) })
	}
	defer func() {
		for _, q := range servers {
			q.Unblock()
		}
		_ = g.Wait()
		for _, q := range servers {
			_ = q.Delete()
		}
	}()

	for _, p := range procs[1:] {
		name := p.Authority().ProcName(p.Self())
		dst, err := host.MessageQ().Open(ctx, "syslinkd-"+name)
		if err != nil {
			return err
		}
		start := time.Now()
		for i := range n {
			if err := roundTrip(ctx, host, reply, dst, uint16(i)); err != nil {
				return fmt.Errorf("round trip %d with %s: %w", i, name, err)
			}
		}
		logger.Info("ping-pong complete", "remote", name, "round_trips", n, "elapsed", time.Since(start))
	}
	return nil
}

func roundTrip(ctx context.Context, host *ipc.Ipc, reply *messageq.Queue, dst messageq.QueueID, id uint16) error {
	mq := host.MessageQ()
	msg, err := mq.Alloc(ipc.MessageHeapID, messageq.HeaderSize+8)
	if err != nil {
		return err
	}
	if err := errors.Join(msg.SetMsgID(id), reply.SetReplyQueue(msg)); err != nil {
		_ = mq.Free(msg)
		return err
	}
	if err := mq.Put(ctx, dst, msg); err != nil {
		_ = mq.Free(msg)
		return err
	}
	got, err := reply.Get(ctx, time.Second)
	if err != nil {
		return err
	}
	hdr, err := got.Header()
	if err != nil {
		return err
	}
	if hdr.MsgID != id {
		return fmt.Errorf("reply carries id %d, want %d", hdr.MsgID, id)
	}
	return mq.Free(got)
}

// echo returns every message to its reply queue until unblocked.
func echo(ctx context.Context, p *ipc.Ipc, q *messageq.Queue) error {
	mq := p.MessageQ()
	for {
		msg, err := q.Get(ctx, messageq.WaitForever)
		if errors.Is(err, ipcerr.ErrUnblocked) {
			return nil
		}
		if err != nil {
			return err
		}
		dst, err := msg.ReplyQueue()
		if err != nil {
			return err
		}
		if err := mq.Put(ctx, dst, msg); err != nil {
			_ = mq.Free(msg)
			return err
		}
	}
}
