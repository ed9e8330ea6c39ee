// Command daqbuilder hosts one SMEM instance and its DRM, assembling
// fragments received from every configured source rank into complete
// events.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yanet-platform/daqfabric/internal/config"
	"github.com/yanet-platform/daqfabric/internal/drm"
	"github.com/yanet-platform/daqfabric/internal/eventstream"
	"github.com/yanet-platform/daqfabric/internal/hostmap"
	"github.com/yanet-platform/daqfabric/internal/logging"
	"github.com/yanet-platform/daqfabric/internal/metrics"
	"github.com/yanet-platform/daqfabric/internal/request"
	"github.com/yanet-platform/daqfabric/internal/smem"
	"github.com/yanet-platform/daqfabric/internal/transport"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	// ConfigPath is the path to the configuration file.
	ConfigPath string
	// ConsumerAddr is the address example consumer processes connect to
	// for a stream of completed events.
	ConsumerAddr string
}

var rootCmd = &cobra.Command{
	Use:   "daqbuilder",
	Short: "DAQ event builder: SMEM + DRM for one rank",
	Run: func(_ *cobra.Command, _ []string) {
		if err := run(cmd); err != nil {
			if errors.Is(err, Interrupted{}) {
				return
			}
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.Flags().StringVarP(&cmd.ConfigPath, "config", "c", "", "Path to the configuration file (required)")
	rootCmd.MarkFlagRequired("config")
	rootCmd.Flags().StringVar(&cmd.ConsumerAddr, "consumer-addr", "127.0.0.1:0", "Address consumers connect to for the completed-event stream")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd) error {
	cfg, err := config.LoadConfig(cmd.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, atom, err := logging.Init(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync()
	_ = atom

	hm, err := hostmap.Build(cfg.HostMap)
	if err != nil {
		return fmt.Errorf("failed to build host map: %w", err)
	}

	segment, err := smem.NewHeapSegment(int(cfg.SMEM.BufferSize) * cfg.SMEM.BufferCount)
	if err != nil {
		return fmt.Errorf("failed to allocate smem segment: %w", err)
	}
	defer segment.Close()

	mem, err := smem.NewManager(cfg.SMEM, segment, log)
	if err != nil {
		return fmt.Errorf("failed to start smem manager: %w", err)
	}

	reg := metrics.New()
	mgr := drm.New(cfg.DRM, mem, drm.WithLog(log), drm.WithMetrics(reg))

	sources, err := dialSources(cfg.DRM.Sources, hm)
	if err != nil {
		return fmt.Errorf("failed to dial sources: %w", err)
	}
	defer closeSources(sources)

	reqConn, err := transport.JoinMulticast(cfg.Request.MulticastGroup, cfg.Request.Port, cfg.Request.Interface)
	if err != nil {
		return fmt.Errorf("failed to join request multicast group: %w", err)
	}
	defer reqConn.Close()
	sender := request.NewSender(cfg.Request, reqConn, log)

	consumerLn, err := net.Listen("tcp", cmd.ConsumerAddr)
	if err != nil {
		return fmt.Errorf("failed to listen for consumers: %w", err)
	}
	defer consumerLn.Close()

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return mgr.Run(ctx, sources)
	})
	wg.Go(func() error {
		return sender.Run(ctx)
	})
	wg.Go(func() error {
		return serveConsumers(ctx, consumerLn, mem, log)
	})
	wg.Go(func() error {
		err := WaitInterrupted(ctx)
		log.Infof("caught signal: %v", err)
		return err
	})

	return wg.Wait()
}

// serveConsumers accepts consumer connections and fans every completed
// event out to all of them over the eventstream framing.
func serveConsumers(ctx context.Context, ln net.Listener, mem *smem.Manager, log *zap.SugaredLogger) error {
	var mu sync.Mutex
	conns := make(map[net.Conn]struct{})

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns[conn] = struct{}{}
			mu.Unlock()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-mem.Events():
			if !ok {
				return nil
			}
			mu.Lock()
			for conn := range conns {
				if err := eventstream.WriteEvent(conn, ev); err != nil {
					log.Warnw("dropping consumer after write error", "error", err)
					conn.Close()
					delete(conns, conn)
				}
			}
			mu.Unlock()
			ev.Release()
		}
	}
}

// tcpSource adapts a net.Conn to drm.Source.
type tcpSource struct {
	net.Conn
}

func dialSources(ranks []int32, hm *hostmap.Map) (map[int32]drm.Source, error) {
	out := make(map[int32]drm.Source, len(ranks))
	for _, rank := range ranks {
		entry, ok := hm.Resolve(rank)
		if !ok {
			return nil, fmt.Errorf("daqbuilder: no host map entry for source rank %d", rank)
		}
		conn, err := net.Dial("tcp", entry.Addr())
		if err != nil {
			return nil, fmt.Errorf("daqbuilder: dial source rank %d at %s: %w", rank, entry.Addr(), err)
		}
		out[rank] = tcpSource{conn}
	}
	return out, nil
}

func closeSources(sources map[int32]drm.Source) {
	for _, s := range sources {
		if c, ok := s.(tcpSource); ok {
			c.Close()
		}
	}
}

type Interrupted struct {
	os.Signal
}

func (m Interrupted) Error() string {
	return m.String()
}

// WaitInterrupted blocks until either SIGINT or SIGTERM signal is received
// or the provided context is canceled.
func WaitInterrupted(ctx context.Context) error {
	ch := make(chan os.Signal, 1)

	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	select {
	case v := <-ch:
		return Interrupted{Signal: v}
	case <-ctx.Done():
		return ctx.Err()
	}
}
