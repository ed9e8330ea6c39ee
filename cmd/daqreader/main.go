// Command daqreader runs one fragment-generating rank: it sends fragments
// to its configured destinations via DSM, answers REQ requests against its
// retained fragment buffer, and exposes the commander state machine over a
// TCP control socket.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yanet-platform/daqfabric/internal/config"
	"github.com/yanet-platform/daqfabric/internal/dsm"
	"github.com/yanet-platform/daqfabric/internal/hostmap"
	"github.com/yanet-platform/daqfabric/internal/logging"
	"github.com/yanet-platform/daqfabric/internal/metrics"
	"github.com/yanet-platform/daqfabric/internal/request"
	"github.com/yanet-platform/daqfabric/internal/statemachine"
	"github.com/yanet-platform/daqfabric/internal/transport"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	// ConfigPath is the path to the configuration file.
	ConfigPath string
	// CommandAddr is the address the statemachine commander listens on.
	CommandAddr string
}

var rootCmd = &cobra.Command{
	Use:   "daqreader",
	Short: "DAQ fragment generator: DSM sender + REQ responder for one rank",
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
	rootCmd.Flags().StringVar(&cmd.CommandAddr, "command-addr", "127.0.0.1:0", "Address for the commander control socket")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

type dsmEndpoint struct {
	conn net.Conn
}

func (e dsmEndpoint) Send(b []byte) error {
	_, err := e.conn.Write(b)
	return err
}

func dialDestinations(ranks []int32, hm *hostmap.Map) (map[int32]dsm.Endpoint, []net.Conn, error) {
	endpoints := make(map[int32]dsm.Endpoint, len(ranks))
	conns := make([]net.Conn, 0, len(ranks))
	for _, rank := range ranks {
		entry, ok := hm.Resolve(rank)
		if !ok {
			return nil, nil, fmt.Errorf("daqreader: no host map entry for destination rank %d", rank)
		}
		conn, err := net.Dial("tcp", entry.Addr())
		if err != nil {
			return nil, nil, fmt.Errorf("daqreader: dial destination rank %d at %s: %w", rank, entry.Addr(), err)
		}
		endpoints[rank] = dsmEndpoint{conn}
		conns = append(conns, conn)
	}
	return endpoints, conns, nil
}

func run(cmd Cmd) error {
	cfg, err := config.LoadConfig(cmd.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, _, err := logging.Init(&cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync()

	hm, err := hostmap.Build(cfg.HostMap)
	if err != nil {
		return fmt.Errorf("failed to build host map: %w", err)
	}

	endpoints, conns, err := dialDestinations(cfg.DSM.Destinations, hm)
	if err != nil {
		return fmt.Errorf("failed to dial destinations: %w", err)
	}
	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	reg := metrics.New()
	sender := dsm.New(cfg.DSM, endpoints, dsm.WithLog(log), dsm.WithMetrics(reg))

	buf := request.NewFragmentBuffer(cfg.Request.DataBufferDepthFragments, cfg.Request.CircularBufferMode)

	reqConn, err := transport.JoinMulticast(cfg.Request.MulticastGroup, cfg.Request.Port, cfg.Request.Interface)
	if err != nil {
		return fmt.Errorf("failed to join request multicast group: %w", err)
	}
	defer reqConn.Close()
	receiver := request.NewReceiver(cfg.Request, log, reg)

	ln, err := net.Listen("tcp", cmd.CommandAddr)
	if err != nil {
		return fmt.Errorf("failed to listen for commander connections: %w", err)
	}
	defer ln.Close()
	machine := statemachine.New(statemachine.WithLog(log))

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		return sender.RunTableCache(ctx)
	})
	wg.Go(func() error {
		return receiver.Run(ctx, request.NewDatagramSource(reqConn))
	})
	wg.Go(func() error {
		return statemachine.Serve(ctx, ln, machine, log)
	})
	wg.Go(func() error {
		return respondToRequests(ctx, cfg, receiver, buf, sender, log)
	})
	wg.Go(func() error {
		err := WaitInterrupted(ctx)
		log.Infof("caught signal: %v", err)
		return err
	})

	return wg.Wait()
}

// respondToRequests drains the receiver's out-of-order reconciliation queue
// in strict sequence order, resolving each request against buf and logging
// the resulting fragment type. A request released after
// missing_request_window_timeout_us (because a still-expected predecessor
// never arrived) has its response forced missing_data=true. The actual
// transmission of the resolved fragment back to the requester reuses the
// same DSM send path as data fragments.
func respondToRequests(ctx context.Context, cfg *config.Config, receiver *request.Receiver, buf *request.FragmentBuffer, sender *dsm.Manager, log *zap.SugaredLogger) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for {
				seq, forceMissing, ok := receiver.ReadyNext()
				if !ok {
					break
				}
				ts, ok := receiver.Timestamp(seq)
				if !ok {
					continue
				}
				f, err := request.Evaluate(ctx, cfg.Request, seq, ts, buf)
				if err != nil {
					return fmt.Errorf("daqreader: evaluate request %d: %w", seq, err)
				}
				if forceMissing {
					request.ForceMissing(f)
				}
				if f == nil {
					continue
				}
				log.Debugw("resolved request", "sequence_id", seq, "type", f.Header.Type.String())
				if err := sender.Send(ctx, f); err != nil {
					log.Warnw("failed to send request response", "sequence_id", seq, "error", err)
				}
			}
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
