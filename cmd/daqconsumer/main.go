// Command daqconsumer is an example consumer process: it connects to a
// builder's completed-event stream and logs each event as it arrives.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/yanet-platform/daqfabric/internal/eventstream"
	"github.com/yanet-platform/daqfabric/internal/logging"
)

var cmd Cmd

// Cmd is the command line arguments.
type Cmd struct {
	// BuilderAddr is the address of the builder's consumer-stream listener.
	BuilderAddr string
}

var rootCmd = &cobra.Command{
	Use:   "daqconsumer",
	Short: "Example consumer: logs completed events from a builder",
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
	rootCmd.Flags().StringVarP(&cmd.BuilderAddr, "builder-addr", "b", "", "Address of the builder's consumer-stream listener (required)")
	rootCmd.MarkFlagRequired("builder-addr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd Cmd) error {
	log, _, err := logging.Init(&logging.Config{Level: zapcore.DebugLevel})
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer log.Sync()

	conn, err := net.Dial("tcp", cmd.BuilderAddr)
	if err != nil {
		return fmt.Errorf("failed to dial builder at %s: %w", cmd.BuilderAddr, err)
	}
	defer conn.Close()

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		return consumeEvents(ctx, conn, log)
	})
	wg.Go(func() error {
		err := WaitInterrupted(ctx)
		log.Infof("caught signal: %v", err)
		return err
	})

	return wg.Wait()
}

func consumeEvents(ctx context.Context, conn net.Conn, log *zap.SugaredLogger) error {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		h, data, err := eventstream.ReadEvent(conn)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("daqconsumer: read event: %w", err)
		}
		log.Infow("received event",
			"run_id", h.RunID,
			"subrun_id", h.SubrunID,
			"sequence_id", h.SequenceID,
			"event_id", h.EventID,
			"complete", h.IsComplete,
			"bytes", len(data),
		)
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
