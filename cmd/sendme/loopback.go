package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sendme/auth"
	"sendme/domain"
	"sendme/infrastructure/directory"
	"sendme/infrastructure/grpc/client"
	"sendme/infrastructure/grpc/server"
	"sendme/infrastructure/storage"
	"sendme/runtime"
	"sendme/runtime/workers"
	"sendme/transport"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gookit/color"
	"github.com/mama165/sdk-go/logs"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type loopbackOptions struct {
	out       string
	chunkSize int
	memory    bool
	dropAt    int
}

// loopbackCmd runs both participants of one transfer in this process,
// which exercises the whole engine against a real gRPC connection.
func loopbackCmd() *cobra.Command {
	var opts loopbackOptions
	cmd := &cobra.Command{
		Use:   "loopback FILE",
		Short: "Send FILE to yourself through a local endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.out == "" {
				opts.out = args[0] + ".received"
			}
			logger := logs.GetLoggerFromString(logLevel(cmd, "WARN"))
			return loopback(cmd.Context(), logger, args[0], opts)
		},
	}
	cmd.Flags().StringVarP(&opts.out, "out", "o", "", "where to write the received copy (default FILE.received)")
	cmd.Flags().IntVar(&opts.chunkSize, "chunk-size", domain.DefaultChunkSize, "proposed chunk size in bytes")
	cmd.Flags().BoolVar(&opts.memory, "memory", false, "use the in-process transport instead of gRPC")
	cmd.Flags().IntVar(&opts.dropAt, "drop-at", -1, "with --memory, cut the connection once when this chunk is sent")
	return cmd
}

func loopback(ctx context.Context, logger *slog.Logger, path string, opts loopbackOptions) error {
	in, err := os.Open(path)
	if err != nil {
		return configError{err}
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return configError{err}
	}
	out, err := os.Create(opts.out)
	if err != nil {
		return configError{err}
	}
	defer out.Close()

	policy := runtime.DefaultPolicy()
	policy.ChunkSize = opts.chunkSize
	if err := policy.Validate(); err != nil {
		return configError{err}
	}

	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return fmt.Errorf("database opening failed: %w", err)
	}
	defer db.Close()

	issuer, err := auth.NewIssuer(auth.IssuerConfig{Secret: randomSecret(), TTL: time.Hour})
	if err != nil {
		return err
	}
	alice, err := issuer.Identity("alice")
	if err != nil {
		return err
	}
	bob, err := issuer.Identity("bob")
	if err != nil {
		return err
	}

	notifications, err := notifierOptions(logger)
	if err != nil {
		return err
	}
	sessions := directory.NewDirectory(db, logger, directory.WithResyncInterval(200*time.Millisecond))
	g, ctx := errgroup.WithContext(ctx)

	var (
		dialer   transport.Dialer
		acceptor transport.Acceptor
		shutdown = func() {}
		severed  atomic.Bool
	)
	if opts.memory {
		hub := transport.NewHub()
		hub.SetFault(func(_ domain.SessionID, f transport.Frame) transport.Action {
			if f.Kind == transport.KindData && f.Index == opts.dropAt && severed.CompareAndSwap(false, true) {
				return transport.Sever
			}
			return transport.Deliver
		})
		dialer, acceptor = hub, hub.Listen("bob-loopback")
	} else {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return fmt.Errorf("failed to listen: %w", err)
		}
		s := grpc.NewServer(append(transport.ServerOptions(), grpc.ChainStreamInterceptor(auth.StreamInterceptor(issuer)))...)
		transfers := server.NewTransferServer(logger, listener.Addr().String(), sessions)
		transfers.Register(s)
		grpcDialer := client.NewTransferDialer(logger, grpc.WithTransportCredentials(insecure.NewCredentials()))
		defer grpcDialer.Close()

		g.Go(func() error {
			if err := s.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("gRPC server error: %w", err)
			}
			return nil
		})
		dialer, acceptor, shutdown = grpcDialer, transfers, s.GracefulStop
	}

	coordinator, err := runtime.NewCoordinator(logger, sessions, storage.NewChunkRepository(db, logger),
		dialer, acceptor, workers.NewSupervisor(logger), policy, notifications...)
	if err != nil {
		shutdown()
		return configError{err}
	}
	defer coordinator.Close()

	started := time.Now()
	id, err := coordinator.CreateTransfer(ctx, alice, bob.Participant, info.Name(), in, info.Size())
	if err != nil {
		shutdown()
		return err
	}
	progress, err := coordinator.AcceptTransfer(ctx, id, bob, out)
	if err != nil {
		shutdown()
		return err
	}

	g.Go(func() error {
		err := report(ctx, progress, info.Size(), started)
		coordinator.Close()
		shutdown()
		return err
	})
	return g.Wait()
}

func report(ctx context.Context, progress <-chan runtime.Progress, size int64, started time.Time) error {
	label := color.New(color.FgCyan)
	var last runtime.Progress
	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			return ctx.Err()
		case p, ok := <-progress:
			if !ok {
				fmt.Println()
				return outcome(last, size, started)
			}
			last = p
			bar := strings.Repeat("#", p.Percent/5) + strings.Repeat(".", 20-p.Percent/5)
			fmt.Printf("\r%s [%s] %3d%%", label.Render(p.State.String()), bar, p.Percent)
		}
	}
}

func outcome(p runtime.Progress, size int64, started time.Time) error {
	switch p.State {
	case domain.StateCompleted:
		fmt.Println(color.New(color.FgGreen).Render(
			fmt.Sprintf("%d bytes delivered and verified in %s", size, time.Since(started).Round(time.Millisecond))))
		return nil
	case domain.StateFailed:
		fmt.Println(color.New(color.FgRed).Render("transfer failed: " + p.Failure))
		return fmt.Errorf("transfer failed: %s", p.Failure)
	default:
		return fmt.Errorf("transfer ended in state %s", p.State)
	}
}

func randomSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
