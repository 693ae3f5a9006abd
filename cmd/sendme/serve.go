package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sendme/auth"
	"sendme/domain"
	"sendme/infrastructure/directory"
	"sendme/infrastructure/grpc/client"
	"sendme/infrastructure/grpc/server"
	"sendme/infrastructure/storage"
	"sendme/internal"
	"sendme/runtime"
	"sendme/runtime/workers"
	"sendme/spool"
	"sendme/transport"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/mama165/sdk-go/database"
	"github.com/mama165/sdk-go/logs"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	debugPort     = 8081
	debugEndpoint = "/inspect"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Host the transfer endpoint and send or receive through the spool directories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, err := internal.LoadConfig()
			if err != nil {
				return configError{err}
			}
			policy, err := config.Policy()
			if err != nil {
				return configError{err}
			}
			issuer, err := auth.NewIssuer(config.Issuer())
			if err != nil {
				return configError{err}
			}
			logger := logs.GetLoggerFromString(logLevel(cmd, config.LogLevel))
			opts, err := notifierOptions(logger)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), logger, config, policy, issuer, opts)
		},
	}
}

func serve(
	ctx context.Context,
	logger *slog.Logger,
	config internal.Config,
	policy runtime.Policy,
	issuer *auth.Issuer,
	opts []runtime.CoordinatorOption,
) error {
	db, err := badger.Open(badger.DefaultOptions(config.BadgerFilepath).WithLoggingLevel(badger.WARNING))
	if err != nil {
		return fmt.Errorf("database opening failed: %w", err)
	}
	defer func() {
		logger.Info("Closing BadgerDB...")
		_ = db.Close()
	}()

	if logger.Enabled(ctx, slog.LevelDebug) {
		logger.Info("Debug Badger inspector available", "url", fmt.Sprintf("http://localhost:%d%s", debugPort, debugEndpoint))
		database.StartDebugServer(db, debugPort, debugEndpoint, SessionMapper)
	}

	sessions := directory.NewDirectory(db, logger, directory.WithResyncInterval(config.WatchResync))
	chunks := storage.NewChunkRepository(db, logger)

	listener, err := net.Listen("tcp", config.Address())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", config.Address(), err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sup := workers.NewSupervisor(logger)
	sup.Start(ctx, workers.NewJanitorWorker(logger, sessions, chunks, config.JanitorInterval, config.InactivityTimeout))

	s := grpc.NewServer(append(transport.ServerOptions(), grpc.ChainStreamInterceptor(auth.StreamInterceptor(issuer)))...)
	transfers := server.NewTransferServer(logger, config.AdvertisedEndpoint(), sessions)
	transfers.Register(s)

	// Senders reach receivers of other nodes with the token they were issued.
	dialer := client.NewTransferDialer(logger, grpc.WithTransportCredentials(insecure.NewCredentials()))
	defer dialer.Close()

	coordinator, err := runtime.NewCoordinator(logger, sessions, chunks, dialer, transfers, sup, policy, opts...)
	if err != nil {
		cancel()
		sup.Wait()
		return configError{err}
	}
	sup.Start(ctx, spool.NewInboxWorker(logger, config.InboxDir(), sessions, coordinator, issuer, config.SpoolScan))
	if config.Participant != "" {
		sender, err := issuer.Identity(domain.ParticipantID(config.Participant))
		if err != nil {
			coordinator.Close()
			return configError{err}
		}
		sup.Start(ctx, spool.NewOutboxWorker(logger, config.OutboxDir(), sender, coordinator, config.SpoolScan))
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("Starting gRPC server",
			"address", config.Address(),
			"endpoint", transfers.Endpoint(),
			"at", time.Now().UTC())
		if err := s.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errChan <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errChan:
		cancel()
		coordinator.Close()
		return err
	}

	// Tasks end first so their streams close and GracefulStop can return.
	logger.Info("Shutting down gracefully...")
	cancel()
	coordinator.Close()
	s.GracefulStop()
	logger.Info("Program stopped cleanly")
	return nil
}
