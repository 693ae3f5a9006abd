package client

import (
	"context"
	"fmt"
	"log/slog"
	"sendme/domain"
	"sendme/transport"
	"sync"

	"google.golang.org/grpc"
)

// TransferDialer opens Exchange streams to receivers, one connection per
// endpoint. Message limits are raised to fit full chunks before opts apply.
type TransferDialer struct {
	log   *slog.Logger
	opts  []grpc.DialOption
	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

func NewTransferDialer(log *slog.Logger, opts ...grpc.DialOption) *TransferDialer {
	return &TransferDialer{
		log:   log,
		opts:  append(transport.DialOptions(), opts...),
		conns: make(map[string]*grpc.ClientConn),
	}
}

// Dial opens a stream for session. The stream outlives ctx and ends on Close.
func (d *TransferDialer) Dial(ctx context.Context, endpoint string, session domain.SessionID, token string) (transport.Channel, error) {
	conn, err := d.conn(endpoint)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	streamCtx = transport.OutgoingContext(streamCtx, session, token)
	stream, err := conn.NewStream(streamCtx, &transport.ServiceDesc.Streams[0], transport.ExchangeMethod)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open exchange stream to %s: %w", endpoint, err)
	}

	d.log.Debug("exchange stream opened", "endpoint", endpoint, "session_id", session)
	return transport.NewStreamChannel(session, stream, func() {
		_ = stream.CloseSend()
		cancel()
	}), nil
}

func (d *TransferDialer) conn(endpoint string) (*grpc.ClientConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if conn, ok := d.conns[endpoint]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(endpoint, d.opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}
	d.conns[endpoint] = conn
	return conn, nil
}

func (d *TransferDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	for endpoint, conn := range d.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(d.conns, endpoint)
	}
	return firstErr
}
