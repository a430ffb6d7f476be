package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"connectrpc.com/connect"
)

// ErrPanicRecovered indicates an RPC handler panicked and was recovered.
var ErrPanicRecovered = errors.New("panic recovered in rpc handler")

// -------------------------------------------------------------------------
// Logging
// -------------------------------------------------------------------------

// loggingInterceptor logs every unary call and every server stream with
// the procedure, peer, duration and error code.
type loggingInterceptor struct {
	logger *slog.Logger
}

// LoggingInterceptor returns a ConnectRPC interceptor that logs every RPC.
//
// Successful calls and caller mistakes (NotFound, InvalidArgument,
// AlreadyExists, FailedPrecondition, Canceled) log at Info; everything else
// logs at Warn.
func LoggingInterceptor(logger *slog.Logger) connect.Interceptor {
	return &loggingInterceptor{logger: logger}
}

// LoggingInterceptorOption wraps LoggingInterceptor as a handler option.
func LoggingInterceptorOption(logger *slog.Logger) connect.HandlerOption {
	return connect.WithInterceptors(LoggingInterceptor(logger))
}

func (li *loggingInterceptor) WrapUnary(next connect.UnaryFunc) connect.UnaryFunc {
	return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		li.log(ctx, req.Spec().Procedure, req.Peer().Addr, time.Since(start), err)
		return resp, err
	}
}

func (li *loggingInterceptor) WrapStreamingClient(next connect.StreamingClientFunc) connect.StreamingClientFunc {
	return next
}

func (li *loggingInterceptor) WrapStreamingHandler(next connect.StreamingHandlerFunc) connect.StreamingHandlerFunc {
	return func(ctx context.Context, conn connect.StreamingHandlerConn) error {
		start := time.Now()
		err := next(ctx, conn)
		li.log(ctx, conn.Spec().Procedure, conn.Peer().Addr, time.Since(start), err)
		return err
	}
}

func (li *loggingInterceptor) log(ctx context.Context, procedure, peer string, d time.Duration, err error) {
	attrs := []slog.Attr{
		slog.String("procedure", procedure),
		slog.String("peer", peer),
		slog.Duration("duration", d),
	}

	if err == nil {
		li.logger.LogAttrs(ctx, slog.LevelInfo, "rpc completed", attrs...)
		return
	}

	code := connect.CodeOf(err)
	attrs = append(attrs,
		slog.String("code", code.String()),
		slog.String("error", err.Error()),
	)

	level := slog.LevelWarn
	switch code {
	case connect.CodeNotFound, connect.CodeInvalidArgument, connect.CodeAlreadyExists,
		connect.CodeFailedPrecondition, connect.CodeCanceled:
		level = slog.LevelInfo
	}
	li.logger.LogAttrs(ctx, level, "rpc completed with error", attrs...)
}

// -------------------------------------------------------------------------
// Recovery
// -------------------------------------------------------------------------

// recoveryInterceptor turns handler panics into CodeInternal errors.
type recoveryInterceptor struct {
	logger *slog.Logger
}

// RecoveryInterceptor returns a ConnectRPC interceptor that recovers from
// panics in unary and streaming handlers. The panic value and stack are
// logged at Error level and the client receives CodeInternal.
func RecoveryInterceptor(logger *slog.Logger) connect.Interceptor {
	return &recoveryInterceptor{logger: logger}
}

// RecoveryInterceptorOption wraps RecoveryInterceptor as a handler option.
func RecoveryInterceptorOption(logger *slog.Logger) connect.HandlerOption {
	return connect.WithInterceptors(RecoveryInterceptor(logger))
}

func (ri *recoveryInterceptor) WrapUnary(next connect.UnaryFunc) connect.UnaryFunc {
	return func(ctx context.Context, req connect.AnyRequest) (resp connect.AnyResponse, retErr error) {
		defer ri.handlePanic(ctx, req.Spec().Procedure, &retErr)
		return next(ctx, req)
	}
}

func (ri *recoveryInterceptor) WrapStreamingClient(next connect.StreamingClientFunc) connect.StreamingClientFunc {
	return next
}

func (ri *recoveryInterceptor) WrapStreamingHandler(next connect.StreamingHandlerFunc) connect.StreamingHandlerFunc {
	return func(ctx context.Context, conn connect.StreamingHandlerConn) (retErr error) {
		defer ri.handlePanic(ctx, conn.Spec().Procedure, &retErr)
		return next(ctx, conn)
	}
}

// handlePanic must be deferred directly by the wrapped handler.
func (ri *recoveryInterceptor) handlePanic(ctx context.Context, procedure string, errp *error) {
	r := recover()
	if r == nil {
		return
	}

	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)

	ri.logger.ErrorContext(ctx, "panic recovered in rpc handler",
		slog.String("procedure", procedure),
		slog.Any("panic", r),
		slog.String("stack", string(buf[:n])),
	)

	*errp = connect.NewError(connect.CodeInternal,
		fmt.Errorf("%s: %w", procedure, ErrPanicRecovered))
}
