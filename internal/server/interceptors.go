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

// ErrPanicRecovered indicates a handler panicked and was recovered.
var ErrPanicRecovered = errors.New("panic recovered in handler")

// stackBufSize bounds the stack trace captured on panic.
const stackBufSize = 4096

// -------------------------------------------------------------------------
// Logging
// -------------------------------------------------------------------------

// loggingInterceptor logs every RPC with the procedure name, duration, and
// error (if any). Unary and server-streaming handlers are covered; client
// calls pass through.
type loggingInterceptor struct {
	logger *slog.Logger
}

// LoggingInterceptor returns a ConnectRPC interceptor that logs every RPC
// call.
//
// Log level is Debug for successful calls, since health checks are polled,
// and Warn for calls that return errors.
func LoggingInterceptor(logger *slog.Logger) connect.Interceptor {
	return &loggingInterceptor{logger: logger}
}

// WrapUnary implements connect.Interceptor.
func (i *loggingInterceptor) WrapUnary(next connect.UnaryFunc) connect.UnaryFunc {
	return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		i.log(ctx, req.Spec().Procedure, time.Since(start), err)
		return resp, err
	}
}

// WrapStreamingClient implements connect.Interceptor.
func (i *loggingInterceptor) WrapStreamingClient(next connect.StreamingClientFunc) connect.StreamingClientFunc {
	return next
}

// WrapStreamingHandler implements connect.Interceptor.
func (i *loggingInterceptor) WrapStreamingHandler(next connect.StreamingHandlerFunc) connect.StreamingHandlerFunc {
	return func(ctx context.Context, conn connect.StreamingHandlerConn) error {
		start := time.Now()
		err := next(ctx, conn)
		i.log(ctx, conn.Spec().Procedure, time.Since(start), err)
		return err
	}
}

func (i *loggingInterceptor) log(ctx context.Context, procedure string, duration time.Duration, err error) {
	attrs := []slog.Attr{
		slog.String("procedure", procedure),
		slog.Duration("duration", duration),
	}

	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		i.logger.LogAttrs(ctx, slog.LevelWarn, "rpc completed with error", attrs...)
		return
	}
	i.logger.LogAttrs(ctx, slog.LevelDebug, "rpc completed", attrs...)
}

// -------------------------------------------------------------------------
// Recovery
// -------------------------------------------------------------------------

// recoveryInterceptor turns handler panics into CodeInternal errors.
type recoveryInterceptor struct {
	logger *slog.Logger
}

// RecoveryInterceptor returns a ConnectRPC interceptor that recovers from
// panics in RPC handlers. On panic, it logs the panic value and stack trace at
// Error level and returns a CodeInternal error to the client.
func RecoveryInterceptor(logger *slog.Logger) connect.Interceptor {
	return &recoveryInterceptor{logger: logger}
}

// WrapUnary implements connect.Interceptor.
func (i *recoveryInterceptor) WrapUnary(next connect.UnaryFunc) connect.UnaryFunc {
	return func(ctx context.Context, req connect.AnyRequest) (resp connect.AnyResponse, retErr error) {
		defer func() {
			if r := recover(); r != nil {
				retErr = i.recovered(ctx, req.Spec().Procedure, r)
			}
		}()

		return next(ctx, req)
	}
}

// WrapStreamingClient implements connect.Interceptor.
func (i *recoveryInterceptor) WrapStreamingClient(next connect.StreamingClientFunc) connect.StreamingClientFunc {
	return next
}

// WrapStreamingHandler implements connect.Interceptor.
func (i *recoveryInterceptor) WrapStreamingHandler(next connect.StreamingHandlerFunc) connect.StreamingHandlerFunc {
	return func(ctx context.Context, conn connect.StreamingHandlerConn) (retErr error) {
		defer func() {
			if r := recover(); r != nil {
				retErr = i.recovered(ctx, conn.Spec().Procedure, r)
			}
		}()

		return next(ctx, conn)
	}
}

func (i *recoveryInterceptor) recovered(ctx context.Context, procedure string, r any) error {
	i.logger.ErrorContext(ctx, "panic recovered in rpc handler",
		slog.String("procedure", procedure),
		slog.Any("panic", r),
		slog.String("stack", stack()),
	)

	return connect.NewError(connect.CodeInternal, fmt.Errorf("%s: %w", procedure, ErrPanicRecovered))
}

// LoggingInterceptorOption wraps LoggingInterceptor as a handler option.
func LoggingInterceptorOption(logger *slog.Logger) connect.HandlerOption {
	return connect.WithInterceptors(LoggingInterceptor(logger))
}

// RecoveryInterceptorOption wraps RecoveryInterceptor as a handler option.
func RecoveryInterceptorOption(logger *slog.Logger) connect.HandlerOption {
	return connect.WithInterceptors(RecoveryInterceptor(logger))
}

// stack captures the current goroutine's stack trace.
func stack() string {
	buf := make([]byte, stackBufSize)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}
