package client

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"
)

// retryingStream wraps the stream of the current attempt. For server-streaming calls it
// keeps the request messages until the first response so a failed attempt can be
// replayed on a fresh stream.
type retryingStream struct {
	caller     *Caller
	callerCtx  context.Context
	desc       *grpc.StreamDesc
	method     string
	opts       []grpc.CallOption
	replayable bool

	mu      sync.Mutex
	current grpc.ClientStream

	attemptCtx context.Context
	cancel     context.CancelCauseFunc
	timer      *time.Timer
	attempts   int

	sent      []any
	closeSent bool
	received  bool
}

var _ grpc.ClientStream = (*retryingStream)(nil)

// attempt opens a stream for a new attempt and replays what was sent before.
func (s *retryingStream) attempt() error {
	m := s.caller.manager

	s.attempts++
	callAttemptCounter.WithLabelValues(s.method).Inc()

	ctx, cancel := context.WithCancelCause(m.withCredential(s.callerCtx))
	s.attemptCtx, s.cancel = ctx, cancel
	if s.desc.ServerStreams && m.opts.perCallTimeout > 0 {
		s.timer = time.AfterFunc(m.opts.perCallTimeout, func() {
			cancel(errAttemptTimeout)
		})
	}

	stream, err := s.caller.conn.NewStream(ctx, s.desc, s.method, s.opts...)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.current = stream
	s.mu.Unlock()

	for _, msg := range s.sent {
		if err := stream.SendMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				// the stream is already broken; RecvMsg reports the status
				return nil
			}
			return err
		}
	}
	if s.closeSent {
		return stream.CloseSend()
	}
	return nil
}

// recover handles a failed attempt. It returns nil once a replacement stream is
// open, or the terminal error of the call.
func (s *retryingStream) recover(err error) error {
	m := s.caller.manager

	for {
		retryable, cause := classifyAttempt(s.callerCtx, s.attemptCtx, err)
		s.endAttempt()

		if m.isClosed() {
			return closedError(s.method)
		}
		if !retryable {
			return &CallError{Method: s.method, Attempts: s.attempts, Err: cause}
		}
		if s.attempts > m.opts.maxRetries {
			return &CallError{Method: s.method, Attempts: s.attempts, Exhausted: true, Err: cause}
		}
		if werr := m.waitBeforeRetry(s.callerCtx, s.method, s.attempts, cause); werr != nil {
			return werr
		}
		if m.isClosed() {
			return closedError(s.method)
		}

		if err = s.attempt(); err == nil {
			return nil
		}
	}
}

// terminate ends the call with err, which is never retried.
func (s *retryingStream) terminate(err error) error {
	_, cause := classifyAttempt(s.callerCtx, s.attemptCtx, err)
	s.endAttempt()

	if s.caller.manager.isClosed() {
		return closedError(s.method)
	}
	return &CallError{Method: s.method, Attempts: s.attempts, Err: cause}
}

func (s *retryingStream) endAttempt() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancel != nil {
		s.cancel(nil)
	}
}

func (s *retryingStream) stream() grpc.ClientStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *retryingStream) Header() (metadata.MD, error) {
	return s.stream().Header()
}

func (s *retryingStream) Trailer() metadata.MD {
	return s.stream().Trailer()
}

func (s *retryingStream) Context() context.Context {
	return s.stream().Context()
}

func (s *retryingStream) CloseSend() error {
	if s.replayable {
		s.closeSent = true
	}
	return s.stream().CloseSend()
}

func (s *retryingStream) SendMsg(msg any) error {
	if s.replayable && !s.received {
		kept := msg
		if pm, ok := msg.(proto.Message); ok {
			kept = proto.Clone(pm)
		}
		s.sent = append(s.sent, kept)
	}
	return s.stream().SendMsg(msg)
}

func (s *retryingStream) RecvMsg(msg any) error {
	for {
		err := s.stream().RecvMsg(msg)
		if err == nil {
			if !s.received {
				s.received = true
				s.sent = nil
				if s.timer != nil {
					s.timer.Stop()
				}
			}
			return nil
		}

		if errors.Is(err, io.EOF) {
			s.endAttempt()
			return io.EOF
		}

		if !s.replayable || s.received {
			return s.terminate(err)
		}

		if rerr := s.recover(err); rerr != nil {
			return rerr
		}
	}
}
