// Package streamer moves frames from a source to the packetizer through a
// bounded queue, with one goroutine reading the source and one pushing.
package streamer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/1ureka/vtx/internal/packetizer"
	"github.com/1ureka/vtx/internal/source"
	"github.com/1ureka/vtx/internal/util"
)

// Pusher is the packetizer surface the streamer drives.
type Pusher interface {
	Push(data []byte, pts uint32) error
	Flush() error
}

// Streamer owns one source-to-packetizer pipeline.
type Streamer struct {
	ID string

	src   source.Source
	pk    Pusher
	inbox chan *source.Frame
}

// New creates a streamer with a queue of queueSize frames.
func New(src source.Source, pk Pusher, queueSize int) *Streamer {
	return &Streamer{
		ID:    uuid.NewString(),
		src:   src,
		pk:    pk,
		inbox: make(chan *source.Frame, max(queueSize, 1)),
	}
}

// Run blocks until the source ends, fails, or ctx is cancelled. The staged
// tail is flushed once the queue has drained. A cancelled ctx is not an
// error.
func (s *Streamer) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	util.LogInfo("stream %s started", s.ID)

	produced := make(chan error, 1)
	go func() { produced <- s.produce(ctx) }()

	s.consume(ctx)

	err := <-produced
	if ferr := s.pk.Flush(); ferr != nil {
		util.Stats.AddSendError()
		util.LogWarning("stream %s: failed to flush tail: %v", s.ID, ferr)
	}

	if err != nil {
		return fmt.Errorf("stream %s: %w", s.ID, err)
	}
	util.LogInfo("stream %s finished", s.ID)
	return nil
}

// produce reads the source into the queue and closes it when done. It blocks
// while the queue is full.
func (s *Streamer) produce(ctx context.Context) error {
	defer close(s.inbox)

	for {
		f, err := s.src.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("source: %w", err)
		}

		select {
		case s.inbox <- f:
		case <-ctx.Done():
			f.Release()
			return nil
		}
	}
}

// consume is the single goroutine calling Push. It drains whatever is queued
// when the producer stops, and discards the queue on cancellation.
func (s *Streamer) consume(ctx context.Context) {
	for {
		select {
		case f, ok := <-s.inbox:
			if !ok {
				return
			}
			s.push(f)
		case <-ctx.Done():
			for f := range s.inbox {
				util.Stats.DropFrame()
				f.Release()
			}
			return
		}
	}
}

func (s *Streamer) push(f *source.Frame) {
	defer f.Release()

	err := s.pk.Push(f.Data, f.PTS)
	switch {
	case err == nil:
		util.Stats.AddFrame()
	case errors.Is(err, packetizer.ErrEmptyFrame):
		util.Stats.DropFrame()
		util.LogWarning("stream %s: skipped empty frame (pts=%d)", s.ID, f.PTS)
	default:
		util.Stats.AddSendError()
		util.LogError("stream %s: failed to push frame (pts=%d, %d bytes): %v", s.ID, f.PTS, len(f.Data), err)
	}
}

// Close releases the source.
func (s *Streamer) Close() error {
	return s.src.Close()
}
