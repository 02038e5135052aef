// Package memloglet is a minimal in-memory implementation of the loglet
// contract: a mutex-guarded slice of records with a condition variable to
// wake blocked readers. It backs tests and single-process deployments
// where no durable log server is available.
package memloglet

import (
	"context"
	"sync"

	"github.com/pcholakov/restate/loglet"
)

// Loglet is a single in-memory segment.
type Loglet struct {
	mu        sync.Mutex
	cond      *sync.Cond
	records   []loglet.Record
	trimPoint loglet.Offset
	trimmed   bool
	sealed    bool
	closed    bool
}

// New returns an empty, open loglet starting at loglet.OldestOffset.
func New() *Loglet {
	l := &Loglet{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

var _ loglet.Loglet = (*Loglet)(nil)

func (l *Loglet) nextOffsetLocked() loglet.Offset {
	return loglet.OldestOffset + loglet.Offset(len(l.records))
}

func (l *Loglet) Append(ctx context.Context, data []byte) (loglet.Offset, error) {
	return l.AppendBatch(ctx, [][]byte{data})
}

func (l *Loglet) AppendBatch(ctx context.Context, records [][]byte) (loglet.Offset, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sealed {
		return loglet.InvalidOffset, &loglet.AppendError{Cause: loglet.ErrSealed}
	}
	first := l.nextOffsetLocked()
	for i, data := range records {
		cp := append([]byte(nil), data...)
		l.records = append(l.records, loglet.Record{Offset: first + loglet.Offset(i), Payload: cp})
	}
	l.cond.Broadcast()
	return first, nil
}

func (l *Loglet) FindTail(ctx context.Context) (loglet.TailState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	next := l.nextOffsetLocked()
	if l.sealed {
		return loglet.Sealed(next), nil
	}
	return loglet.Open(next), nil
}

func (l *Loglet) LastKnownUnsealedTail() (loglet.Offset, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sealed {
		return loglet.InvalidOffset, false
	}
	return l.nextOffsetLocked(), true
}

func (l *Loglet) GetTrimPoint(ctx context.Context) (loglet.Offset, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.trimmed {
		return loglet.InvalidOffset, false, nil
	}
	return l.trimPoint, true, nil
}

func (l *Loglet) Trim(ctx context.Context, upToInclusive loglet.Offset) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if upToInclusive == loglet.InvalidOffset {
		return nil
	}
	tail := l.nextOffsetLocked()
	target := upToInclusive
	if target >= tail {
		target = tail - 1
	}
	if target == loglet.InvalidOffset {
		return nil
	}
	if l.trimmed && target <= l.trimPoint {
		return nil
	}
	l.trimPoint = target
	l.trimmed = true
	return nil
}

func (l *Loglet) Seal(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sealed = true
	l.cond.Broadcast()
	return nil
}

func (l *Loglet) Read(ctx context.Context, from loglet.Offset) (loglet.Record, error) {
	if from < loglet.OldestOffset {
		from = loglet.OldestOffset
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		if idx := int(from - loglet.OldestOffset); idx < len(l.records) {
			return l.records[idx], nil
		}
		if l.sealed {
			return loglet.Record{}, &loglet.OperationError{Cause: loglet.ErrSealed}
		}
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				l.mu.Lock()
				l.cond.Broadcast()
				l.mu.Unlock()
			case <-done:
			}
		}()
		l.cond.Wait()
		close(done)
		if err := ctx.Err(); err != nil {
			return loglet.Record{}, &loglet.OperationError{Cause: loglet.ErrShutdown}
		}
	}
}

func (l *Loglet) ReadOpt(ctx context.Context, from loglet.Offset) (loglet.Record, bool, error) {
	if from < loglet.OldestOffset {
		from = loglet.OldestOffset
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := int(from - loglet.OldestOffset)
	if idx < 0 || idx >= len(l.records) {
		return loglet.Record{}, false, nil
	}
	return l.records[idx], true, nil
}

func (l *Loglet) CreateReadStream(ctx context.Context, from loglet.Offset, to *loglet.Offset) (loglet.ReadStream, error) {
	return &readStream{loglet: l, next: from, to: to}, nil
}

type readStream struct {
	loglet *Loglet
	next   loglet.Offset
	to     *loglet.Offset
	done   bool
}

func (s *readStream) Next(ctx context.Context) (loglet.Record, error) {
	if s.done {
		return loglet.Record{}, context.Canceled
	}
	rec, err := s.loglet.Read(ctx, s.next)
	if err != nil {
		return loglet.Record{}, err
	}
	s.next = rec.Offset + 1
	if s.to != nil && rec.Offset >= *s.to {
		s.done = true
	}
	return rec, nil
}

func (s *readStream) ReadPointer() loglet.Offset { return s.next }
func (s *readStream) IsTerminated() bool         { return s.done }

// Provider is a loglet.Provider that always hands out fresh in-memory
// loglets, ignoring segment params (in-memory segments carry no durable
// configuration to interpret).
type Provider struct{}

func (Provider) Open(ctx context.Context, logID uint32, segmentIndex uint32, params []byte) (loglet.Loglet, error) {
	return New(), nil
}
