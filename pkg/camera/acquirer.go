package camera

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/teslashibe/go-waterwatch/internal/log"
	"github.com/teslashibe/go-waterwatch/internal/metrics"
	"github.com/teslashibe/go-waterwatch/pkg/debug"
	"gocv.io/x/gocv"
)

// Probe defaults: three reads, two of which must produce a frame.
const (
	DefaultProbeFrames = 3
	DefaultQuorum      = 2
)

var (
	// ErrNoDevice is returned when no candidate passed probing.
	ErrNoDevice = errors.New("no camera device available")

	// ErrReadTimeout is returned when a frame read exceeds its deadline.
	ErrReadTimeout = errors.New("frame read timed out")

	// ErrEmptyFrame is returned when the device produced no frame.
	ErrEmptyFrame = errors.New("empty frame")

	// ErrReleased is returned when reading from a released device.
	ErrReleased = errors.New("device released")
)

// Candidate identifies a video source: a device index ("0", "1") or a
// path or URL understood by OpenCV.
type Candidate string

// Index returns the device index when the candidate is numeric.
func (c Candidate) Index() (int, bool) {
	i, err := strconv.Atoi(strings.TrimSpace(string(c)))
	return i, err == nil
}

// source returns the value handed to OpenCV.
func (c Candidate) source() interface{} {
	if i, ok := c.Index(); ok {
		return i
	}
	return string(c)
}

// DefaultCandidates probes external devices before the built-in one.
func DefaultCandidates() []Candidate {
	return []Candidate{"1", "2", "3", "0"}
}

// ParseCandidates splits a comma separated candidate list.
func ParseCandidates(s string) []Candidate {
	var out []Candidate
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, Candidate(part))
		}
	}
	return out
}

// Device is an open video source.
type Device interface {
	// Read fills dst with the next frame, reporting success.
	Read(dst *gocv.Mat) bool

	// Close releases the device
	Close() error
}

// Opener opens one candidate. Implementations return an error rather than
// an unopened device.
type Opener func(ctx context.Context, c Candidate) (Device, error)

// Outcome classifies one probe attempt
type Outcome string

const (
	OutcomeAccepted     Outcome = "accepted"
	OutcomeOpenFailed   Outcome = "open_failed"
	OutcomeQuorumFailed Outcome = "quorum_failed"
	OutcomeInUse        Outcome = "in_use"
	OutcomeCancelled    Outcome = "cancelled"
)

// Attempt records what happened to one candidate.
type Attempt struct {
	Candidate Candidate `json:"candidate"`
	Outcome   Outcome   `json:"outcome"`
	GoodReads int       `json:"good_reads"`
	Err       error     `json:"-"`
}

// AcquireError reports a failed acquisition with every attempt made.
type AcquireError struct {
	Attempts []Attempt
	cause    error
}

func (e *AcquireError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s:%s", a.Candidate, a.Outcome))
	}
	return fmt.Sprintf("%v [%s]", e.cause, strings.Join(parts, " "))
}

func (e *AcquireError) Unwrap() error { return e.cause }

// AcquirerConfig holds the probing policy
type AcquirerConfig struct {
	Candidates  []Candidate // Probed in order
	ProbeFrames int         // Reads per candidate (default 3)
	Quorum      int         // Non-empty reads required (default 2)
}

// Acquirer selects the first working device from an ordered candidate
// list. It is shared by all sessions and never hands the same candidate
// to two sessions at once.
type Acquirer struct {
	cfg  AcquirerConfig
	open Opener

	mu      sync.Mutex
	claimed map[Candidate]bool
}

// NewAcquirer creates an acquirer using open to reach devices.
func NewAcquirer(cfg AcquirerConfig, open Opener) *Acquirer {
	if len(cfg.Candidates) == 0 {
		cfg.Candidates = DefaultCandidates()
	}
	if cfg.ProbeFrames <= 0 {
		cfg.ProbeFrames = DefaultProbeFrames
	}
	if cfg.Quorum <= 0 {
		cfg.Quorum = DefaultQuorum
	}
	if cfg.Quorum > cfg.ProbeFrames {
		cfg.Quorum = cfg.ProbeFrames
	}
	return &Acquirer{
		cfg:     cfg,
		open:    open,
		claimed: make(map[Candidate]bool),
	}
}

// Candidates returns the probing order.
func (a *Acquirer) Candidates() []Candidate {
	return append([]Candidate(nil), a.cfg.Candidates...)
}

// Claimed returns the candidates currently owned by sessions.
func (a *Acquirer) Claimed() []Candidate {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Candidate, 0, len(a.claimed))
	for _, c := range a.cfg.Candidates {
		if a.claimed[c] {
			out = append(out, c)
		}
	}
	return out
}

// Acquire probes candidates in order and returns the first one meeting
// quorum. Rejected candidates are closed before the next is opened.
// On failure the error is an *AcquireError wrapping ErrNoDevice.
func (a *Acquirer) Acquire(ctx context.Context) (*Acquisition, error) {
	var attempts []Attempt

	for _, c := range a.cfg.Candidates {
		if err := ctx.Err(); err != nil {
			attempts = append(attempts, a.record(Attempt{Candidate: c, Outcome: OutcomeCancelled, Err: err}))
			return nil, &AcquireError{Attempts: attempts, cause: err}
		}

		if !a.claim(c) {
			attempts = append(attempts, a.record(Attempt{Candidate: c, Outcome: OutcomeInUse}))
			continue
		}

		attempt, dev := a.try(ctx, c)
		attempts = append(attempts, a.record(attempt))
		if attempt.Outcome == OutcomeAccepted {
			log.Info("camera acquired", "candidate", string(c), "good_reads", attempt.GoodReads)
			return &Acquisition{
				Candidate: c,
				Attempts:  attempts,
				dev:       dev,
				release:   func() { a.unclaim(c) },
				closed:    make(chan struct{}),
			}, nil
		}
		a.unclaim(c)
	}

	return nil, &AcquireError{Attempts: attempts, cause: ErrNoDevice}
}

// try opens and probes one candidate. A rejected device is closed here.
func (a *Acquirer) try(ctx context.Context, c Candidate) (Attempt, Device) {
	dev, err := a.open(ctx, c)
	if err != nil {
		return Attempt{Candidate: c, Outcome: OutcomeOpenFailed, Err: err}, nil
	}

	good := a.probe(dev)
	if good < a.cfg.Quorum {
		if cerr := dev.Close(); cerr != nil {
			log.Warn("close rejected camera", "candidate", string(c), "error", cerr)
		}
		return Attempt{
			Candidate: c,
			Outcome:   OutcomeQuorumFailed,
			GoodReads: good,
			Err:       fmt.Errorf("%d/%d probe reads, need %d", good, a.cfg.ProbeFrames, a.cfg.Quorum),
		}, nil
	}

	return Attempt{Candidate: c, Outcome: OutcomeAccepted, GoodReads: good}, dev
}

func (a *Acquirer) probe(dev Device) int {
	frame := gocv.NewMat()
	defer frame.Close()

	good := 0
	for i := 0; i < a.cfg.ProbeFrames; i++ {
		ok := dev.Read(&frame) && !frame.Empty()
		if ok {
			good++
		}
		debug.Log("🔎 probe read %d/%d ok=%v\n", i+1, a.cfg.ProbeFrames, ok)
	}
	return good
}

func (a *Acquirer) record(at Attempt) Attempt {
	metrics.RecordProbe(string(at.Outcome))
	if at.Outcome != OutcomeAccepted {
		log.Debug("camera candidate rejected", "candidate", string(at.Candidate), "outcome", string(at.Outcome), "error", at.Err)
	}
	return at
}

func (a *Acquirer) claim(c Candidate) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.claimed[c] {
		return false
	}
	a.claimed[c] = true
	return true
}

func (a *Acquirer) unclaim(c Candidate) {
	a.mu.Lock()
	delete(a.claimed, c)
	a.mu.Unlock()
}

// Acquisition is an exclusively owned device.
type Acquisition struct {
	Candidate Candidate
	Attempts  []Attempt

	dev     Device
	release func()
	closed  chan struct{}

	mu       sync.Mutex
	reading  bool
	released bool
	closeErr error
}

// Read blocks until the device produces a frame into dst, the timeout
// passes, or ctx is done. A zero timeout waits for the device. After a
// timeout or cancellation the read keeps running in the background, so
// dst must stay open until Closed is done.
func (q *Acquisition) Read(ctx context.Context, dst *gocv.Mat, timeout time.Duration) error {
	q.mu.Lock()
	switch {
	case q.released:
		q.mu.Unlock()
		return ErrReleased
	case q.reading:
		q.mu.Unlock()
		return ErrReadTimeout
	}
	q.reading = true
	q.mu.Unlock()

	done := make(chan bool, 1)
	go func() {
		ok := q.dev.Read(dst) && !dst.Empty()

		q.mu.Lock()
		q.reading = false
		orphaned := q.released
		q.mu.Unlock()
		if orphaned {
			q.shutdown()
		}
		done <- ok
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case ok := <-done:
		if !ok {
			return ErrEmptyFrame
		}
		return nil
	case <-expired:
		return ErrReadTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release closes the device and frees the candidate for other sessions.
// It never waits on the device: when a read is still in flight the close
// happens as soon as that read returns. Safe to call more than once.
func (q *Acquisition) Release() error {
	q.mu.Lock()
	if q.released {
		err := q.closeErr
		q.mu.Unlock()
		return err
	}
	q.released = true
	busy := q.reading
	q.mu.Unlock()

	if busy {
		log.Warn("camera read still in flight, deferring close", "candidate", string(q.Candidate))
		return nil
	}
	q.shutdown()

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closeErr
}

// Closed is done once the device is closed and the candidate is free.
func (q *Acquisition) Closed() <-chan struct{} {
	return q.closed
}

func (q *Acquisition) shutdown() {
	err := q.dev.Close()
	if q.release != nil {
		q.release()
	}
	q.mu.Lock()
	q.closeErr = err
	q.mu.Unlock()
	close(q.closed)
}
