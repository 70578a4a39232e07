package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/cory-johannsen/duel/internal/game/room"
)

// ChangeChannel is the NOTIFY channel the room triggers publish on.
const ChangeChannel = "room_changes"

// DefaultReadyTimeout bounds how long Watch waits for the first LISTEN.
const DefaultReadyTimeout = 5 * time.Second

// ErrFeedNotReady is returned by Watch when LISTEN could not be established in
// time.
var ErrFeedNotReady = errors.New("change feed not listening")

// ChangeFeed implements room.ChangeFeed over LISTEN/NOTIFY. One dedicated
// connection listens for every watcher; if it drops it is re-established with
// exponential backoff. Changes published while the connection is down are
// lost.
type ChangeFeed struct {
	pool         *pgxpool.Pool
	logger       *zap.Logger
	readyTimeout time.Duration

	mu      sync.Mutex
	next    uint64
	watches map[uint64]feedWatch
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	ready   chan struct{}
}

type feedWatch struct {
	table  room.Table
	roomID string
	fn     func(room.Change)
}

// NewChangeFeed creates a stopped ChangeFeed. It starts listening on the first
// Watch.
//
// Precondition: pool must be a valid, open connection pool.
func NewChangeFeed(pool *pgxpool.Pool, logger *zap.Logger) *ChangeFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChangeFeed{
		pool:         pool,
		logger:       logger.Named("changefeed"),
		readyTimeout: DefaultReadyTimeout,
		watches:      make(map[uint64]feedWatch),
		ready:        make(chan struct{}),
	}
}

// Watch implements room.ChangeFeed. fn runs on the feed's listener goroutine.
//
// Postcondition: on nil error the feed is listening, so every change committed
// after Watch returns is delivered while the connection holds.
func (f *ChangeFeed) Watch(ctx context.Context, table room.Table, roomID string, fn func(room.Change)) (func(), error) {
	f.mu.Lock()
	if !f.started {
		f.started = true
		loopCtx, cancel := context.WithCancel(context.Background())
		f.cancel = cancel
		f.done = make(chan struct{})
		go f.run(loopCtx, f.done)
	}
	id := f.next
	f.next++
	f.watches[id] = feedWatch{table: table, roomID: roomID, fn: fn}
	ready := f.ready
	f.mu.Unlock()

	remove := func() {
		f.mu.Lock()
		delete(f.watches, id)
		f.mu.Unlock()
	}

	timer := time.NewTimer(f.readyTimeout)
	defer timer.Stop()
	select {
	case <-ready:
	case <-ctx.Done():
		remove()
		return nil, ctx.Err()
	case <-timer.C:
		remove()
		return nil, ErrFeedNotReady
	}

	stop := context.AfterFunc(ctx, remove)
	return func() {
		stop()
		remove()
	}, nil
}

// Close stops listening and waits for the listener to exit.
func (f *ChangeFeed) Close() {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (f *ChangeFeed) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	err := backoff.RetryNotify(func() error {
		err := f.listen(ctx, b)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		f.logger.Warn("change feed listen failed", zap.Error(err), zap.Duration("retry_in", next))
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		f.logger.Error("change feed stopped", zap.Error(err))
	}
}

// listen holds one connection in LISTEN until it fails or ctx ends.
func (f *ChangeFeed) listen(ctx context.Context, b backoff.BackOff) error {
	pooled, err := f.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring listen connection: %w", err)
	}
	conn := pooled.Hijack()
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+ChangeChannel); err != nil {
		return fmt.Errorf("listening on %s: %w", ChangeChannel, err)
	}
	b.Reset()
	f.markReady()
	f.logger.Debug("listening", zap.String("channel", ChangeChannel))

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("waiting for notification: %w", err)
		}
		var c room.Change
		if err := json.Unmarshal([]byte(n.Payload), &c); err != nil {
			f.logger.Warn("decoding change", zap.Error(err))
			continue
		}
		for _, fn := range f.matching(c) {
			fn(c)
		}
	}
}

func (f *ChangeFeed) markReady() {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.ready:
	default:
		close(f.ready)
	}
}

func (f *ChangeFeed) matching(c room.Change) []func(room.Change) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var fns []func(room.Change)
	for _, w := range f.watches {
		if w.table == c.Table && w.roomID == c.RoomID {
			fns = append(fns, w.fn)
		}
	}
	return fns
}
