package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	stdSync "sync"
	"sync/atomic"
	"time"

	"github.com/lib/pq"

	"github.com/c0deZ3R0/couchpull/cursor"
	"github.com/c0deZ3R0/couchpull/logging"
)

// CheckpointNotification is delivered whenever a checkpoint row changes.
type CheckpointNotification struct {
	Key          string
	LastSequence cursor.Cursor
	UpdatedAt    time.Time
}

type notificationPayload struct {
	Key       string    `json:"key"`
	LastSeq   string    `json:"last_seq"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CheckpointHandler handles a checkpoint update.
type CheckpointHandler func(CheckpointNotification)

// CheckpointListener watches checkpoint updates through LISTEN/NOTIFY.
type CheckpointListener struct {
	channel  string
	logger   *slog.Logger
	listener *pq.Listener

	mu       stdSync.RWMutex
	handlers []CheckpointHandler
	keys     map[string]bool

	closed atomic.Bool
	done   chan struct{}
}

// NewCheckpointListener creates a listener for the checkpoint table of config.
// Only updates for keys are delivered; no keys means all updates.
func NewCheckpointListener(config *Config, keys ...string) (*CheckpointListener, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	config.setDefaults()
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string cannot be empty")
	}
	if !validIdentifierRegex.MatchString(config.TableName) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTableName, config.TableName)
	}

	cl := &CheckpointListener{
		channel: config.TableName,
		logger:  logging.Or(config.Logger, logging.ComponentPostgres).With(slog.String("channel", config.TableName)),
		done:    make(chan struct{}),
	}
	if len(keys) > 0 {
		cl.keys = make(map[string]bool, len(keys))
		for _, k := range keys {
			cl.keys[k] = true
		}
	}

	cl.listener = pq.NewListener(
		config.ConnectionString,
		config.MinReconnectInterval,
		config.MaxReconnectInterval,
		cl.eventCallback,
	)
	return cl, nil
}

func (cl *CheckpointListener) eventCallback(event pq.ListenerEventType, err error) {
	switch event {
	case pq.ListenerEventConnected:
		cl.logger.Debug("Connected for LISTEN/NOTIFY")
	case pq.ListenerEventDisconnected:
		cl.logger.Warn("Disconnected from PostgreSQL", slog.Any("error", err))
	case pq.ListenerEventReconnected:
		// pq.Listener re-issues LISTEN for its channels on reconnect.
		cl.logger.Info("Reconnected to PostgreSQL")
	case pq.ListenerEventConnectionAttemptFailed:
		cl.logger.Warn("Connection attempt failed", slog.Any("error", err))
	}
}

// Subscribe registers a handler. Handlers run on the listen goroutine.
func (cl *CheckpointListener) Subscribe(handler CheckpointHandler) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.handlers = append(cl.handlers, handler)
}

// Start issues LISTEN and begins delivering notifications until ctx is
// done or Close is called.
func (cl *CheckpointListener) Start(ctx context.Context) error {
	if cl.closed.Load() {
		return fmt.Errorf("listener is closed")
	}
	if err := cl.listener.Listen(cl.channel); err != nil {
		return fmt.Errorf("failed to listen to channel %s: %w", cl.channel, err)
	}

	go cl.listenLoop(ctx)
	return nil
}

func (cl *CheckpointListener) listenLoop(ctx context.Context) {
	defer cl.logger.Debug("Checkpoint listener stopped")

	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cl.done:
			return
		case n, ok := <-cl.listener.Notify:
			if !ok {
				return
			}
			// A nil notification follows a reconnect.
			if n != nil {
				cl.dispatch(n.Extra)
			}
		case <-ping.C:
			go func() {
				if err := cl.listener.Ping(); err != nil {
					cl.logger.Warn("Ping failed", slog.Any("error", err))
				}
			}()
		}
	}
}

func (cl *CheckpointListener) dispatch(payload string) {
	n, err := parseNotification(payload)
	if err != nil {
		cl.logger.Warn("Ignoring malformed checkpoint notification", slog.Any("error", err))
		return
	}
	if cl.keys != nil && !cl.keys[n.Key] {
		return
	}

	cl.mu.RLock()
	handlers := append([]CheckpointHandler(nil), cl.handlers...)
	cl.mu.RUnlock()

	for _, h := range handlers {
		h(n)
	}
}

func parseNotification(payload string) (CheckpointNotification, error) {
	var p notificationPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return CheckpointNotification{}, fmt.Errorf("failed to parse notification payload: %w", err)
	}
	seq, err := cursor.Decode(p.LastSeq)
	if err != nil {
		return CheckpointNotification{}, err
	}
	return CheckpointNotification{Key: p.Key, LastSequence: seq, UpdatedAt: p.UpdatedAt}, nil
}

// Close stops the listen loop and closes the connection.
func (cl *CheckpointListener) Close() error {
	if !cl.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(cl.done)
	return cl.listener.Close()
}
