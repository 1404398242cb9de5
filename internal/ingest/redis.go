// Package ingest receives runner-originated signals. Runners execute in
// separate processes, containers or cluster jobs; they report heartbeats
// and terminal results over Redis pub/sub, and this listener forwards them
// into the dispatcher's inbound APIs.
package ingest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/fleetworks/dispatcher/internal/config"
	"github.com/fleetworks/dispatcher/internal/logger"
)

const (
	CompletionChannel = "dispatcher:completions"
	HeartbeatChannel  = "dispatcher:heartbeats"
)

// CompletionMessage is the wire format for a runner's terminal report.
type CompletionMessage struct {
	RunnerID      string `json:"runner_id"`
	TaskID        string `json:"task_id"`
	SpecName      string `json:"spec_name"`
	Success       bool   `json:"success"`
	SlotID        string `json:"slot_id"`
	PoolName      string `json:"pool_name"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// HeartbeatMessage is the wire format for a liveness refresh.
type HeartbeatMessage struct {
	RunnerID string `json:"runner_id"`
}

// CompletionSink is the dispatcher's completion API.
type CompletionSink interface {
	HandleRunnerCompletion(runnerID, taskID, specName string, success bool, slotID, poolName, failureReason string) error
}

// HeartbeatSink is the runner monitor's heartbeat API.
type HeartbeatSink interface {
	UpdateHeartbeat(runnerID string)
}

// Listener subscribes to the completion and heartbeat channels and relays
// each message to its sink.
type Listener struct {
	client      *redis.Client
	completions CompletionSink
	heartbeats  HeartbeatSink

	pubsub *redis.PubSub
	wg     sync.WaitGroup
}

func NewListener(cfg config.RedisConfig, completions CompletionSink, heartbeats HeartbeatSink) *Listener {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Listener{
		client:      client,
		completions: completions,
		heartbeats:  heartbeats,
	}
}

// Start subscribes and begins relaying messages until Stop or context
// cancellation.
func (l *Listener) Start(ctx context.Context) error {
	if err := l.client.Ping(ctx).Err(); err != nil {
		return err
	}

	l.pubsub = l.client.Subscribe(ctx, CompletionChannel, HeartbeatChannel)

	l.wg.Add(1)
	go l.relay(ctx)

	logger.WithComponent("ingest").Info().
		Str("completion_channel", CompletionChannel).
		Str("heartbeat_channel", HeartbeatChannel).
		Msg("runner signal listener started")
	return nil
}

// Stop closes the subscription and waits for the relay loop to exit.
func (l *Listener) Stop() {
	if l.pubsub != nil {
		_ = l.pubsub.Close()
	}
	l.wg.Wait()
	_ = l.client.Close()
	logger.WithComponent("ingest").Info().Msg("runner signal listener stopped")
}

func (l *Listener) relay(ctx context.Context) {
	defer l.wg.Done()

	ch := l.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			l.handle(msg)
		}
	}
}

func (l *Listener) handle(msg *redis.Message) {
	log := logger.WithComponent("ingest")

	switch msg.Channel {
	case HeartbeatChannel:
		var hb HeartbeatMessage
		if err := json.Unmarshal([]byte(msg.Payload), &hb); err != nil {
			log.Warn().Err(err).Msg("malformed heartbeat message dropped")
			return
		}
		if hb.RunnerID == "" {
			log.Warn().Msg("heartbeat message without runner_id dropped")
			return
		}
		l.heartbeats.UpdateHeartbeat(hb.RunnerID)

	case CompletionChannel:
		var cm CompletionMessage
		if err := json.Unmarshal([]byte(msg.Payload), &cm); err != nil {
			log.Warn().Err(err).Msg("malformed completion message dropped")
			return
		}
		if cm.RunnerID == "" || cm.TaskID == "" {
			log.Warn().Msg("completion message missing identifiers dropped")
			return
		}
		err := l.completions.HandleRunnerCompletion(
			cm.RunnerID, cm.TaskID, cm.SpecName, cm.Success, cm.SlotID, cm.PoolName, cm.FailureReason)
		if err != nil {
			log.Error().Err(err).
				Str("runner_id", cm.RunnerID).
				Msg("completion handling failed")
		}
	}
}
