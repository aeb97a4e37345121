package eventstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/primoscope/Spotify-echo-sub018/domain"
)

// RunRelay listens on the store updates channel and hands events stored
// by other instances to republish, so every instance's local bus sees the
// full write stream. Events originated by originID are skipped. The loop
// reconnects on channel loss and returns when ctx is done.
func RunRelay(
	ctx context.Context,
	logger *log.Logger,
	rc *redis.Client,
	channel string,
	originID string,
	republish func(ev domain.Event),
) {
	for {
		sub := rc.Subscribe(ctx, channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var notice updateNotice
				if err := json.Unmarshal([]byte(msg.Payload), &notice); err != nil {
					logger.WithError(err).Error("unable to parse store update")
					continue
				}
				if notice.Origin == originID {
					continue
				}
				for _, ev := range notice.Events {
					republish(ev)
				}
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Error("store updates channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}
