package redis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	goredis "github.com/redis/go-redis/v9"
)

// Text and binary payloads travel on separate channels so receivers can
// restore the frame type.
const (
	roomChannelPattern  = "applet:room:*"
	textChannelPrefix   = "applet:room:text:"
	binaryChannelPrefix = "applet:room:binary:"
)

func roomChannel(room string, binary bool) string {
	if binary {
		return binaryChannelPrefix + room
	}
	return textChannelPrefix + room
}

func parseRoomChannel(channel string) (room string, binary bool, ok bool) {
	if room, ok := strings.CutPrefix(channel, binaryChannelPrefix); ok {
		return room, true, true
	}
	if room, ok := strings.CutPrefix(channel, textChannelPrefix); ok {
		return room, false, true
	}
	return "", false, false
}

// RoomMessage is a payload published to a WebSocket room.
type RoomMessage struct {
	Room   string
	Data   []byte
	Binary bool
}

// PubSub provides cross-instance room broadcast via Redis Pub/Sub.
type PubSub struct {
	rdb *goredis.Client
}

func NewPubSub(rdb *goredis.Client) *PubSub {
	return &PubSub{rdb: rdb}
}

// Publish sends msg to every instance subscribed to its room.
func (ps *PubSub) Publish(ctx context.Context, msg RoomMessage) error {
	if err := ps.rdb.Publish(ctx, roomChannel(msg.Room, msg.Binary), msg.Data).Err(); err != nil {
		return fmt.Errorf("failed to publish to room %s: %w", msg.Room, err)
	}
	return nil
}

// Subscription is an active pattern subscription over all rooms.
type Subscription struct {
	sub    *goredis.PubSub
	Ch     <-chan RoomMessage
	cancel context.CancelFunc
}

// Close unsubscribes and closes the subscription.
func (s *Subscription) Close() {
	s.cancel()
	_ = s.sub.Close()
}

// SubscribeRooms subscribes to messages for every room. Messages are
// dropped when the receiver falls behind the 64-message buffer.
func (ps *PubSub) SubscribeRooms(ctx context.Context) (*Subscription, error) {
	sub := ps.rdb.PSubscribe(ctx, roomChannelPattern)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to rooms: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	ch := make(chan RoomMessage, 64)

	go func() {
		defer close(ch)
		msgCh := sub.Channel()
		for {
			select {
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				room, binary, ok := parseRoomChannel(msg.Channel)
				if !ok {
					continue
				}
				select {
				case ch <- RoomMessage{Room: room, Data: []byte(msg.Payload), Binary: binary}:
				default:
					slog.Warn("Dropping room message for slow receiver", "channel", msg.Channel)
				}
			case <-subCtx.Done():
				return
			}
		}
	}()

	return &Subscription{sub: sub, Ch: ch, cancel: cancel}, nil
}
