package owlwhisper

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/sync/errgroup"
)

// wireMessage is the single JSON frame carried per chat stream. The payload
// travels only as ciphertext; the session layer underneath already
// authenticated who the frame came from.
type wireMessage struct {
	ID         string `json:"id"`
	From       string `json:"from"`
	To         string `json:"to"`
	Ciphertext string `json:"ciphertext"`
	Timestamp  int64  `json:"timestamp"`
}

// messagingService sends and receives encrypted direct messages, recording
// every exchange in local history. Delivery is at-most-once: a send either
// lands on the remote stream or is marked failed, and nothing is retried
// automatically.
type messagingService struct {
	host      host.Host
	sessions  *sessionManager
	transport *transportManager
	history   *HistoryStore
	events    *EventBus
	logger    Logger
}

func newMessagingService(h host.Host, sm *sessionManager, tm *transportManager, hs *HistoryStore, events *EventBus, logger Logger) *messagingService {
	ms := &messagingService{
		host:      h,
		sessions:  sm,
		transport: tm,
		history:   hs,
		events:    events,
		logger:    logger,
	}
	h.SetStreamHandler(chatProtocolID, ms.handleChatStream)
	return ms
}

// Send encrypts payload for p and delivers it over a fresh stream. The
// message is recorded as pending before the send and settles to delivered or
// failed afterwards. Sending to a peer without a live connection fails with
// ErrNotConnected without recording anything.
func (ms *messagingService) Send(ctx context.Context, p peer.ID, payload []byte) (string, error) {
	if !ms.transport.IsConnected(p) {
		return "", fmt.Errorf("%w: %s", ErrNotConnected, p)
	}

	key, err := ms.sessions.sendKey(ctx, p)
	if err != nil {
		return "", err
	}
	sealed, err := sealPayload(key, payload)
	if err != nil {
		return "", err
	}

	msg := ChatMessage{
		ID:        uuid.NewString(),
		From:      ms.host.ID().String(),
		To:        p.String(),
		Payload:   payload,
		Timestamp: time.Now(),
		State:     DeliveryPending,
		Outbound:  true,
	}
	seq, err := ms.history.Append(p, msg)
	if err != nil {
		return "", err
	}

	if err := ms.writeFrame(ctx, p, &wireMessage{
		ID:         msg.ID,
		From:       msg.From,
		To:         msg.To,
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
		Timestamp:  msg.Timestamp.UnixNano(),
	}); err != nil {
		if serr := ms.history.SetState(p, seq, DeliveryFailed); serr != nil {
			ms.logger.Errorf("[Messaging] marking %s failed: %v", msg.ID, serr)
		}
		return msg.ID, err
	}

	if err := ms.history.SetState(p, seq, DeliveryDelivered); err != nil {
		ms.logger.Errorf("[Messaging] marking %s delivered: %v", msg.ID, err)
	}
	return msg.ID, nil
}

// Broadcast sends payload to every given peer concurrently and returns the
// per-peer outcome. A nil map entry means the send succeeded.
func (ms *messagingService) Broadcast(ctx context.Context, peers []peer.ID, payload []byte) map[peer.ID]error {
	results := make(map[peer.ID]error, len(peers))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range peers {
		g.Go(func() error {
			_, err := ms.Send(gctx, p, payload)
			mu.Lock()
			results[p] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // individual errors are reported per peer
	return results
}

// History returns up to limit most recent messages exchanged with p, oldest
// first.
func (ms *messagingService) History(p peer.ID, limit int) ([]ChatMessage, error) {
	return ms.history.Recent(p, limit)
}

func (ms *messagingService) writeFrame(ctx context.Context, p peer.ID, frame *wireMessage) error {
	s, err := ms.host.NewStream(ctx, p, chatProtocolID)
	if err != nil {
		return fmt.Errorf("%w: opening chat stream to %s: %v", ErrNotConnected, p, err)
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			ms.logger.Debugf("[Messaging] error closing chat stream: %v", cerr)
		}
	}()

	if deadline, ok := ctx.Deadline(); ok {
		if err := s.SetWriteDeadline(deadline); err != nil {
			ms.logger.Debugf("[Messaging] setting write deadline: %v", err)
		}
	}
	if err := json.NewEncoder(s).Encode(frame); err != nil {
		return fmt.Errorf("%w: writing to %s: %v", ErrUnreachable, p, err)
	}
	return nil
}

// handleChatStream decrypts one inbound frame, appends it to history, and
// publishes a MessageReceived event.
func (ms *messagingService) handleChatStream(s network.Stream) {
	remote := s.Conn().RemotePeer()
	defer func() {
		if err := s.Close(); err != nil {
			ms.logger.Debugf("[Messaging] error closing chat stream: %v", err)
		}
	}()

	var frame wireMessage
	if err := json.NewDecoder(s).Decode(&frame); err != nil {
		ms.logger.Warnf("[Messaging] malformed frame from %s: %v", remote.ShortString(), err)
		return
	}
	if frame.From != remote.String() {
		ms.logger.Warnf("[Messaging] frame from %s claims sender %s, dropping", remote.ShortString(), frame.From)
		return
	}

	key, ok := ms.sessions.recvKey(remote)
	if !ok {
		ms.logger.Warnf("[Messaging] no session with %s, dropping message %s", remote.ShortString(), frame.ID)
		return
	}
	sealed, err := base64.StdEncoding.DecodeString(frame.Ciphertext)
	if err != nil {
		ms.logger.Warnf("[Messaging] bad ciphertext encoding from %s: %v", remote.ShortString(), err)
		return
	}
	payload, err := openPayload(key, sealed)
	if err != nil {
		ms.logger.Warnf("[Messaging] decrypting message %s from %s: %v", frame.ID, remote.ShortString(), err)
		ms.events.Publish(EventError, ErrorPayload{
			Op:      "receive",
			Message: fmt.Sprintf("decrypting message from %s: %v", remote, err),
		})
		return
	}

	msg := ChatMessage{
		ID:        frame.ID,
		From:      frame.From,
		To:        frame.To,
		Payload:   payload,
		Timestamp: time.Unix(0, frame.Timestamp),
		State:     DeliveryDelivered,
		Outbound:  false,
	}
	if _, err := ms.history.Append(remote, msg); err != nil {
		ms.logger.Errorf("[Messaging] recording message %s: %v", frame.ID, err)
	}

	ms.events.Publish(EventMessageReceived, MessagePayload{
		MessageID: msg.ID,
		From:      msg.From,
		Payload:   payload,
		Timestamp: msg.Timestamp.UnixNano(),
	})
}
