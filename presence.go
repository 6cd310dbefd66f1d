package owlwhisper

import (
	"context"
	"encoding/json"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
)

// presenceBeacon is the periodic announcement published to the presence
// topic so peers learn about each other without direct dials.
type presenceBeacon struct {
	PeerID    string   `json:"peer_id"`
	Addresses []string `json:"addresses"`
	Timestamp int64    `json:"timestamp"`
}

// presenceService announces this node on a gossipsub topic and folds every
// received announcement into the routing index and peer cache. Messages are
// strictly signed; an unsigned or mis-signed beacon never reaches us.
type presenceService struct {
	host   host.Host
	ps     *pubsub.PubSub
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	index  *routingIndex
	cache  *PeerCache
	logger Logger
	config *Config

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

func newPresenceService(ctx context.Context, h host.Host, index *routingIndex, cache *PeerCache, logger Logger, cfg *Config) (*presenceService, error) {
	ps, err := pubsub.NewGossipSub(ctx, h,
		pubsub.WithMessageSignaturePolicy(pubsub.StrictSign),
	)
	if err != nil {
		return nil, err
	}
	topic, err := ps.Join(presenceTopic)
	if err != nil {
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, err
	}
	return &presenceService{
		host:   h,
		ps:     ps,
		topic:  topic,
		sub:    sub,
		index:  index,
		cache:  cache,
		logger: logger,
		config: cfg,
	}, nil
}

func (svc *presenceService) start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	svc.cancelLoop = cancel
	svc.loopDone = make(chan struct{})
	go svc.announceLoop(loopCtx)
	go svc.receiveLoop(loopCtx)
}

func (svc *presenceService) stop() {
	if svc.cancelLoop != nil {
		svc.cancelLoop()
		<-svc.loopDone
	}
	svc.sub.Cancel()
	if err := svc.topic.Close(); err != nil {
		svc.logger.Debugf("[Presence] closing topic: %v", err)
	}
}

func (svc *presenceService) announceLoop(ctx context.Context) {
	defer close(svc.loopDone)

	ticker := time.NewTicker(svc.config.PresenceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			svc.announce(ctx)
		}
	}
}

func (svc *presenceService) announce(ctx context.Context) {
	addrs := svc.host.Addrs()
	beacon := presenceBeacon{
		PeerID:    svc.host.ID().String(),
		Addresses: make([]string, 0, len(addrs)),
		Timestamp: time.Now().UnixNano(),
	}
	for _, a := range addrs {
		beacon.Addresses = append(beacon.Addresses, a.String())
	}
	data, err := json.Marshal(&beacon)
	if err != nil {
		svc.logger.Errorf("[Presence] marshaling beacon: %v", err)
		return
	}
	if err := svc.topic.Publish(ctx, data); err != nil {
		svc.logger.Debugf("[Presence] publishing beacon: %v", err)
	}
}

func (svc *presenceService) receiveLoop(ctx context.Context) {
	for {
		msg, err := svc.sub.Next(ctx)
		if err != nil {
			return // subscription cancelled or context done
		}
		if msg.ReceivedFrom == svc.host.ID() {
			continue
		}
		var beacon presenceBeacon
		if err := json.Unmarshal(msg.Data, &beacon); err != nil {
			svc.logger.Debugf("[Presence] malformed beacon from %s: %v", msg.ReceivedFrom.ShortString(), err)
			continue
		}
		p, err := peer.Decode(beacon.PeerID)
		if err != nil || p != msg.GetFrom() {
			// The signed envelope identifies the author; a beacon
			// claiming another ID is bogus.
			continue
		}
		svc.index.Update(p)
		svc.cache.Seen(p, beacon.Addresses)
	}
}
