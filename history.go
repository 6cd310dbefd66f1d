package owlwhisper

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	bolt "go.etcd.io/bbolt"
)

// DeliveryState tracks the lifecycle of an outbound message. Inbound messages
// are recorded as delivered the moment they are decrypted.
type DeliveryState string

const (
	// DeliveryPending means the message was recorded locally but the send
	// has not completed yet.
	DeliveryPending DeliveryState = "pending"

	// DeliveryDelivered means the message was written to the remote peer's
	// stream (outbound) or successfully decrypted (inbound).
	DeliveryDelivered DeliveryState = "delivered"

	// DeliveryFailed means the send did not complete.
	DeliveryFailed DeliveryState = "failed"
)

// ChatMessage is a single entry in a peer conversation, as stored in history
// and delivered in MessageReceived events.
type ChatMessage struct {
	ID        string        `json:"id"`
	From      string        `json:"from"`
	To        string        `json:"to"`
	Payload   []byte        `json:"payload"`
	Timestamp time.Time     `json:"timestamp"`
	State     DeliveryState `json:"state"`
	Outbound  bool          `json:"outbound"`
}

// HistoryStore persists conversations in a bbolt database, one bucket per
// peer keyed by a monotonically increasing sequence number.
type HistoryStore struct {
	db        *bolt.DB
	retention int
	logger    Logger
}

// NewHistoryStore opens (or creates) the history database at path.
// retention caps the number of entries kept per conversation; entries beyond
// it are truncated oldest-first, except pending outbound messages which are
// never dropped.
func NewHistoryStore(path string, retention int, logger Logger) (*HistoryStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening history store: %w", err)
	}
	if retention <= 0 {
		retention = DefaultHistoryRetention
	}
	return &HistoryStore{db: db, retention: retention, logger: logger}, nil
}

// Close releases the underlying database.
func (hs *HistoryStore) Close() error {
	return hs.db.Close()
}

// Append records msg in the conversation with p and returns the assigned
// sequence number.
func (hs *HistoryStore) Append(p peer.ID, msg ChatMessage) (uint64, error) {
	var seq uint64
	err := hs.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(p))
		if err != nil {
			return err
		}
		seq, err = b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(&msg)
		if err != nil {
			return err
		}
		if err := b.Put(seqKey(seq), data); err != nil {
			return err
		}
		return hs.truncate(b)
	})
	if err != nil {
		return 0, fmt.Errorf("appending to history: %w", err)
	}
	return seq, nil
}

// SetState updates the delivery state of the entry at seq in the
// conversation with p.
func (hs *HistoryStore) SetState(p peer.ID, seq uint64, state DeliveryState) error {
	err := hs.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(p))
		if b == nil {
			return fmt.Errorf("no conversation with %s", p)
		}
		data := b.Get(seqKey(seq))
		if data == nil {
			return fmt.Errorf("no entry %d for %s", seq, p)
		}
		var msg ChatMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		msg.State = state
		updated, err := json.Marshal(&msg)
		if err != nil {
			return err
		}
		return b.Put(seqKey(seq), updated)
	})
	if err != nil {
		return fmt.Errorf("updating history state: %w", err)
	}
	return nil
}

// Recent returns up to limit most recent entries of the conversation with p,
// in chronological order. A limit <= 0 returns the whole conversation.
func (hs *HistoryStore) Recent(p peer.ID, limit int) ([]ChatMessage, error) {
	var out []ChatMessage
	err := hs.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(p))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var msg ChatMessage
			if err := json.Unmarshal(v, &msg); err != nil {
				return err
			}
			out = append(out, msg)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}
	// Reverse: the cursor walked newest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Conversations lists the peer IDs that have stored history.
func (hs *HistoryStore) Conversations() ([]peer.ID, error) {
	var out []peer.ID
	err := hs.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			p, err := peer.IDFromBytes(name)
			if err != nil {
				// Bucket names are raw peer IDs; skip anything else.
				return nil
			}
			out = append(out, p)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	return out, nil
}

// truncate drops the oldest entries beyond the retention cap. Pending
// outbound entries survive truncation so an unsent message is never lost to
// cleanup.
func (hs *HistoryStore) truncate(b *bolt.Bucket) error {
	count := 0
	cc := b.Cursor()
	for k, _ := cc.First(); k != nil; k, _ = cc.Next() {
		count++
	}
	excess := count - hs.retention
	if excess <= 0 {
		return nil
	}
	c := b.Cursor()
	for k, v := c.First(); k != nil && excess > 0; k, v = c.Next() {
		var msg ChatMessage
		if err := json.Unmarshal(v, &msg); err != nil {
			return err
		}
		if msg.Outbound && msg.State == DeliveryPending {
			continue
		}
		if err := c.Delete(); err != nil {
			return err
		}
		excess--
	}
	return nil
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
