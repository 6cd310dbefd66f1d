// Package owlwhisper provides a peer-to-peer secure messaging engine built on
// libp2p, offering cryptographic identity management, end-to-end encrypted
// direct messaging with local history, distributed hash table (DHT) peer and
// content discovery, and protected-peer connection maintenance with automatic
// reconnection. All asynchronous occurrences are surfaced to the caller
// through a single loss-free event queue.
package owlwhisper
