// Package presence tracks which websocket connections are live, which user
// each one belongs to and which channels each one has joined.
//
// The registry is advisory: persisted channel membership lives in the store.
// A Registry is safe for concurrent use; every lock is held only for the map
// operation itself and every read returns a copy.
package presence

import (
	"fmt"
	"sync"

	"github.com/samber/lo"

	"tuyu/internal/common"
)

// Set is a set of connection ids.
type Set map[string]struct{}

// Entry describes one live connection.
type Entry struct {
	ConnectionID string
	UserID       int64
	Nickname     string
	Channels     []int64
}

type connection struct {
	userID   int64
	nickname string
	channels map[int64]struct{}
}

// Registry tracks live connections and the channels they joined.
// It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*connection // connection -> identity and joined channels
	channels    map[int64]Set          // channel -> connections
	users       map[int64]Set          // user -> connections
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*connection),
		channels:    make(map[int64]Set),
		users:       make(map[int64]Set),
	}
}

// Register records a new connection for userID.
func (r *Registry) Register(connID string, userID int64, nickname string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.connections[connID]; ok {
		return fmt.Errorf("%w: %s", common.ErrDuplicateConnection, connID)
	}
	r.connections[connID] = &connection{
		userID:   userID,
		nickname: nickname,
		channels: make(map[int64]struct{}),
	}
	addTo(r.users, userID, connID)
	return nil
}

// Unregister removes the connection from every index. Unknown connections
// are ignored; ok reports whether anything was removed.
func (r *Registry) Unregister(connID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[connID]
	if !ok {
		return Entry{}, false
	}
	entry := conn.entry(connID)
	for channelID := range conn.channels {
		removeFrom(r.channels, channelID, connID)
	}
	removeFrom(r.users, conn.userID, connID)
	delete(r.connections, connID)
	return entry, true
}

// JoinChannel adds channelID to the connection's joined set. Joining twice
// is a no-op.
func (r *Registry) JoinChannel(connID string, channelID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[connID]
	if !ok {
		return fmt.Errorf("%w: %s", common.ErrUnknownConnection, connID)
	}
	conn.channels[channelID] = struct{}{}
	addTo(r.channels, channelID, connID)
	return nil
}

// LeaveChannel removes connID from channelID. Unknown connections and
// channels are ignored.
func (r *Registry) LeaveChannel(connID string, channelID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, ok := r.connections[connID]; ok {
		delete(conn.channels, channelID)
	}
	removeFrom(r.channels, channelID, connID)
}

// MembersOf returns the connections currently joined to channelID.
func (r *Registry) MembersOf(channelID int64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.channels[channelID])
}

// ConnectionsOf returns every open connection of userID.
func (r *Registry) ConnectionsOf(userID int64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.users[userID])
}

// UsersIn returns the distinct user ids with at least one connection joined
// to channelID.
func (r *Registry) UsersIn(channelID int64) []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]int64, 0, len(r.channels[channelID]))
	for connID := range r.channels[channelID] {
		ids = append(ids, r.connections[connID].userID)
	}
	return lo.Uniq(ids)
}

// Lookup returns a copy of the entry of connID.
func (r *Registry) Lookup(connID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.connections[connID]
	if !ok {
		return Entry{}, false
	}
	return conn.entry(connID), true
}

// Joined reports whether connID has joined channelID.
func (r *Registry) Joined(connID string, channelID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.connections[connID]
	if !ok {
		return false
	}
	_, ok = conn.channels[channelID]
	return ok
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

func (c *connection) entry(connID string) Entry {
	return Entry{
		ConnectionID: connID,
		UserID:       c.userID,
		Nickname:     c.nickname,
		Channels:     lo.Keys(c.channels),
	}
}

func addTo[K comparable](index map[K]Set, key K, connID string) {
	set, ok := index[key]
	if !ok {
		set = make(Set)
		index[key] = set
	}
	set[connID] = struct{}{}
}

// removeFrom drops connID and deletes the set once it is empty.
func removeFrom[K comparable](index map[K]Set, key K, connID string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(index, key)
	}
}
