package server

import (
	"sort"
	"sync"
)

// Room key prefixes.
const (
	channelRoomPrefix = "channel:"
	serverRoomPrefix  = "server:"
	rtcRoomPrefix     = "rtc:"
)

// ChannelRoom returns the broadcast room of a channel.
func ChannelRoom(channelID string) string { return channelRoomPrefix + channelID }

// ServerRoom returns the broadcast room of a server.
func ServerRoom(serverID string) string { return serverRoomPrefix + serverID }

// RTCRoom returns the signaling room of a channel.
func RTCRoom(channelID string) string { return rtcRoomPrefix + channelID }

// RoomManager tracks which connections belong to which broadcast rooms.
type RoomManager struct {
	mu      sync.RWMutex
	members map[string]map[string]bool // room -> set of connIDs
	joined  map[string]map[string]bool // connID -> set of rooms
}

// NewRoomManager creates an empty room manager.
func NewRoomManager() *RoomManager {
	return &RoomManager{
		members: make(map[string]map[string]bool),
		joined:  make(map[string]map[string]bool),
	}
}

// Join adds a connection to a room. It reports whether the connection was
// newly added.
func (rm *RoomManager) Join(connID, room string) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.members[room][connID] {
		return false
	}
	if _, ok := rm.members[room]; !ok {
		rm.members[room] = make(map[string]bool)
	}
	rm.members[room][connID] = true
	if _, ok := rm.joined[connID]; !ok {
		rm.joined[connID] = make(map[string]bool)
	}
	rm.joined[connID][room] = true
	return true
}

// Leave removes a connection from a room. It reports whether the connection
// was a member.
func (rm *RoomManager) Leave(connID, room string) bool {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.leaveLocked(connID, room)
}

func (rm *RoomManager) leaveLocked(connID, room string) bool {
	conns := rm.members[room]
	if !conns[connID] {
		return false
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(rm.members, room)
	}
	if rooms := rm.joined[connID]; rooms != nil {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(rm.joined, connID)
		}
	}
	return true
}

// LeaveAll removes a connection from every room and returns the rooms it left.
func (rm *RoomManager) LeaveAll(connID string) []string {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rooms := make([]string, 0, len(rm.joined[connID]))
	for room := range rm.joined[connID] {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	for _, room := range rooms {
		rm.leaveLocked(connID, room)
	}
	return rooms
}

// Members returns the connection IDs in a room, sorted.
func (rm *RoomManager) Members(room string) []string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	conns := rm.members[room]
	result := make([]string, 0, len(conns))
	for id := range conns {
		result = append(result, id)
	}
	sort.Strings(result)
	return result
}

// In reports whether a connection is a member of a room.
func (rm *RoomManager) In(connID, room string) bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.members[room][connID]
}

// RoomsOf returns the rooms a connection belongs to, sorted.
func (rm *RoomManager) RoomsOf(connID string) []string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	rooms := make([]string, 0, len(rm.joined[connID]))
	for room := range rm.joined[connID] {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// Count returns the number of connections in a room.
func (rm *RoomManager) Count(room string) int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.members[room])
}

// Rooms returns the number of non-empty rooms.
func (rm *RoomManager) Rooms() int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.members)
}
