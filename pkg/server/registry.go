package server

import (
	"net"
	"slices"
	"strconv"
	"sync/atomic"
)

// Client represents a connected peer
type Client struct {
	ID            uint64
	Peer          *Peer
	IP            string
	Port          int
	Authenticated bool
	Room          *Room // nil when not in a room
}

// Room is a game lobby. Members always starts with the owner.
type Room struct {
	ID      uint32
	Name    string
	Owner   *Client
	Members []*Client
	Started bool
}

// IsMember reports whether c belongs to the room
func (r *Room) IsMember(c *Client) bool {
	return slices.Contains(r.Members, c)
}

// Registry holds the lobby state: connected clients and open rooms.
//
// It is not safe for concurrent use. The dispatcher goroutine is its only
// writer; the atomic counters may be read from anywhere.
type Registry struct {
	clients    map[uint64]*Client
	rooms      map[uint32]*Room
	nextRoomID uint32
	metrics    *Metrics

	clientCount atomic.Int64
	roomCount   atomic.Int64
}

// NewRegistry creates an empty registry. Room ids start at 1.
func NewRegistry() *Registry {
	return &Registry{
		clients:    make(map[uint64]*Client),
		rooms:      make(map[uint32]*Room),
		nextRoomID: 1,
	}
}

// SetMetrics attaches metrics to the registry
func (r *Registry) SetMetrics(metrics *Metrics) {
	r.metrics = metrics
}

func (r *Registry) updateGauges() {
	r.clientCount.Store(int64(len(r.clients)))
	r.roomCount.Store(int64(len(r.rooms)))
	if r.metrics != nil {
		r.metrics.RecordActiveClients(len(r.clients))
		r.metrics.RecordActiveRooms(len(r.rooms))
	}
}

// AddClient registers a new unauthenticated client for the peer
func (r *Registry) AddClient(peer *Peer) *Client {
	c := &Client{
		ID:   peer.ID(),
		Peer: peer,
	}
	if addr := peer.RemoteAddr(); addr != nil {
		if host, port, err := net.SplitHostPort(addr.String()); err == nil {
			c.IP = host
			c.Port, _ = strconv.Atoi(port)
		} else {
			c.IP = addr.String()
		}
	}

	r.clients[c.ID] = c
	r.updateGauges()
	return c
}

// Client looks up a client by its connection id
func (r *Registry) Client(id uint64) (*Client, bool) {
	c, ok := r.clients[id]
	return c, ok
}

// Clients returns all connected clients
func (r *Registry) Clients() []*Client {
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	return clients
}

// RemoveClient drops a client record. Room membership must already have been
// resolved by the caller.
func (r *Registry) RemoveClient(id uint64) {
	if _, ok := r.clients[id]; !ok {
		return
	}
	delete(r.clients, id)
	r.updateGauges()
}

// Room looks up an open room by id
func (r *Registry) Room(id uint32) (*Room, bool) {
	room, ok := r.rooms[id]
	return room, ok
}

// Rooms returns all open rooms
func (r *Registry) Rooms() []*Room {
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}

// allocRoomID returns the next free id, never 0
func (r *Registry) allocRoomID() uint32 {
	for {
		id := r.nextRoomID
		r.nextRoomID++
		if id == 0 {
			continue
		}
		if _, taken := r.rooms[id]; !taken {
			return id
		}
	}
}

// CreateRoom opens a room owned by owner and places the owner in it
func (r *Registry) CreateRoom(owner *Client, name string) *Room {
	room := &Room{
		ID:      r.allocRoomID(),
		Name:    name,
		Owner:   owner,
		Members: []*Client{owner},
	}
	r.rooms[room.ID] = room
	owner.Room = room

	r.updateGauges()
	if r.metrics != nil {
		r.metrics.RecordRoomCreated()
	}
	return room
}

// JoinRoom appends c to the room members
func (r *Registry) JoinRoom(room *Room, c *Client) {
	if !room.IsMember(c) {
		room.Members = append(room.Members, c)
	}
	c.Room = room
}

// LeaveRoom removes c from its room, if any
func (r *Registry) LeaveRoom(c *Client) {
	room := c.Room
	if room == nil {
		return
	}
	room.Members = slices.DeleteFunc(room.Members, func(m *Client) bool { return m == c })
	c.Room = nil
}

// CloseRoom deletes the room and detaches every member. It returns the
// members other than the owner, who must be told the room is gone.
func (r *Registry) CloseRoom(room *Room) []*Client {
	evicted := make([]*Client, 0, len(room.Members))
	for _, m := range room.Members {
		m.Room = nil
		if m != room.Owner {
			evicted = append(evicted, m)
		}
	}
	room.Members = nil
	delete(r.rooms, room.ID)
	r.updateGauges()
	return evicted
}

// ClientCount returns the number of connected clients (safe from any goroutine)
func (r *Registry) ClientCount() int {
	return int(r.clientCount.Load())
}

// RoomCount returns the number of open rooms (safe from any goroutine)
func (r *Registry) RoomCount() int {
	return int(r.roomCount.Load())
}
