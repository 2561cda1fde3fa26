package ws

import "sync"

// Router tracks the live sessions of this instance and the rooms each one is
// subscribed to. It keeps one session per user; attaching a new connection
// detaches and closes the previous one.
type Router struct {
	mu           sync.RWMutex
	sessions     map[string]*Client            // client id -> client
	userSessions map[string]string             // user id -> client id
	rooms        map[string]map[string]*Client // room id -> client id -> client
	sessionRooms map[string]map[string]struct{}
}

func NewRouter() *Router {
	return &Router{
		sessions:     make(map[string]*Client),
		userSessions: make(map[string]string),
		rooms:        make(map[string]map[string]*Client),
		sessionRooms: make(map[string]map[string]struct{}),
	}
}

// Attach registers c as the session of its user and returns the session it
// replaced, if any. The caller closes the replaced session outside the lock.
func (r *Router) Attach(c *Client) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	var previous *Client
	if existingID, ok := r.userSessions[c.userID]; ok && existingID != c.id {
		previous = r.sessions[existingID]
		r.detachLocked(existingID)
	}
	r.sessions[c.id] = c
	r.userSessions[c.userID] = c.id
	r.sessionRooms[c.id] = make(map[string]struct{})
	return previous
}

// Detach drops c and all of its subscriptions. Reports whether c was tracked.
func (r *Router) Detach(c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[c.id]; !ok {
		return false
	}
	r.detachLocked(c.id)
	return true
}

func (r *Router) detachLocked(sessionID string) {
	conn := r.sessions[sessionID]
	for roomID := range r.sessionRooms[sessionID] {
		r.leaveLocked(roomID, sessionID)
	}
	delete(r.sessionRooms, sessionID)
	delete(r.sessions, sessionID)
	if conn != nil && r.userSessions[conn.userID] == sessionID {
		delete(r.userSessions, conn.userID)
	}
}

// Join subscribes c to roomID. A session that is no longer attached is
// ignored and false is returned.
func (r *Router) Join(roomID string, c *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[c.id]; !ok {
		return false
	}
	room := r.rooms[roomID]
	if room == nil {
		room = make(map[string]*Client)
		r.rooms[roomID] = room
	}
	room[c.id] = c
	r.sessionRooms[c.id][roomID] = struct{}{}
	return true
}

func (r *Router) Leave(roomID string, c *Client) {
	r.mu.Lock()
	r.leaveLocked(roomID, c.id)
	r.mu.Unlock()
}

func (r *Router) leaveLocked(roomID, sessionID string) {
	if room := r.rooms[roomID]; room != nil {
		delete(room, sessionID)
		if len(room) == 0 {
			delete(r.rooms, roomID)
		}
	}
	if memberships := r.sessionRooms[sessionID]; memberships != nil {
		delete(memberships, roomID)
	}
}

// Broadcast queues data on every session subscribed to roomID and returns the
// number of sessions that accepted it. Sessions already closed are pruned.
func (r *Router) Broadcast(roomID string, data []byte) int {
	r.mu.RLock()
	room := r.rooms[roomID]
	targets := make([]*Client, 0, len(room))
	for _, c := range room {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	delivered := 0
	var stale []*Client
	for _, c := range targets {
		if c.Send(data) {
			delivered++
		} else {
			stale = append(stale, c)
		}
	}
	for _, c := range stale {
		r.Detach(c)
	}
	return delivered
}

// NotifyUser queues data on the session of userID.
func (r *Router) NotifyUser(userID string, data []byte) bool {
	r.mu.RLock()
	c := r.sessions[r.userSessions[userID]]
	r.mu.RUnlock()
	if c == nil {
		return false
	}
	return c.Send(data)
}

// Online reports whether userID has a session on this instance.
func (r *Router) Online(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.userSessions[userID]
	return ok
}

// Subscribed reports whether c receives the events of roomID.
func (r *Router) Subscribed(roomID string, c *Client) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID][c.id]
	return ok
}

func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close detaches every session and returns them for the caller to close.
func (r *Router) Close() []*Client {
	r.mu.Lock()
	all := make([]*Client, 0, len(r.sessions))
	for _, c := range r.sessions {
		all = append(all, c)
	}
	r.sessions = make(map[string]*Client)
	r.userSessions = make(map[string]string)
	r.rooms = make(map[string]map[string]*Client)
	r.sessionRooms = make(map[string]map[string]struct{})
	r.mu.Unlock()
	return all
}
