package shellcache

import (
	"container/list"
	"sort"
	"sync"
)

// DefaultMaxClients is the number of clients remembered when no limit is given.
const DefaultMaxClients = 10000

// Clients tracks the browser clients in scope and the worker version controlling each.
// An empty version means the client is not controlled and its requests bypass the worker.
// At most limit clients are remembered; the least recently seen is forgotten first,
// and a forgotten client is treated as new (uncontrolled) when it returns.
type Clients struct {
	mutex sync.Mutex
	limit int
	// most recently seen at the front
	lru   *list.List
	index map[string]*list.Element
}

type client struct {
	id         string
	controller string
}

func NewClients() *Clients {
	return NewBoundedClients(DefaultMaxClients)
}

// NewBoundedClients remembers at most limit clients. limit <= 0 uses DefaultMaxClients.
func NewBoundedClients(limit int) *Clients {
	if limit <= 0 {
		limit = DefaultMaxClients
	}
	return &Clients{
		limit: limit,
		lru:   list.New(),
		index: make(map[string]*list.Element),
	}
}

// Seen registers the client if it is new and returns its controller version.
func (c *Clients) Seen(id string) string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.touch(id).controller
}

// Control makes the worker version the controller of the client.
func (c *Clients) Control(id, version string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.touch(id).controller = version
}

// Claim makes the version the controller of every known client
// and returns how many clients changed controller.
func (c *Clients) Claim(version string) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	claimed := 0
	for e := c.lru.Front(); e != nil; e = e.Next() {
		cl := e.Value.(*client)
		if cl.controller != version {
			cl.controller = version
			claimed++
		}
	}
	return claimed
}

// Controlled returns the ids of the clients controlled by the version, sorted.
func (c *Clients) Controlled(version string) []string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	ids := make([]string, 0)
	for e := c.lru.Front(); e != nil; e = e.Next() {
		if cl := e.Value.(*client); cl.controller == version {
			ids = append(ids, cl.id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of remembered clients.
func (c *Clients) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.lru.Len()
}

// touch returns the client, adding it if needed, and marks it most recently seen.
// Caller must hold the mutex.
func (c *Clients) touch(id string) *client {
	if e, ok := c.index[id]; ok {
		c.lru.MoveToFront(e)
		return e.Value.(*client)
	}
	cl := &client{id: id}
	c.index[id] = c.lru.PushFront(cl)
	for c.lru.Len() > c.limit {
		back := c.lru.Back()
		c.lru.Remove(back)
		delete(c.index, back.Value.(*client).id)
	}
	return cl
}
