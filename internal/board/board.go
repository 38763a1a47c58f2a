package board

import (
	"slices"
	"sort"
	"sync"
	"sync/atomic"
)

// DefaultFanoutThreshold is the subscriber count above which PostAsync also
// hands delivery to a background goroutine.
const DefaultFanoutThreshold = 10

// Hub owns every board and subscriber, creating them on first use by name.
type Hub struct {
	// rel guards the subscription relation on both sides.
	rel         sync.RWMutex
	boards      map[string]*Board
	subscribers map[string]*Subscriber
	fanout      atomic.Int64
	async       sync.WaitGroup
}

// NewHub creates an empty hub. A negative threshold selects the default.
func NewHub(fanoutThreshold int) *Hub {
	h := &Hub{
		boards:      make(map[string]*Board),
		subscribers: make(map[string]*Subscriber),
	}
	h.SetFanout(fanoutThreshold)
	return h
}

// SetFanout changes the PostAsync threshold for subsequent posts. A negative
// threshold selects the default.
func (h *Hub) SetFanout(threshold int) {
	if threshold < 0 {
		threshold = DefaultFanoutThreshold
	}
	h.fanout.Store(int64(threshold))
}

// Board returns the named board, creating it when absent.
func (h *Hub) Board(name string) *Board {
	h.rel.Lock()
	defer h.rel.Unlock()
	b, ok := h.boards[name]
	if !ok {
		b = &Board{name: name, hub: h}
		h.boards[name] = b
	}
	return b
}

// Subscriber returns the named subscriber, creating it when absent.
func (h *Hub) Subscriber(name string) *Subscriber {
	h.rel.Lock()
	defer h.rel.Unlock()
	s, ok := h.subscribers[name]
	if !ok {
		s = &Subscriber{name: name, hub: h}
		h.subscribers[name] = s
	}
	return s
}

// BoardNames lists known boards in name order.
func (h *Hub) BoardNames() []string {
	h.rel.RLock()
	defer h.rel.RUnlock()
	names := make([]string, 0, len(h.boards))
	for name := range h.boards {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Wait blocks until background deliveries started by PostAsync finish.
func (h *Hub) Wait() {
	h.async.Wait()
}

// Board is a named topic holding its current subscribers.
type Board struct {
	name        string
	hub         *Hub
	subscribers []*Subscriber
}

func (b *Board) Name() string { return b.name }

// Subscribers returns the current subscriber count.
func (b *Board) Subscribers() int {
	b.hub.rel.RLock()
	defer b.hub.rel.RUnlock()
	return len(b.subscribers)
}

// Post appends msg to the queue of every current subscriber before returning.
func (b *Board) Post(msg []string) {
	b.hub.rel.RLock()
	targets := slices.Clone(b.subscribers)
	b.hub.rel.RUnlock()
	for _, s := range targets {
		s.push(msg)
	}
}

// PostAsync posts synchronously and, when the board has more subscribers than
// the hub's fanout threshold, also posts from a background goroutine. Large
// boards therefore receive every message twice.
func (b *Board) PostAsync(msg []string) {
	if int64(b.Subscribers()) > b.hub.fanout.Load() {
		b.hub.async.Add(1)
		go func() {
			defer b.hub.async.Done()
			b.Post(msg)
		}()
	}
	b.Post(msg)
}

// RemoveSubscriber detaches s from the board and the board from s.
func (b *Board) RemoveSubscriber(s *Subscriber) bool {
	b.hub.rel.Lock()
	defer b.hub.rel.Unlock()
	return unlink(b, s)
}

// Subscriber owns a private message queue fed by the boards it subscribes to.
type Subscriber struct {
	name   string
	hub    *Hub
	boards []*Board

	mu    sync.Mutex
	queue [][]string
}

func (s *Subscriber) Name() string { return s.name }

// Subscribe links s and b on both sides. It reports false when already subscribed.
func (s *Subscriber) Subscribe(b *Board) bool {
	s.hub.rel.Lock()
	defer s.hub.rel.Unlock()
	if slices.Contains(s.boards, b) {
		return false
	}
	s.boards = append(s.boards, b)
	b.subscribers = append(b.subscribers, s)
	return true
}

// Unsubscribe removes the link on both sides. It reports false when s was not subscribed.
func (s *Subscriber) Unsubscribe(b *Board) bool {
	s.hub.rel.Lock()
	defer s.hub.rel.Unlock()
	return unlink(b, s)
}

// Boards lists the names of the boards s is subscribed to.
func (s *Subscriber) Boards() []string {
	s.hub.rel.RLock()
	defer s.hub.rel.RUnlock()
	names := make([]string, 0, len(s.boards))
	for _, b := range s.boards {
		names = append(names, b.name)
	}
	return names
}

// NextMessage pops the oldest queued message.
func (s *Subscriber) NextMessage() ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	msg := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return msg, true
}

// Pending returns the number of queued messages.
func (s *Subscriber) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Subscriber) push(msg []string) {
	s.mu.Lock()
	s.queue = append(s.queue, slices.Clone(msg))
	s.mu.Unlock()
}

// unlink must be called with hub.rel held for writing.
func unlink(b *Board, s *Subscriber) bool {
	bi := slices.Index(s.boards, b)
	si := slices.Index(b.subscribers, s)
	if bi < 0 || si < 0 {
		return false
	}
	s.boards = slices.Delete(s.boards, bi, bi+1)
	b.subscribers = slices.Delete(b.subscribers, si, si+1)
	return true
}
