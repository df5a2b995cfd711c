package server

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/tradewire/go-rfqhub/internal/database"
	"github.com/tradewire/go-rfqhub/internal/stats"
	"github.com/tradewire/go-rfqhub/internal/types"
)

const (
	demoIntervalMin = 15 * time.Second
	demoIntervalMax = 45 * time.Second
)

type shutdownReq struct {
	done chan struct{}
}

// presenceRecord aggregates one user's state across all of their
// simultaneous connections. A record exists iff the user has at least
// one live connection.
type presenceRecord struct {
	user       types.User
	clients    map[*Client]struct{}
	lastActive time.Time
	status     types.PresenceStatus
}

type Hub struct {
	log   *log.Logger
	db    database.RfqHubRepository
	stats stats.StatsProvider

	clientsLock sync.RWMutex
	clients     map[*Client]struct{}
	presence    map[int]*presenceRecord

	subsLock sync.RWMutex
	rfqSubs  map[int]map[*Client]struct{}

	notifications *NotificationStore

	stop chan shutdownReq
}

func NewHub(logger *log.Logger, db database.RfqHubRepository, su stats.StatsProvider) (*Hub, error) {
	h := &Hub{
		log:           logger,
		db:            db,
		stats:         su,
		clients:       make(map[*Client]struct{}),
		presence:      make(map[int]*presenceRecord),
		rfqSubs:       make(map[int]map[*Client]struct{}),
		notifications: NewNotificationStore(),
		stop:          make(chan shutdownReq),
	}

	su.RegisterMetric("NumConnections")
	su.RegisterMetric("NumPresenceRecords")
	su.RegisterMetric("NumRfqSubscriptions")
	su.RegisterMetric("NotificationsSent")

	return h, nil
}

// Run drives the periodic demo notification generator until Shutdown.
func (h *Hub) Run() {
	timer := time.NewTimer(demoInterval())
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			h.PublishNotification(NewDemoNotification())
			timer.Reset(demoInterval())
		case req := <-h.stop:
			h.log.Println("stopping clients")
			h.clientsLock.Lock()
			for c := range h.clients {
				c.stopClient()
			}
			h.clientsLock.Unlock()

			close(req.done)
			return
		}
	}
}

func demoInterval() time.Duration {
	return demoIntervalMin + time.Duration(rand.Int63n(int64(demoIntervalMax-demoIntervalMin)))
}

func (h *Hub) Shutdown(ctx context.Context) error {
	req := shutdownReq{done: make(chan struct{})}

	select {
	case h.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterClient adds an authenticated connection to the registry,
// creating or extending the user's presence record. The new connection
// receives a connection_established ack carrying the most recent global
// notifications; admins are notified when this is the user's first
// connection.
func (h *Hub) RegisterClient(c *Client) {
	h.clientsLock.Lock()
	h.clients[c] = struct{}{}

	pr, ok := h.presence[c.user.Id]
	if !ok {
		pr = &presenceRecord{
			user:    c.user,
			clients: make(map[*Client]struct{}),
		}
		h.presence[c.user.Id] = pr
	}
	pr.clients[c] = struct{}{}
	pr.lastActive = Now()
	pr.status = types.StatusOnline
	h.clientsLock.Unlock()

	h.stats.Incr("NumConnections")

	first := !ok
	if first {
		h.stats.Incr("NumPresenceRecords")
		h.BroadcastToRole(&UserPresenceMessage{
			BaseMessage: newBase("user_presence"),
			Event:       "connected",
			UserId:      c.user.Id,
			Username:    c.user.Username,
			Role:        c.user.Role,
			Status:      types.StatusOnline,
		}, types.RoleAdmin)
	}

	c.queueMessage(&ConnectionEstablishedMessage{
		BaseMessage:   newBase("connection_established"),
		Message:       "Connected to notification service",
		Notifications: h.notifications.Recent(recentOnConnect),
	})
}

// DeregisterClient removes a closed connection from every structure
// that references it: the RFQ subscriber sets, the client set and the
// owning user's presence record. Admins are notified when the user's
// last connection goes away.
func (h *Hub) DeregisterClient(c *Client) {
	h.removeFromAllRfqs(c)

	h.clientsLock.Lock()
	if _, ok := h.clients[c]; !ok {
		h.clientsLock.Unlock()
		return
	}
	delete(h.clients, c)

	var last bool
	if pr, ok := h.presence[c.user.Id]; ok {
		delete(pr.clients, c)
		if len(pr.clients) == 0 {
			delete(h.presence, c.user.Id)
			last = true
		}
	}
	h.clientsLock.Unlock()

	h.stats.Decr("NumConnections")

	if last {
		h.stats.Decr("NumPresenceRecords")
		h.BroadcastToRole(&UserPresenceMessage{
			BaseMessage: newBase("user_presence"),
			Event:       "disconnected",
			UserId:      c.user.Id,
			Username:    c.user.Username,
			Role:        c.user.Role,
			Status:      types.StatusOffline,
		}, types.RoleAdmin)
	}
}

// Touch refreshes the user's last-active timestamp on message receipt
// and flips an away user back to online.
func (h *Hub) Touch(userId int) {
	h.clientsLock.Lock()
	defer h.clientsLock.Unlock()

	if pr, ok := h.presence[userId]; ok {
		pr.lastActive = Now()
		if pr.status == types.StatusAway {
			pr.status = types.StatusOnline
		}
	}
}

// UpdatePresence applies an explicit presence change and notifies
// admins.
func (h *Hub) UpdatePresence(userId int, status types.PresenceStatus) {
	h.clientsLock.Lock()
	pr, ok := h.presence[userId]
	if !ok {
		h.clientsLock.Unlock()
		return
	}
	pr.status = status
	pr.lastActive = Now()
	user := pr.user
	h.clientsLock.Unlock()

	h.BroadcastToRole(&UserPresenceMessage{
		BaseMessage: newBase("user_presence"),
		Event:       "status_changed",
		UserId:      user.Id,
		Username:    user.Username,
		Role:        user.Role,
		Status:      status,
	}, types.RoleAdmin)
}

// SubscribeRfq idempotently adds the connection to the RFQ's
// subscriber set.
func (h *Hub) SubscribeRfq(c *Client, rfqId int) {
	h.subsLock.Lock()
	defer h.subsLock.Unlock()

	subs, ok := h.rfqSubs[rfqId]
	if !ok {
		subs = make(map[*Client]struct{})
		h.rfqSubs[rfqId] = subs
	}

	if _, ok := subs[c]; !ok {
		subs[c] = struct{}{}
		h.stats.Incr("NumRfqSubscriptions")
	}
}

// UnsubscribeRfq removes the connection from the RFQ's subscriber set,
// deleting the set once it empties.
func (h *Hub) UnsubscribeRfq(c *Client, rfqId int) {
	h.subsLock.Lock()
	defer h.subsLock.Unlock()

	subs, ok := h.rfqSubs[rfqId]
	if !ok {
		return
	}

	if _, ok := subs[c]; ok {
		delete(subs, c)
		h.stats.Decr("NumRfqSubscriptions")
	}

	if len(subs) == 0 {
		delete(h.rfqSubs, rfqId)
	}
}

func (h *Hub) removeFromAllRfqs(c *Client) {
	h.subsLock.Lock()
	defer h.subsLock.Unlock()

	for rfqId, subs := range h.rfqSubs {
		if _, ok := subs[c]; ok {
			delete(subs, c)
			h.stats.Decr("NumRfqSubscriptions")
		}
		if len(subs) == 0 {
			delete(h.rfqSubs, rfqId)
		}
	}
}

// BroadcastAll delivers a message to every open connection. Delivery is
// best effort: a client whose send buffer is full is logged and
// skipped.
func (h *Hub) BroadcastAll(msg ServerMessage) {
	for _, c := range h.snapshotClients() {
		if !c.queueMessage(msg) {
			h.log.Printf("dropping broadcast to %q: send buffer full", c.user.Username)
		}
	}
}

// BroadcastToRole delivers a message to every connection whose presence
// record matches the role.
func (h *Hub) BroadcastToRole(msg ServerMessage, role types.Role) {
	var targets []*Client
	h.clientsLock.RLock()
	for _, pr := range h.presence {
		if pr.user.Role != role {
			continue
		}
		for c := range pr.clients {
			targets = append(targets, c)
		}
	}
	h.clientsLock.RUnlock()

	for _, c := range targets {
		if !c.queueMessage(msg) {
			h.log.Printf("dropping %s broadcast to %q: send buffer full", role, c.user.Username)
		}
	}
}

// BroadcastToRfqSubscribers delivers a message to the current
// subscriber set of an RFQ. No-op when the set is empty or absent.
func (h *Hub) BroadcastToRfqSubscribers(msg ServerMessage, rfqId int) {
	var targets []*Client
	h.subsLock.RLock()
	for c := range h.rfqSubs[rfqId] {
		targets = append(targets, c)
	}
	h.subsLock.RUnlock()

	for _, c := range targets {
		if !c.queueMessage(msg) {
			h.log.Printf("dropping RFQ %d broadcast to %q: send buffer full", rfqId, c.user.Username)
		}
	}
}

// BroadcastToUser delivers a message to every connection registered
// under the user id. No-op when the user has no live connections.
func (h *Hub) BroadcastToUser(msg ServerMessage, userId int) {
	var targets []*Client
	h.clientsLock.RLock()
	if pr, ok := h.presence[userId]; ok {
		for c := range pr.clients {
			targets = append(targets, c)
		}
	}
	h.clientsLock.RUnlock()

	for _, c := range targets {
		if !c.queueMessage(msg) {
			h.log.Printf("dropping user %d message to %q: send buffer full", userId, c.user.Username)
		}
	}
}

// PublishNotification records a notification in its bounded buffer and
// pushes it to the matching connections: all of them for a global
// notification, the target user's for a targeted one. A targeted
// notification is recorded even when the user is offline so it is
// available on next fetch.
func (h *Hub) PublishNotification(n *types.Notification) {
	h.notifications.Add(n)

	msg := NewNotificationMessage(n)
	if n.TargetUserId != 0 {
		h.BroadcastToUser(msg, n.TargetUserId)
	} else {
		h.BroadcastAll(msg)
	}

	h.stats.Incr("NotificationsSent")
}

// Notifications exposes the store to the HTTP handlers.
func (h *Hub) Notifications() *NotificationStore {
	return h.notifications
}

// ActiveUsers snapshots every presence record.
func (h *Hub) ActiveUsers() []ActiveUser {
	h.clientsLock.RLock()
	defer h.clientsLock.RUnlock()

	users := make([]ActiveUser, 0, len(h.presence))
	for _, pr := range h.presence {
		users = append(users, ActiveUser{
			UserId:      pr.user.Id,
			Username:    pr.user.Username,
			Role:        pr.user.Role,
			Status:      pr.status,
			Connections: len(pr.clients),
			LastActive:  pr.lastActive,
		})
	}

	return users
}

func (h *Hub) snapshotClients() []*Client {
	h.clientsLock.RLock()
	defer h.clientsLock.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	return clients
}
