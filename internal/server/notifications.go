package server

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/teris-io/shortid"
	"github.com/tradewire/go-rfqhub/internal/types"
)

const (
	// globalBufferCap bounds the process-wide notification buffer.
	globalBufferCap = 100
	// userInboxCap bounds each user's targeted inbox.
	userInboxCap = 50
	// recentOnConnect is how many global notifications a new
	// connection receives in its connection_established ack.
	recentOnConnect = 5
)

// NotificationStore holds in-memory notification buffers: a global
// ring buffer and one bounded inbox per target user. Both are newest
// first and drop the oldest entry on overflow. Nothing is persisted.
type NotificationStore struct {
	mu     sync.RWMutex
	global []*types.Notification
	inbox  map[int][]*types.Notification
}

func NewNotificationStore() *NotificationStore {
	return &NotificationStore{
		inbox: make(map[int][]*types.Notification),
	}
}

// Add records a notification, routing by target: user-targeted
// notifications go to that user's inbox, the rest to the global buffer.
func (ns *NotificationStore) Add(n *types.Notification) {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if n.TargetUserId != 0 {
		ns.inbox[n.TargetUserId] = boundedInsert(ns.inbox[n.TargetUserId], n, userInboxCap)
		return
	}

	ns.global = boundedInsert(ns.global, n, globalBufferCap)
}

func boundedInsert(buf []*types.Notification, n *types.Notification, limit int) []*types.Notification {
	buf = append([]*types.Notification{n}, buf...)
	if len(buf) > limit {
		buf = buf[:limit]
	}
	return buf
}

// Recent returns up to n of the newest global notifications.
func (ns *NotificationStore) Recent(n int) []*types.Notification {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	if n > len(ns.global) {
		n = len(ns.global)
	}

	out := make([]*types.Notification, n)
	copy(out, ns.global[:n])
	return out
}

// Global returns a snapshot of the global buffer, newest first.
func (ns *NotificationStore) Global() []*types.Notification {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	out := make([]*types.Notification, len(ns.global))
	copy(out, ns.global)
	return out
}

// ForUser returns a snapshot of the user's inbox, newest first.
func (ns *NotificationStore) ForUser(userId int) []*types.Notification {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	out := make([]*types.Notification, len(ns.inbox[userId]))
	copy(out, ns.inbox[userId])
	return out
}

// MarkRead sets the read flag on a notification in the user's inbox.
// Returns false if no such notification exists; that is not an error.
func (ns *NotificationStore) MarkRead(userId int, notificationId string) bool {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	for _, n := range ns.inbox[userId] {
		if n.Id == notificationId {
			n.Read = true
			return true
		}
	}

	return false
}

func newNotificationId() string {
	id, err := shortid.Generate()
	if err != nil {
		// shortid only fails on clock skew; fall back to a
		// timestamp-derived id
		return fmt.Sprintf("n-%d", time.Now().UnixNano())
	}
	return id
}

var demoTemplates = []struct {
	title    string
	message  string
	severity types.Severity
	category types.Category
}{
	{"New RFQ Posted", "A new RFQ matching your categories was posted", types.SeverityInfo, types.CategoryRfq},
	{"Bid Received", "A supplier placed a bid on an open RFQ", types.SeveritySuccess, types.CategoryBid},
	{"Payment Processed", "An escrow payment was released", types.SeveritySuccess, types.CategoryPayment},
	{"System Maintenance", "Scheduled maintenance window this weekend", types.SeverityWarning, types.CategorySystem},
}

// NewDemoNotification builds a randomized global notification. The
// periodic generator and the demo HTTP endpoint both use it.
func NewDemoNotification() *types.Notification {
	tmpl := demoTemplates[rand.Intn(len(demoTemplates))]
	return &types.Notification{
		Id:        newNotificationId(),
		Title:     tmpl.title,
		Message:   tmpl.message,
		Severity:  tmpl.severity,
		Category:  tmpl.category,
		CreatedAt: Now(),
	}
}
