package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/tradewire/go-rfqhub/internal/database"
	"github.com/tradewire/go-rfqhub/internal/stats"
	"github.com/tradewire/go-rfqhub/internal/testutil"
	"github.com/tradewire/go-rfqhub/internal/types"
)

// newTestHub creates a new Hub instance for testing purposes
func newTestHub(t *testing.T, db database.RfqHubRepository, su *stats.MockStatsUpdater) *Hub {
	su.On("RegisterMetric", mock.Anything).Return(nil).Times(4)

	logger := testutil.TestLogger(t)
	h, err := NewHub(logger, db, su)
	if err != nil {
		t.Fatalf("failed to create test Hub: %v", err)
	}
	return h
}

// allowStats relaxes metric expectations for tests that are not about
// accounting.
func allowStats(su *stats.MockStatsUpdater) {
	su.On("Incr", mock.Anything).Maybe()
	su.On("Decr", mock.Anything).Maybe()
}

func newTestClient(t *testing.T, h *Hub, user types.User) *Client {
	return NewClient(user, nil, h, testutil.TestLogger(t))
}

// recvMessage pops one queued message or fails the test.
func recvMessage(t *testing.T, c *Client) ServerMessage {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	default:
		t.Fatal("expected a message to be queued, but none was")
		return nil
	}
}

func assertNoMessage(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.send:
		t.Fatalf("expected no message, got %T: %+v", msg, msg)
	default:
	}
}

func TestNewHub(t *testing.T) {
	db := &database.MockRfqHubRepository{}
	defer db.AssertExpectations(t)

	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)
	su.On("RegisterMetric", mock.Anything).Return(nil).Times(4)

	logger := testutil.TestLogger(t)
	h, err := NewHub(logger, db, su)
	assert.NoError(t, err, "expected no error creating Hub")
	assert.NotNil(t, h, "expected Hub to be non-nil")
	assert.Equal(t, logger, h.log, "expected logger to be set")
	assert.Equal(t, db, h.db, "expected database repository to be set")
	assert.NotNil(t, h.clients, "expected clients map to be initialized")
	assert.NotNil(t, h.presence, "expected presence map to be initialized")
	assert.NotNil(t, h.rfqSubs, "expected rfq subscription map to be initialized")
	assert.NotNil(t, h.notifications, "expected notification store to be initialized")
	assert.NotNil(t, h.stop, "expected stop channel to be initialized")
}

func TestHub_PresenceAccounting(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", "NumConnections").Twice()
	su.On("Incr", "NumPresenceRecords").Once()
	su.On("Decr", "NumConnections").Twice()
	su.On("Decr", "NumPresenceRecords").Once()
	defer su.AssertExpectations(t)

	h := newTestHub(t, &database.MockRfqHubRepository{}, su)
	user := types.User{Id: 1, Username: "buyer1", Role: types.RoleBuyer}

	c1 := newTestClient(t, h, user)
	c2 := newTestClient(t, h, user)

	h.RegisterClient(c1)
	h.RegisterClient(c2)

	pr, ok := h.presence[user.Id]
	assert.True(t, ok, "expected presence record after connect")
	assert.Len(t, pr.clients, 2, "expected 2 connections for user")
	assert.Equal(t, types.StatusOnline, pr.status, "expected user to be online")

	h.DeregisterClient(c1)
	pr, ok = h.presence[user.Id]
	assert.True(t, ok, "expected presence record while a connection remains")
	assert.Len(t, pr.clients, 1, "expected 1 connection after one disconnect")

	h.DeregisterClient(c2)
	_, ok = h.presence[user.Id]
	assert.False(t, ok, "expected presence record to be removed with the last connection")
	assert.Empty(t, h.clients, "expected no clients after all disconnects")
}

func TestHub_DeregisterUnknownClientIsNoop(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	defer su.AssertExpectations(t)

	h := newTestHub(t, &database.MockRfqHubRepository{}, su)
	c := newTestClient(t, h, types.User{Id: 1, Username: "ghost", Role: types.RoleBuyer})

	// never registered; must not decrement anything
	h.DeregisterClient(c)
	assert.Empty(t, h.presence, "expected no presence records")
}

func TestHub_AdminPresenceEvents(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	allowStats(su)

	h := newTestHub(t, &database.MockRfqHubRepository{}, su)

	admin := newTestClient(t, h, types.User{Id: 1, Username: "admin1", Role: types.RoleAdmin})
	h.RegisterClient(admin)

	// the admin's own first connection notifies admins, then the
	// connection ack follows
	msg := recvMessage(t, admin)
	presence, ok := msg.(*UserPresenceMessage)
	assert.True(t, ok, "expected a user_presence message, got %T", msg)
	assert.Equal(t, "connected", presence.Event, "expected connected event")
	assert.Equal(t, admin.user.Id, presence.UserId, "expected admin's own user id")

	msg = recvMessage(t, admin)
	ack, ok := msg.(*ConnectionEstablishedMessage)
	assert.True(t, ok, "expected a connection_established message, got %T", msg)
	assert.Equal(t, "connection_established", ack.Type, "expected connection_established type")

	buyer := newTestClient(t, h, types.User{Id: 2, Username: "buyer1", Role: types.RoleBuyer})
	h.RegisterClient(buyer)

	msg = recvMessage(t, admin)
	presence, ok = msg.(*UserPresenceMessage)
	assert.True(t, ok, "expected a user_presence message, got %T", msg)
	assert.Equal(t, "connected", presence.Event, "expected connected event for buyer")
	assert.Equal(t, buyer.user.Id, presence.UserId, "expected buyer's user id")
	assert.Equal(t, types.RoleBuyer, presence.Role, "expected buyer role")
	assert.Equal(t, types.StatusOnline, presence.Status, "expected online status")

	// second connection for the same user must not notify again
	buyerTab2 := newTestClient(t, h, buyer.user)
	h.RegisterClient(buyerTab2)
	recvMessage(t, buyerTab2) // connection ack
	assertNoMessage(t, admin)

	// buyer itself never receives presence events
	recvMessage(t, buyer) // connection ack
	assertNoMessage(t, buyer)

	h.DeregisterClient(buyerTab2)
	assertNoMessage(t, admin)

	h.DeregisterClient(buyer)
	msg = recvMessage(t, admin)
	presence, ok = msg.(*UserPresenceMessage)
	assert.True(t, ok, "expected a user_presence message, got %T", msg)
	assert.Equal(t, "disconnected", presence.Event, "expected disconnected event")
	assert.Equal(t, types.StatusOffline, presence.Status, "expected offline status")
}

func TestHub_ConnectionAckCarriesRecentNotifications(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	allowStats(su)

	h := newTestHub(t, &database.MockRfqHubRepository{}, su)

	for i := 0; i < recentOnConnect+3; i++ {
		h.notifications.Add(globalNotification(newNotificationId()))
	}

	c := newTestClient(t, h, types.User{Id: 1, Username: "buyer1", Role: types.RoleBuyer})
	h.RegisterClient(c)

	msg := recvMessage(t, c)
	ack, ok := msg.(*ConnectionEstablishedMessage)
	assert.True(t, ok, "expected a connection_established message, got %T", msg)
	assert.Len(t, ack.Notifications, recentOnConnect, "expected the %d most recent notifications", recentOnConnect)
}

func TestHub_SubscribeRfqIdempotent(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	su.On("Incr", "NumRfqSubscriptions").Once()
	defer su.AssertExpectations(t)

	h := newTestHub(t, &database.MockRfqHubRepository{}, su)
	c := newTestClient(t, h, types.User{Id: 1, Username: "buyer1", Role: types.RoleBuyer})

	h.SubscribeRfq(c, 42)
	h.SubscribeRfq(c, 42)

	assert.Len(t, h.rfqSubs[42], 1, "expected a single subscription entry")
}

func TestHub_UnsubscribeRfqDeletesEmptySet(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	allowStats(su)

	h := newTestHub(t, &database.MockRfqHubRepository{}, su)
	c := newTestClient(t, h, types.User{Id: 1, Username: "buyer1", Role: types.RoleBuyer})

	h.SubscribeRfq(c, 42)
	h.UnsubscribeRfq(c, 42)

	_, ok := h.rfqSubs[42]
	assert.False(t, ok, "expected empty subscriber set to be deleted")

	// unsubscribing again is a no-op
	h.UnsubscribeRfq(c, 42)
}

func TestHub_DisconnectCleansSubscriptions(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	allowStats(su)

	h := newTestHub(t, &database.MockRfqHubRepository{}, su)
	c1 := newTestClient(t, h, types.User{Id: 1, Username: "buyer1", Role: types.RoleBuyer})
	c2 := newTestClient(t, h, types.User{Id: 2, Username: "buyer2", Role: types.RoleBuyer})
	h.RegisterClient(c1)
	h.RegisterClient(c2)

	h.SubscribeRfq(c1, 42)
	h.SubscribeRfq(c1, 43)
	h.SubscribeRfq(c2, 42)

	h.DeregisterClient(c1)

	assert.NotContains(t, h.rfqSubs, 43, "expected sole-subscriber set to be deleted")
	assert.Len(t, h.rfqSubs[42], 1, "expected remaining subscriber to survive")

	h.DeregisterClient(c2)
	assert.Empty(t, h.rfqSubs, "expected no subscription sets after all disconnects")
}

func TestHub_BroadcastAll(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	allowStats(su)

	h := newTestHub(t, &database.MockRfqHubRepository{}, su)
	c1 := newTestClient(t, h, types.User{Id: 1, Username: "buyer1", Role: types.RoleBuyer})
	c2 := newTestClient(t, h, types.User{Id: 2, Username: "supplier1", Role: types.RoleSupplier})
	h.RegisterClient(c1)
	h.RegisterClient(c2)
	recvMessage(t, c1)
	recvMessage(t, c2)

	h.BroadcastAll(NewPong())

	assert.IsType(t, &PongMessage{}, recvMessage(t, c1), "expected broadcast to reach first client")
	assert.IsType(t, &PongMessage{}, recvMessage(t, c2), "expected broadcast to reach second client")
}

func TestHub_BroadcastFullBufferDoesNotBlock(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	allowStats(su)

	h := newTestHub(t, &database.MockRfqHubRepository{}, su)
	full := newTestClient(t, h, types.User{Id: 1, Username: "full", Role: types.RoleBuyer})
	full.send = make(chan ServerMessage, 1)
	full.send <- NewPong()
	ok := newTestClient(t, h, types.User{Id: 2, Username: "ok", Role: types.RoleBuyer})

	h.RegisterClient(full)
	h.RegisterClient(ok)
	recvMessage(t, ok)

	h.BroadcastAll(NewError("best effort"))

	// the healthy client still receives the broadcast
	msg := recvMessage(t, ok)
	errMsg, isErr := msg.(*ErrorMessage)
	assert.True(t, isErr, "expected error message, got %T", msg)
	assert.Equal(t, "best effort", errMsg.Message)
}

func TestHub_BroadcastToUser_MultipleTabs(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	allowStats(su)

	h := newTestHub(t, &database.MockRfqHubRepository{}, su)
	user := types.User{Id: 9, Username: "buyer9", Role: types.RoleBuyer}
	tab1 := newTestClient(t, h, user)
	tab2 := newTestClient(t, h, user)
	other := newTestClient(t, h, types.User{Id: 10, Username: "other", Role: types.RoleBuyer})
	h.RegisterClient(tab1)
	h.RegisterClient(tab2)
	h.RegisterClient(other)
	recvMessage(t, tab1)
	recvMessage(t, tab2)
	recvMessage(t, other)

	h.BroadcastToUser(NewPong(), user.Id)

	assert.IsType(t, &PongMessage{}, recvMessage(t, tab1), "expected message on first tab")
	assert.IsType(t, &PongMessage{}, recvMessage(t, tab2), "expected message on second tab")
	assertNoMessage(t, other)

	// no live connections is a no-op
	h.BroadcastToUser(NewPong(), 999)
}

func TestHub_PublishNotification(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	allowStats(su)

	h := newTestHub(t, &database.MockRfqHubRepository{}, su)
	buyer := newTestClient(t, h, types.User{Id: 1, Username: "buyer1", Role: types.RoleBuyer})
	supplier := newTestClient(t, h, types.User{Id: 2, Username: "supplier1", Role: types.RoleSupplier})
	h.RegisterClient(buyer)
	h.RegisterClient(supplier)
	recvMessage(t, buyer)
	recvMessage(t, supplier)

	t.Run("global notification reaches everyone", func(t *testing.T) {
		h.PublishNotification(globalNotification("g-1"))

		for _, c := range []*Client{buyer, supplier} {
			msg := recvMessage(t, c)
			nm, ok := msg.(*NotificationMessage)
			assert.True(t, ok, "expected notification message, got %T", msg)
			assert.Equal(t, "g-1", nm.Notification.Id)
		}

		assert.Len(t, h.notifications.Global(), 1, "expected notification recorded in global buffer")
	})

	t.Run("targeted notification reaches only the target", func(t *testing.T) {
		h.PublishNotification(userNotification("u-1", buyer.user.Id))

		msg := recvMessage(t, buyer)
		nm, ok := msg.(*NotificationMessage)
		assert.True(t, ok, "expected notification message, got %T", msg)
		assert.Equal(t, "u-1", nm.Notification.Id)
		assertNoMessage(t, supplier)

		assert.Len(t, h.notifications.ForUser(buyer.user.Id), 1, "expected notification recorded in inbox")
	})

	t.Run("targeted notification for offline user is still recorded", func(t *testing.T) {
		h.PublishNotification(userNotification("u-2", 404))
		assert.Len(t, h.notifications.ForUser(404), 1, "expected offline user's inbox to be populated")
	})
}

func TestHub_Touch(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	allowStats(su)

	h := newTestHub(t, &database.MockRfqHubRepository{}, su)
	c := newTestClient(t, h, types.User{Id: 1, Username: "buyer1", Role: types.RoleBuyer})
	h.RegisterClient(c)

	h.presence[c.user.Id].status = types.StatusAway
	before := h.presence[c.user.Id].lastActive

	time.Sleep(2 * time.Millisecond)
	h.Touch(c.user.Id)

	pr := h.presence[c.user.Id]
	assert.Equal(t, types.StatusOnline, pr.status, "expected away user to flip back to online")
	assert.True(t, pr.lastActive.After(before), "expected last-active to be refreshed")

	// unknown user is a no-op
	h.Touch(999)
}

func TestHub_UpdatePresence(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	allowStats(su)

	h := newTestHub(t, &database.MockRfqHubRepository{}, su)
	admin := newTestClient(t, h, types.User{Id: 1, Username: "admin1", Role: types.RoleAdmin})
	buyer := newTestClient(t, h, types.User{Id: 2, Username: "buyer1", Role: types.RoleBuyer})
	h.RegisterClient(admin)
	h.RegisterClient(buyer)
	recvMessage(t, admin) // own connected event
	recvMessage(t, admin) // connection ack
	recvMessage(t, admin) // buyer connected event
	recvMessage(t, buyer) // connection ack

	h.UpdatePresence(buyer.user.Id, types.StatusAway)

	assert.Equal(t, types.StatusAway, h.presence[buyer.user.Id].status, "expected status to be updated")

	msg := recvMessage(t, admin)
	presence, ok := msg.(*UserPresenceMessage)
	assert.True(t, ok, "expected user_presence message, got %T", msg)
	assert.Equal(t, "status_changed", presence.Event)
	assert.Equal(t, types.StatusAway, presence.Status)
	assertNoMessage(t, buyer)
}

func TestHub_ActiveUsers(t *testing.T) {
	su := &stats.MockStatsUpdater{}
	allowStats(su)

	h := newTestHub(t, &database.MockRfqHubRepository{}, su)
	user := types.User{Id: 1, Username: "buyer1", Role: types.RoleBuyer}
	h.RegisterClient(newTestClient(t, h, user))
	h.RegisterClient(newTestClient(t, h, user))
	h.RegisterClient(newTestClient(t, h, types.User{Id: 2, Username: "admin1", Role: types.RoleAdmin}))

	users := h.ActiveUsers()
	assert.Len(t, users, 2, "expected one entry per user, not per connection")

	for _, u := range users {
		if u.UserId == user.Id {
			assert.Equal(t, 2, u.Connections, "expected connection count to be aggregated")
			assert.Equal(t, types.StatusOnline, u.Status, "expected online status")
			assert.False(t, u.LastActive.IsZero(), "expected last-active to be stamped")
		}
	}
}

func TestHubShutdown(t *testing.T) {
	t.Run("successful shutdown", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		allowStats(su)
		h := newTestHub(t, &database.MockRfqHubRepository{}, su)
		go h.Run()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		err := h.Shutdown(ctx)
		assert.NoError(t, err, "expected successful shutdown without error")
	})

	t.Run("fails with context deadline exceeded", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		allowStats(su)
		h := newTestHub(t, &database.MockRfqHubRepository{}, su)
		// Run is not started, so the stop channel never drains

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		err := h.Shutdown(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded, "expected context deadline exceeded error, got %v", err)
	})

	t.Run("stops registered clients", func(t *testing.T) {
		su := &stats.MockStatsUpdater{}
		allowStats(su)
		h := newTestHub(t, &database.MockRfqHubRepository{}, su)
		c := newTestClient(t, h, types.User{Id: 1, Username: "buyer1", Role: types.RoleBuyer})
		h.RegisterClient(c)

		go h.Run()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		err := h.Shutdown(ctx)
		assert.NoError(t, err, "expected successful shutdown")

		select {
		case <-c.stop:
			// stop channel closed as expected
		default:
			t.Error("expected client stop channel to be closed on shutdown")
		}
	})
}

func Test_demoInterval(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := demoInterval()
		assert.GreaterOrEqual(t, d, demoIntervalMin, "expected interval to be at least the minimum")
		assert.Less(t, d, demoIntervalMax, "expected interval to be below the maximum")
	}
}
