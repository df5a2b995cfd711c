package server

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/tradewire/go-rfqhub/internal/types"
)

const rfqChannelPrefix = "rfq:"

type handlerFunc func(h *Hub, c *Client, msg *ClientMessage)

// messageHandlers maps the type discriminator to its handler. Types
// not listed here are echoed back unchanged so unknown future clients
// keep working.
var messageHandlers = map[string]handlerFunc{
	"rfq_update":             (*Hub).handleRfqUpdate,
	"bid_notification":       (*Hub).handleBidNotification,
	"subscribe_rfq":          (*Hub).handleSubscribeRfq,
	"unsubscribe_rfq":        (*Hub).handleUnsubscribeRfq,
	"subscribe":              (*Hub).handleSubscribeChannel,
	"mark_notification_read": (*Hub).handleMarkNotificationRead,
	"get_user_notifications": (*Hub).handleGetUserNotifications,
	"presence_update":        (*Hub).handlePresenceUpdate,
	"get_active_users":       (*Hub).handleGetActiveUsers,
	"ping":                   (*Hub).handlePing,
}

// route dispatches one inbound message. A failure in a handler answers
// the sender only; it must never take down the connection or reach
// other clients.
func (h *Hub) route(c *Client, msg *ClientMessage) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Printf("panic handling %q message from %q: %v", msg.Type, c.user.Username, r)
			c.queueMessage(NewError("Internal server error"))
		}
	}()

	handler, ok := messageHandlers[msg.Type]
	if !ok {
		c.queueMessage(NewEcho(msg.raw))
		return
	}

	handler(h, c, msg)
}

func (h *Hub) handleRfqUpdate(c *Client, msg *ClientMessage) {
	if msg.RfqId == 0 {
		c.queueMessage(ErrMissingField("rfqId"))
		return
	}
	if msg.Action == "" {
		c.queueMessage(ErrMissingField("action"))
		return
	}

	switch c.user.Role {
	case types.RoleAdmin:
		// admins may update any RFQ
	case types.RoleBuyer:
		ownerId, err := h.db.GetRfqOwner(msg.RfqId)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				c.queueMessage(NewError("RFQ not found"))
				return
			}
			h.log.Printf("GetRfqOwner(%d): %v", msg.RfqId, err)
			c.queueMessage(ErrDatabase())
			return
		}
		if ownerId != c.user.Id {
			c.queueMessage(NewError("You can only update your own RFQs"))
			return
		}
	default:
		c.queueMessage(ErrUnauthorized())
		return
	}

	h.BroadcastToRfqSubscribers(&RfqUpdateMessage{
		BaseMessage: newBase("rfq_update"),
		RfqId:       msg.RfqId,
		Action:      msg.Action,
		Data:        msg.Data,
		UserId:      c.user.Id,
	}, msg.RfqId)

	h.PublishNotification(&types.Notification{
		Id:        newNotificationId(),
		Title:     "RFQ Update",
		Message:   fmt.Sprintf("RFQ #%d was %s by %s", msg.RfqId, msg.Action, c.user.Username),
		Severity:  types.SeverityInfo,
		Category:  types.CategoryRfq,
		RfqId:     msg.RfqId,
		CreatedAt: Now(),
	})
}

func (h *Hub) handleBidNotification(c *Client, msg *ClientMessage) {
	if msg.BidId == 0 {
		c.queueMessage(ErrMissingField("bidId"))
		return
	}
	if msg.RfqId == 0 {
		c.queueMessage(ErrMissingField("rfqId"))
		return
	}
	if msg.Action == "" {
		c.queueMessage(ErrMissingField("action"))
		return
	}

	switch c.user.Role {
	case types.RoleAdmin:
	case types.RoleSupplier:
		ownerId, err := h.db.GetBidOwner(msg.BidId)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				c.queueMessage(NewError("Bid not found"))
				return
			}
			h.log.Printf("GetBidOwner(%d): %v", msg.BidId, err)
			c.queueMessage(ErrDatabase())
			return
		}
		if ownerId != c.user.Id {
			c.queueMessage(NewError("You can only send notifications for your own bids"))
			return
		}
	default:
		c.queueMessage(ErrUnauthorized())
		return
	}

	buyerId, err := h.db.GetRfqOwner(msg.RfqId)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.queueMessage(NewError("RFQ not found"))
			return
		}
		h.log.Printf("GetRfqOwner(%d): %v", msg.RfqId, err)
		c.queueMessage(ErrDatabase())
		return
	}

	h.PublishNotification(&types.Notification{
		Id:           newNotificationId(),
		Title:        "Bid Activity",
		Message:      fmt.Sprintf("Bid #%d on RFQ #%d was %s", msg.BidId, msg.RfqId, msg.Action),
		Severity:     types.SeverityInfo,
		Category:     types.CategoryBid,
		TargetUserId: buyerId,
		RfqId:        msg.RfqId,
		BidId:        msg.BidId,
		CreatedAt:    Now(),
	})

	c.queueMessage(&BidNotificationSentMessage{
		BaseMessage: newBase("bid_notification_sent"),
		BidId:       msg.BidId,
		RfqId:       msg.RfqId,
	})
}

func (h *Hub) handleSubscribeRfq(c *Client, msg *ClientMessage) {
	if msg.RfqId == 0 {
		c.queueMessage(ErrMissingField("rfqId"))
		return
	}

	h.SubscribeRfq(c, msg.RfqId)

	c.queueMessage(&RfqSubscriptionMessage{
		BaseMessage: newBase("subscribed"),
		RfqId:       msg.RfqId,
	})
}

func (h *Hub) handleUnsubscribeRfq(c *Client, msg *ClientMessage) {
	if msg.RfqId == 0 {
		c.queueMessage(ErrMissingField("rfqId"))
		return
	}

	h.UnsubscribeRfq(c, msg.RfqId)

	c.queueMessage(&RfqSubscriptionMessage{
		BaseMessage: newBase("unsubscribed"),
		RfqId:       msg.RfqId,
	})
}

func (h *Hub) handleSubscribeChannel(c *Client, msg *ClientMessage) {
	if msg.Channel == "" {
		c.queueMessage(ErrMissingField("channel"))
		return
	}

	c.addChannel(msg.Channel)

	// rfq:<id> channels double as RFQ subscriptions
	if rest, ok := strings.CutPrefix(msg.Channel, rfqChannelPrefix); ok {
		if rfqId, err := strconv.Atoi(rest); err == nil && rfqId > 0 {
			h.SubscribeRfq(c, rfqId)
		}
	}

	c.queueMessage(&ChannelSubscriptionMessage{
		BaseMessage: newBase("subscription-success"),
		Channel:     msg.Channel,
	})
}

func (h *Hub) handleMarkNotificationRead(c *Client, msg *ClientMessage) {
	if msg.NotificationId == "" {
		c.queueMessage(ErrMissingField("notificationId"))
		return
	}

	if h.notifications.MarkRead(c.user.Id, msg.NotificationId) {
		c.queueMessage(&NotificationUpdatedMessage{
			BaseMessage:    newBase("notification_updated"),
			NotificationId: msg.NotificationId,
		})
	}
}

func (h *Hub) handleGetUserNotifications(c *Client, msg *ClientMessage) {
	notifications := h.notifications.ForUser(c.user.Id)

	c.queueMessage(&UserNotificationsMessage{
		BaseMessage:   newBase("user_notifications"),
		Notifications: notifications,
		Count:         len(notifications),
	})
}

func (h *Hub) handlePresenceUpdate(c *Client, msg *ClientMessage) {
	status := types.PresenceStatus(msg.Status)
	if status != types.StatusOnline && status != types.StatusAway {
		c.queueMessage(NewError("Invalid status"))
		return
	}

	h.UpdatePresence(c.user.Id, status)

	c.queueMessage(&PresenceUpdatedMessage{
		BaseMessage: newBase("presence_updated"),
		Status:      status,
	})
}

func (h *Hub) handleGetActiveUsers(c *Client, msg *ClientMessage) {
	if c.user.Role != types.RoleAdmin {
		c.queueMessage(ErrUnauthorized())
		return
	}

	users := h.ActiveUsers()

	c.queueMessage(&ActiveUsersMessage{
		BaseMessage: newBase("active_users"),
		Users:       users,
		Count:       len(users),
	})
}

func (h *Hub) handlePing(c *Client, msg *ClientMessage) {
	c.queueMessage(NewPong())
}
