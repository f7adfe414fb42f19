package gateway

import (
	"context"
	"encoding/json"

	"github.com/fasthttp/websocket"

	"github.com/beaconchat/beacon-server/internal/auth"
	"github.com/beaconchat/beacon-server/internal/presence"
	"github.com/beaconchat/beacon-server/internal/queue"
	"github.com/beaconchat/beacon-server/internal/room"
	"github.com/beaconchat/beacon-server/internal/staff"
	"github.com/beaconchat/beacon-server/internal/visitor"
	"github.com/beaconchat/beacon-server/internal/wire"
)

// visitorInitData seeds a freshly connected visitor with the room roster and
// the staff currently online.
type visitorInitData struct {
	Staffs       map[string]room.StaffRef       `json:"staffs"`
	OnlineStaffs map[string]presence.StaffEntry `json:"online_staffs"`
}

// staffInitData seeds a freshly connected staff member with both unclaimed
// lines and the current presence view.
type staffInitData struct {
	UnclaimedChats        []queue.Bundle                 `json:"unclaimed_chats"`
	OfflineUnclaimedChats []visitor.Summary              `json:"offline_unclaimed_chats"`
	OnlineUsers           map[string]presence.StaffEntry `json:"online_users"`
	OnlineVisitors        map[string]visitor.Visitor     `json:"online_visitors"`
}

// ServeWebSocket runs a freshly upgraded connection. The identity was resolved
// from the Authorization header before the upgrade; an unauthenticated request
// never reaches this point. The call blocks until the connection closes.
func (h *Hub) ServeWebSocket(conn Conn, identity auth.Identity) {
	sid := NewSID()
	client := newClient(h, conn, sid, identity, h.log)

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	if identity.Kind == auth.KindVisitor {
		online, err := h.presence.VisitorOnline(ctx, identity.ID)
		if err != nil {
			h.log.Error().Err(err).Stringer("visitor_id", identity.ID).Msg("Failed to check visitor presence")
			_ = conn.Close()
			return
		}
		// One live session per visitor. The newcomer learns the room is taken
		// and is never bound.
		if online {
			if frame, fErr := NewServerFrame(wire.VisitorRoomExists, nil); fErr == nil {
				_ = conn.WriteMessage(websocket.TextMessage, frame)
			}
			_ = conn.Close()
			return
		}
	}

	h.register(client)

	var err error
	switch identity.Kind {
	case auth.KindVisitor:
		err = h.bindVisitor(ctx, client)
	case auth.KindStaff:
		err = h.bindStaff(ctx, client)
	}
	if err != nil {
		h.log.Error().Err(err).Stringer("id", identity.ID).Str("kind", string(identity.Kind)).
			Msg("Failed to bind connection")
		h.unregister(client)
		_ = conn.Close()
		return
	}

	h.log.Info().Str("sid", sid).Stringer("id", identity.ID).Str("kind", string(identity.Kind)).
		Msg("Client connected")

	go client.writePump()
	client.readPump()
}

// bindVisitor brings a visitor session online: presence, room membership, the
// init payload, and the offline-to-online queue transition.
func (h *Hub) bindVisitor(ctx context.Context, c *Client) error {
	v, err := h.visitors.GetByID(ctx, c.identity.ID)
	if err != nil {
		return err
	}

	snap, _, err := h.rooms.GetOrCreate(ctx, *v, room.CreateOpts{})
	if err != nil {
		return err
	}

	if err := h.presence.SetVisitorOnline(ctx, *v); err != nil {
		return err
	}

	topic := wire.RoomTopic(v.ID)
	h.Join(c, topic)
	if err := h.sessions.Save(ctx, Session{
		SID:   c.sid,
		Kind:  auth.KindVisitor,
		ID:    v.ID,
		Rooms: []string{topic},
	}); err != nil {
		return err
	}

	onlineStaffs, err := h.presence.OnlineStaff(ctx, h.orgID)
	if err != nil {
		return err
	}
	c.sendEvent(wire.VisitorInit, visitorInitData{
		Staffs:       snap.Room.Staffs,
		OnlineStaffs: onlineStaffs,
	})

	h.publish(ctx, wire.OrgTopic(h.orgID), wire.VisitorGoesOnline, map[string]any{"visitor": v}, c.sid)

	// A reconnecting unclaimed visitor moves from the durable line back to the
	// live one.
	queued, err := h.durable.ContainsUnclaimed(ctx, v.ID)
	if err != nil {
		return err
	}
	if queued && len(snap.Room.Staffs) == 0 {
		if err := h.durable.RemoveUnclaimed(ctx, v.ID); err != nil {
			return err
		}
		bundle, err := h.bundleFor(*v, snap)
		if err != nil {
			return err
		}
		if err := h.online.Push(ctx, h.orgID, bundle); err != nil {
			return err
		}
		h.publish(ctx, wire.OrgTopic(h.orgID), wire.RemoveVisitorOffline, map[string]any{"visitor_id": v.ID}, "")
		h.publish(ctx, wire.OrgTopic(h.orgID), wire.AppendUnclaimedChats, bundle, "")
	}
	return nil
}

// bindStaff brings a staff session online: presence, org and monitor
// membership, every subscribed room, and the init payload.
func (h *Hub) bindStaff(ctx context.Context, c *Client) error {
	st, err := h.staffs.GetByID(ctx, c.identity.ID)
	if err != nil {
		return err
	}

	if err := h.presence.SetStaffOnline(ctx, *st, c.sid); err != nil {
		return err
	}

	topics := []string{wire.OrgTopic(st.OrgID)}
	if st.Outranks(staff.RoleAgent) {
		topics = append(topics, wire.MonitorTopic(st.OrgID))
	}
	visitorIDs, err := h.chats.ListSubscribedVisitorIDs(ctx, st.ID)
	if err != nil {
		return err
	}
	for _, id := range visitorIDs {
		topics = append(topics, wire.RoomTopic(id))
	}
	for _, topic := range topics {
		h.Join(c, topic)
	}

	if err := h.sessions.Save(ctx, Session{
		SID:    c.sid,
		Kind:   auth.KindStaff,
		ID:     st.ID,
		OrgID:  st.OrgID,
		RoleID: st.RoleID,
		Rooms:  topics,
	}); err != nil {
		return err
	}

	unclaimed, err := h.online.List(ctx, st.OrgID)
	if err != nil {
		return err
	}
	offline, err := h.durable.SliceUnclaimed(ctx, 0, offlinePageSize)
	if err != nil {
		return err
	}
	onlineUsers, err := h.presence.OnlineStaff(ctx, st.OrgID)
	if err != nil {
		return err
	}
	onlineVisitors, err := h.presence.OnlineVisitors(ctx)
	if err != nil {
		return err
	}
	c.sendEvent(wire.StaffInit, staffInitData{
		UnclaimedChats:        unclaimed,
		OfflineUnclaimedChats: offline,
		OnlineUsers:           onlineUsers,
		OnlineVisitors:        onlineVisitors,
	})

	h.publish(ctx, wire.OrgTopic(st.OrgID), wire.StaffGoesOnline,
		map[string]any{"staff": st, "sid": c.sid}, c.sid)
	return nil
}

// disconnect unwinds a closed connection: registry, presence, queue
// transitions, and room cleanup. It is idempotent; the pump exit and an
// overflow drop can both land here.
func (h *Hub) disconnect(c *Client) {
	if !h.unregister(c) {
		return
	}
	c.closeSend()

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	switch c.identity.Kind {
	case auth.KindVisitor:
		h.disconnectVisitor(ctx, c)
	case auth.KindStaff:
		h.disconnectStaff(ctx, c)
	}

	if err := h.sessions.Delete(ctx, c.sid); err != nil {
		h.log.Warn().Err(err).Str("sid", c.sid).Msg("Failed to delete session")
	}
	h.log.Info().Str("sid", c.sid).Stringer("id", c.identity.ID).Msg("Client disconnected")
}

func (h *Hub) disconnectVisitor(ctx context.Context, c *Client) {
	visitorID := c.identity.ID

	if err := h.presence.SetVisitorOffline(ctx, visitorID); err != nil {
		h.log.Warn().Err(err).Stringer("visitor_id", visitorID).Msg("Failed to clear visitor presence")
	}
	h.publish(ctx, wire.OrgTopic(h.orgID), wire.VisitorGoesOffline, map[string]any{"visitor_id": visitorID}, "")
	h.publish(ctx, wire.RoomTopic(visitorID), wire.VisitorGoesOffline, map[string]any{"visitor_id": visitorID}, c.sid)

	// An unclaimed visitor leaving moves to the durable line so the chat stays
	// visible to staff.
	queued, err := h.online.Contains(ctx, h.orgID, visitorID)
	if err != nil {
		h.log.Warn().Err(err).Stringer("visitor_id", visitorID).Msg("Failed to check unclaimed line")
	}
	if queued {
		if err := h.online.Remove(ctx, h.orgID, visitorID); err != nil {
			h.log.Warn().Err(err).Stringer("visitor_id", visitorID).Msg("Failed to dequeue visitor")
		}
		if err := h.durable.PushUnclaimed(ctx, visitorID); err != nil {
			h.log.Warn().Err(err).Stringer("visitor_id", visitorID).Msg("Failed to persist unclaimed chat")
		}
		h.publish(ctx, wire.OrgTopic(h.orgID), wire.UnclaimedChatOffline, map[string]any{"visitor_id": visitorID}, "")
	}

	if _, err := h.rooms.DropIfAbandoned(ctx, visitorID); err != nil {
		h.log.Warn().Err(err).Stringer("visitor_id", visitorID).Msg("Failed to drop abandoned room")
	}
}

func (h *Hub) disconnectStaff(ctx context.Context, c *Client) {
	staffID := c.identity.ID
	orgID := c.identity.OrgID

	removed, err := h.presence.SetStaffOffline(ctx, orgID, staffID, c.sid)
	if err != nil {
		h.log.Warn().Err(err).Stringer("staff_id", staffID).Msg("Failed to clear staff presence")
	}
	// A newer tab owns the presence entry; only the last session's exit makes
	// the staff member offline.
	if removed {
		h.publish(ctx, wire.OrgTopic(orgID), wire.StaffGoesOffline, map[string]any{"staff_id": staffID}, "")
	}

	visitorIDs, err := h.chats.ListSubscribedVisitorIDs(ctx, staffID)
	if err != nil {
		h.log.Warn().Err(err).Stringer("staff_id", staffID).Msg("Failed to list subscribed rooms")
		return
	}
	for _, id := range visitorIDs {
		if _, err := h.rooms.DropIfAbandoned(ctx, id); err != nil {
			h.log.Warn().Err(err).Stringer("visitor_id", id).Msg("Failed to drop abandoned room")
		}
	}
}

// bundleFor packages a visitor and their room for the unclaimed line.
func (h *Hub) bundleFor(v visitor.Visitor, snap *room.Snapshot) (queue.Bundle, error) {
	raw, err := json.Marshal(snap.Room)
	if err != nil {
		return queue.Bundle{}, err
	}
	return queue.Bundle{Visitor: v, Room: raw}, nil
}
