package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/beaconchat/beacon-server/internal/auth"
	"github.com/beaconchat/beacon-server/internal/chat"
	"github.com/beaconchat/beacon-server/internal/email"
	"github.com/beaconchat/beacon-server/internal/permission"
	"github.com/beaconchat/beacon-server/internal/room"
	"github.com/beaconchat/beacon-server/internal/staff"
	"github.com/beaconchat/beacon-server/internal/visitor"
	"github.com/beaconchat/beacon-server/internal/wire"
)

// System message bodies written to the chat log on roster changes. The strings
// are part of the client contract.
var (
	systemJoinRoom     = json.RawMessage(`{"content":"join room"}`)
	systemLeaveRoom    = json.RawMessage(`{"content":"leave room"}`)
	systemTakeOverRoom = json.RawMessage(`{"content":"take over room"}`)
)

// handleFrame runs one client frame through its handler and acks it when the
// frame carried an id. Handler errors reach the client only through the ack;
// they never close the connection.
func (h *Hub) handleFrame(c *Client, frame Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	data, err := h.dispatch(ctx, c, frame)
	if err != nil {
		h.log.Debug().Err(err).Str("event", string(frame.Event)).Str("sid", c.sid).Msg("Event rejected")
	}
	if frame.ID == nil {
		return
	}
	ack, ackErr := NewAckFrame(*frame.ID, data, err)
	if ackErr != nil {
		h.log.Error().Err(ackErr).Msg("Failed to build ack frame")
		return
	}
	c.enqueue(ack)
}

func (h *Hub) dispatch(ctx context.Context, c *Client, frame Frame) (any, error) {
	switch frame.Event {
	case wire.VisitorFirstMsg, wire.VisitorMsgUnclaimd:
		return h.handleVisitorUnclaimedMsg(ctx, c, frame.Data)
	case wire.VisitorMsg:
		return h.handleVisitorMsg(ctx, c, frame.Data)
	case wire.VisitorLeaveRoom:
		return h.handleVisitorLeaveRoom(ctx, c)
	case wire.StaffJoin:
		return h.handleStaffJoin(ctx, c, frame.Data)
	case wire.StaffMsg:
		return h.handleStaffMsg(ctx, c, frame.Data)
	case wire.StaffLeaveRoom:
		return h.handleStaffLeaveRoom(ctx, c, frame.Data)
	case wire.AddStaffToChat:
		return h.handleAddStaff(ctx, c, frame.Data)
	case wire.RemoveStaffFromCht:
		return h.handleRemoveStaff(ctx, c, frame.Data)
	case wire.UpdateStaffsInChat:
		return h.handleUpdateStaffs(ctx, c, frame.Data)
	case wire.TakeOverChat:
		return h.handleTakeOver(ctx, c, frame.Data)
	case wire.ChangeChatPriority:
		return h.handleChangePriority(ctx, c, frame.Data)
	case wire.StaffHandledChat:
		return h.handleHandledChat(ctx, c, frame.Data)
	case wire.UserTypingSend:
		return h.handleTyping(ctx, c, frame.Data, true)
	case wire.UserStopTypingSend:
		return h.handleTyping(ctx, c, frame.Data, false)
	default:
		return nil, wire.ValidationError("event")
	}
}

func (h *Hub) requireVisitor(c *Client) error {
	if c.identity.Kind != auth.KindVisitor {
		return wire.ErrPermissionDenied
	}
	return nil
}

func (h *Hub) requireStaff(c *Client) error {
	if c.identity.Kind != auth.KindStaff {
		return wire.ErrPermissionDenied
	}
	return nil
}

func (h *Hub) requirePermission(ctx context.Context, c *Client, action string) error {
	if err := h.requireStaff(c); err != nil {
		return err
	}
	allowed, err := h.resolver.Allowed(ctx, action, c.identity.RoleID)
	if err != nil {
		return fmt.Errorf("resolve permission %s: %w", action, err)
	}
	if !allowed {
		return wire.ErrPermissionDenied
	}
	return nil
}

// sanitizeContent strips markup from the text body of a message content
// object. Non-object payloads are rejected before touching storage.
func (h *Hub) sanitizeContent(raw json.RawMessage) (json.RawMessage, error) {
	var content map[string]any
	if err := json.Unmarshal(raw, &content); err != nil || len(content) == 0 {
		return nil, wire.ValidationError("content")
	}
	if value, ok := content["value"].(string); ok {
		content["value"] = h.policy.Sanitize(value)
	}
	clean, err := json.Marshal(content)
	if err != nil {
		return nil, wire.ValidationError("content")
	}
	return clean, nil
}

// handleVisitorUnclaimedMsg serves visitor_first_msg and visitor_msg_unclaimed:
// a message from a visitor nobody has claimed yet. Auto-assignment runs first;
// when it finds nobody, the message lands in the online-unclaimed line.
func (h *Hub) handleVisitorUnclaimedMsg(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	if err := h.requireVisitor(c); err != nil {
		return nil, err
	}
	content, err := h.sanitizeContent(data)
	if err != nil {
		return nil, err
	}

	v, err := h.visitors.GetByID(ctx, c.identity.ID)
	if err != nil {
		return nil, err
	}
	snap, assigned, err := h.rooms.GetOrCreate(ctx, *v, room.CreateOpts{AssignStaff: true, OrgID: h.orgID})
	if err != nil {
		return nil, err
	}

	msg, err := h.rooms.AppendMessage(ctx, v.ID, chat.TypeUser, nil, content)
	if err != nil {
		return nil, err
	}
	if err := h.durable.PushUnhandled(ctx, v.ID); err != nil {
		return nil, err
	}

	if len(snap.Room.Staffs) > 0 {
		// A first message into a staffed room skips the monitor copy:
		// supervisors learn about the chat from the assignment events, and
		// claimed-room traffic carries the copy from visitor_msg onward.
		h.publish(ctx, wire.RoomTopic(v.ID), wire.VisitorSend, map[string]any{"message": msg, "visitor_id": v.ID}, c.sid)
		if assigned != nil {
			h.notifyAssigned(ctx, snap, *assigned, *v)
		}
		return msg, nil
	}

	// Nobody took the chat; queue it for whoever claims first.
	rawMsg, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal queued message: %w", err)
	}
	existing, err := h.online.Get(ctx, h.orgID, v.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if err := h.online.AppendContent(ctx, h.orgID, v.ID, rawMsg); err != nil {
			return nil, err
		}
		h.publish(ctx, wire.OrgTopic(h.orgID), wire.VisitorUnclaimedMsg,
			map[string]any{"visitor_id": v.ID, "message": msg}, "")
		return msg, nil
	}

	bundle, err := h.bundleFor(*v, snap)
	if err != nil {
		return nil, err
	}
	bundle.Contents = append(bundle.Contents, rawMsg)
	if err := h.online.Push(ctx, h.orgID, bundle); err != nil {
		return nil, err
	}
	h.publish(ctx, wire.OrgTopic(h.orgID), wire.AppendUnclaimedChats, bundle, "")
	c.sendEvent(wire.NoStaffLeft, nil)
	return msg, nil
}

// notifyAssigned tells a freshly auto-assigned volunteer about their new chat:
// a realtime event to their session when online, an e-mail otherwise.
func (h *Hub) notifyAssigned(ctx context.Context, snap *room.Snapshot, assigned staff.Staff, v visitor.Visitor) {
	ref, ok := snap.Room.Staffs[assigned.ID.String()]
	if ok && ref.SID != "" {
		h.publish(ctx, wire.SIDTopic(ref.SID), wire.AgentNewChat,
			map[string]any{"visitor": v, "room": snap.Room}, "")
		return
	}
	h.notifier.EmailStaff(ctx, assigned, email.CategoryNewAssignedChat, map[string]any{
		"name":    assigned.DisplayName,
		"visitor": v.Name,
	})
}

// handleVisitorMsg serves visitor_msg: a message into a claimed room.
func (h *Hub) handleVisitorMsg(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	if err := h.requireVisitor(c); err != nil {
		return nil, err
	}
	content, err := h.sanitizeContent(data)
	if err != nil {
		return nil, err
	}

	visitorID := c.identity.ID
	snap, err := h.rooms.Get(ctx, visitorID)
	if err != nil {
		return nil, err
	}

	msg, err := h.rooms.AppendMessage(ctx, visitorID, chat.TypeUser, nil, content)
	if err != nil {
		return nil, err
	}
	if err := h.durable.PushUnhandled(ctx, visitorID); err != nil {
		return nil, err
	}

	h.publish(ctx, wire.RoomTopic(visitorID), wire.VisitorSend,
		map[string]any{"message": msg, "visitor_id": visitorID}, c.sid)
	h.publish(ctx, wire.MonitorTopic(h.orgID), wire.NewVisitorMsgForSup,
		map[string]any{"visitor_id": visitorID, "message": msg}, "")

	// Staff away from their desk get a rate-limited nudge.
	for _, ref := range snap.Room.Staffs {
		entry, pErr := h.presence.GetStaff(ctx, ref.Staff.OrgID, ref.Staff.ID)
		if pErr != nil {
			h.log.Warn().Err(pErr).Stringer("staff_id", ref.Staff.ID).Msg("Failed to check staff presence")
			continue
		}
		if entry == nil {
			h.notifier.EmailStaff(ctx, ref.Staff, email.CategoryVisitorMsgToStaffs, map[string]any{
				"name":    ref.Staff.DisplayName,
				"visitor": c.identity.Display,
			})
		}
	}
	return msg, nil
}

// handleVisitorLeaveRoom closes the visitor's room for good. This is the only
// path that closes a chat; disconnects merely park it.
func (h *Hub) handleVisitorLeaveRoom(ctx context.Context, c *Client) (any, error) {
	if err := h.requireVisitor(c); err != nil {
		return nil, err
	}
	visitorID := c.identity.ID

	queued, err := h.online.Contains(ctx, h.orgID, visitorID)
	if err != nil {
		return nil, err
	}
	if queued {
		if err := h.online.Remove(ctx, h.orgID, visitorID); err != nil {
			return nil, err
		}
		h.publish(ctx, wire.OrgTopic(h.orgID), wire.VisitorLeaveQueue, map[string]any{"visitor_id": visitorID}, "")
	}
	if err := h.durable.RemoveUnclaimed(ctx, visitorID); err != nil {
		return nil, err
	}
	if err := h.durable.RemoveUnhandled(ctx, visitorID); err != nil {
		return nil, err
	}

	h.publish(ctx, wire.RoomTopic(visitorID), wire.VisitorGoesOffline,
		map[string]any{"visitor_id": visitorID}, c.sid)
	h.publish(ctx, wire.MonitorTopic(h.orgID), wire.VisitorLeaveForSup,
		map[string]any{"visitor_id": visitorID}, "")

	if err := h.rooms.Close(ctx, visitorID); err != nil {
		return nil, err
	}
	topic := wire.RoomTopic(visitorID)
	h.Leave(c, topic)
	if err := h.sessions.RemoveRoom(ctx, c.sid, topic); err != nil {
		h.log.Warn().Err(err).Str("sid", c.sid).Msg("Failed to update session rooms")
	}
	return nil, nil
}

// handleStaffJoin serves staff_join: claiming an unclaimed chat.
func (h *Hub) handleStaffJoin(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	if err := h.requireStaff(c); err != nil {
		return nil, err
	}
	var req wire.StaffJoinData
	if err := json.Unmarshal(data, &req); err != nil || req.Visitor == uuid.Nil {
		return nil, wire.ValidationError("visitor")
	}

	st, err := h.staffs.GetByID(ctx, c.identity.ID)
	if err != nil {
		return nil, err
	}

	if snap, gErr := h.rooms.Get(ctx, req.Visitor); gErr == nil && len(snap.Room.Staffs) > 0 {
		if snap.HasStaff(st.ID) {
			return snap, nil
		}
		return nil, wire.ErrAlreadyClaimed
	}
	subscribers, err := h.chats.ListSubscriberIDs(ctx, req.Visitor)
	if err != nil {
		return nil, err
	}
	if len(subscribers) > 0 && !containsID(subscribers, st.ID) {
		return nil, wire.ErrAlreadyClaimed
	}

	// Joining an unassigned room is a claim; rejoining an already-subscribed
	// room is not.
	if len(subscribers) == 0 {
		current, sErr := h.settings.Get(ctx)
		if sErr != nil {
			return nil, sErr
		}
		if current.AllowClaimingChat == 0 {
			return nil, wire.ErrPermissionDenied
		}
	}

	v, err := h.visitors.GetByID(ctx, req.Visitor)
	if err != nil {
		return nil, err
	}
	if _, _, err := h.rooms.GetOrCreate(ctx, *v, room.CreateOpts{}); err != nil {
		return nil, err
	}
	snap, err := h.rooms.AddStaff(ctx, req.Visitor, *st, c.sid)
	if err != nil {
		return nil, err
	}
	if _, err := h.rooms.AppendMessage(ctx, req.Visitor, chat.TypeSystem, &st.ID, systemJoinRoom); err != nil {
		return nil, err
	}

	// Whichever line held the chat, it leaves the queue now.
	queued, err := h.online.Contains(ctx, h.orgID, req.Visitor)
	if err != nil {
		return nil, err
	}
	if queued {
		if err := h.online.Remove(ctx, h.orgID, req.Visitor); err != nil {
			return nil, err
		}
	}
	wasOffline, err := h.durable.ContainsUnclaimed(ctx, req.Visitor)
	if err != nil {
		return nil, err
	}
	if wasOffline {
		if err := h.durable.RemoveUnclaimed(ctx, req.Visitor); err != nil {
			return nil, err
		}
		next, sErr := h.durable.SliceUnclaimed(ctx, offlinePageSize, 1)
		if sErr != nil {
			h.log.Warn().Err(sErr).Msg("Failed to top up offline unclaimed window")
		}
		h.publish(ctx, wire.OrgTopic(h.orgID), wire.RemoveVisitorOffline,
			map[string]any{"visitor_id": req.Visitor, "next": next}, "")
	}

	topic := wire.RoomTopic(req.Visitor)
	h.Join(c, topic)
	if err := h.sessions.AddRoom(ctx, c.sid, topic); err != nil {
		h.log.Warn().Err(err).Str("sid", c.sid).Msg("Failed to update session rooms")
	}

	h.publish(ctx, wire.OrgTopic(h.orgID), wire.StaffClaimChat,
		map[string]any{"visitor_id": req.Visitor, "staff": st}, "")
	h.publish(ctx, topic, wire.StaffJoinRoom, map[string]any{"staff": st}, c.sid)
	return snap, nil
}

// handleStaffMsg serves staff_msg: a staff reply into a room they hold.
func (h *Hub) handleStaffMsg(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	if err := h.requireStaff(c); err != nil {
		return nil, err
	}
	var req wire.StaffMsgData
	if err := json.Unmarshal(data, &req); err != nil || req.Visitor == uuid.Nil {
		return nil, wire.ValidationError("visitor")
	}
	content, err := h.sanitizeContent(req.Content)
	if err != nil {
		return nil, err
	}

	snap, err := h.rooms.Get(ctx, req.Visitor)
	if err != nil {
		return nil, err
	}
	if !snap.HasStaff(c.identity.ID) {
		return nil, wire.ErrPermissionDenied
	}

	staffID := c.identity.ID
	msg, err := h.rooms.AppendMessage(ctx, req.Visitor, chat.TypeUser, &staffID, content)
	if err != nil {
		return nil, err
	}
	if err := h.durable.RemoveUnhandled(ctx, req.Visitor); err != nil {
		return nil, err
	}

	h.publish(ctx, wire.RoomTopic(req.Visitor), wire.StaffSend,
		map[string]any{"message": msg, "staff_id": staffID}, c.sid)
	h.publish(ctx, wire.MonitorTopic(h.orgID), wire.NewStaffMsgForSup,
		map[string]any{"visitor_id": req.Visitor, "message": msg}, "")

	online, err := h.presence.VisitorOnline(ctx, req.Visitor)
	if err != nil {
		return nil, err
	}
	if !online {
		if v, vErr := h.visitors.GetByID(ctx, req.Visitor); vErr == nil && v.Email != nil {
			h.notifier.EmailVisitor(ctx, *v.Email, email.CategoryStaffMsgToVisitor, map[string]any{
				"name": v.Name,
			})
		}
	}
	return msg, nil
}

// handleStaffLeaveRoom serves staff_leave_room. When the last staff member
// leaves, the chat returns to the unclaimed line it belongs in.
func (h *Hub) handleStaffLeaveRoom(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	if err := h.requireStaff(c); err != nil {
		return nil, err
	}
	var req wire.StaffLeaveData
	if err := json.Unmarshal(data, &req); err != nil || req.Visitor == uuid.Nil {
		return nil, wire.ValidationError("visitor")
	}

	staffID := c.identity.ID
	snap, err := h.rooms.RemoveStaff(ctx, req.Visitor, staffID)
	if err != nil {
		return nil, err
	}
	if _, err := h.rooms.AppendMessage(ctx, req.Visitor, chat.TypeSystem, &staffID, systemLeaveRoom); err != nil {
		return nil, err
	}

	topic := wire.RoomTopic(req.Visitor)
	h.Leave(c, topic)
	if err := h.sessions.RemoveRoom(ctx, c.sid, topic); err != nil {
		h.log.Warn().Err(err).Str("sid", c.sid).Msg("Failed to update session rooms")
	}

	h.publish(ctx, topic, wire.StaffLeave, map[string]any{"staff_id": staffID}, c.sid)
	h.publish(ctx, wire.MonitorTopic(h.orgID), wire.StaffLeaveForSup,
		map[string]any{"visitor_id": req.Visitor, "staff_id": staffID}, "")

	if len(snap.Room.Staffs) == 0 {
		if err := h.requeueUnclaimed(ctx, snap); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// requeueUnclaimed puts an abandoned chat back in line: the live one when the
// visitor is connected, the durable one otherwise.
func (h *Hub) requeueUnclaimed(ctx context.Context, snap *room.Snapshot) error {
	online, err := h.presence.VisitorOnline(ctx, snap.Visitor.ID)
	if err != nil {
		return err
	}
	if !online {
		return h.durable.PushUnclaimed(ctx, snap.Visitor.ID)
	}

	bundle, err := h.bundleFor(snap.Visitor, snap)
	if err != nil {
		return err
	}
	if err := h.online.Push(ctx, h.orgID, bundle); err != nil {
		return err
	}
	h.publish(ctx, wire.OrgTopic(h.orgID), wire.AppendUnclaimedChats, bundle, "")
	return nil
}

// handleAddStaff serves add_staff_to_chat: a supervisor or admin placing a
// staff member into a room.
func (h *Hub) handleAddStaff(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	if err := h.requirePermission(ctx, c, permission.AddStaffToChat); err != nil {
		return nil, err
	}
	var req wire.ModifyStaffData
	if err := json.Unmarshal(data, &req); err != nil || req.Visitor == uuid.Nil || req.Staff == uuid.Nil {
		return nil, wire.ValidationError("staff")
	}

	target, err := h.staffs.GetByID(ctx, req.Staff)
	if err != nil {
		return nil, err
	}
	entry, err := h.presence.GetStaff(ctx, target.OrgID, target.ID)
	if err != nil {
		return nil, err
	}
	sid := ""
	if entry != nil {
		sid = entry.SID
	}

	snap, err := h.rooms.AddStaff(ctx, req.Visitor, *target, sid)
	if err != nil {
		return nil, err
	}

	if entry != nil {
		h.publish(ctx, wire.SIDTopic(entry.SID), wire.StaffBeingAdded,
			map[string]any{"visitor": req.Visitor, "room": snap.Room}, "")
	}
	h.publish(ctx, wire.RoomTopic(req.Visitor), wire.StaffsInChatChanged,
		map[string]any{"staffs": snap.Room.Staffs}, "")
	return snap, nil
}

// handleRemoveStaff serves remove_staff_from_chat.
func (h *Hub) handleRemoveStaff(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	if err := h.requirePermission(ctx, c, permission.RemoveStaffFromChat); err != nil {
		return nil, err
	}
	var req wire.ModifyStaffData
	if err := json.Unmarshal(data, &req); err != nil || req.Visitor == uuid.Nil || req.Staff == uuid.Nil {
		return nil, wire.ValidationError("staff")
	}

	target, err := h.staffs.GetByID(ctx, req.Staff)
	if err != nil {
		return nil, err
	}
	snap, err := h.rooms.RemoveStaff(ctx, req.Visitor, req.Staff)
	if err != nil {
		return nil, err
	}

	entry, err := h.presence.GetStaff(ctx, target.OrgID, target.ID)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		h.publish(ctx, wire.SIDTopic(entry.SID), wire.StaffBeingRemoved,
			map[string]any{"visitor": req.Visitor}, "")
	} else {
		h.notifier.EmailStaff(ctx, *target, email.CategoryRemovedFromChat, map[string]any{
			"name": target.DisplayName,
		})
	}
	h.publish(ctx, wire.RoomTopic(req.Visitor), wire.StaffsInChatChanged,
		map[string]any{"staffs": snap.Room.Staffs}, "")
	return snap, nil
}

// handleUpdateStaffs serves update_staffs_in_chat: replacing the whole roster.
func (h *Hub) handleUpdateStaffs(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	if err := h.requirePermission(ctx, c, permission.UpdateStaffsInChat); err != nil {
		return nil, err
	}
	var req wire.UpdateStaffsData
	if err := json.Unmarshal(data, &req); err != nil || req.Visitor == uuid.Nil {
		return nil, wire.ValidationError("staffs")
	}

	current, err := h.settings.Get(ctx)
	if err != nil {
		return nil, err
	}
	if len(req.Staffs) > current.MaxStaffsInChat {
		return nil, wire.ErrMaxCapacity
	}

	before, err := h.rooms.Get(ctx, req.Visitor)
	if err != nil {
		return nil, err
	}

	refs := make([]room.StaffRef, 0, len(req.Staffs))
	for _, id := range req.Staffs {
		target, gErr := h.staffs.GetByID(ctx, id)
		if gErr != nil {
			return nil, gErr
		}
		ref := room.StaffRef{Staff: *target}
		if entry, pErr := h.presence.GetStaff(ctx, target.OrgID, target.ID); pErr == nil && entry != nil {
			ref.SID = entry.SID
		}
		refs = append(refs, ref)
	}

	snap, err := h.rooms.ReplaceStaffs(ctx, req.Visitor, refs)
	if err != nil {
		return nil, err
	}

	for _, ref := range refs {
		if _, was := before.Room.Staffs[ref.Staff.ID.String()]; !was && ref.SID != "" {
			h.publish(ctx, wire.SIDTopic(ref.SID), wire.StaffBeingAdded,
				map[string]any{"visitor": req.Visitor, "room": snap.Room}, "")
		}
	}
	for id, ref := range before.Room.Staffs {
		if _, still := snap.Room.Staffs[id]; still {
			continue
		}
		if ref.SID != "" {
			h.publish(ctx, wire.SIDTopic(ref.SID), wire.StaffBeingRemoved,
				map[string]any{"visitor": req.Visitor}, "")
		} else {
			h.notifier.EmailStaff(ctx, ref.Staff, email.CategoryRemovedFromChat, map[string]any{
				"name": ref.Staff.DisplayName,
			})
		}
	}
	h.publish(ctx, wire.RoomTopic(req.Visitor), wire.StaffsInChatChanged,
		map[string]any{"staffs": snap.Room.Staffs}, "")
	return snap, nil
}

// handleTakeOver serves take_over_chat. With a one-to-one capacity the caller
// replaces the current holder outright; with a larger capacity they join
// alongside. Both branches announce to the monitor room.
func (h *Hub) handleTakeOver(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	if err := h.requirePermission(ctx, c, permission.TakeOverChat); err != nil {
		return nil, err
	}
	var req wire.TakeOverData
	if err := json.Unmarshal(data, &req); err != nil || req.Visitor == uuid.Nil {
		return nil, wire.ValidationError("visitor")
	}

	current, err := h.settings.Get(ctx)
	if err != nil {
		return nil, err
	}
	if current.AllowClaimingChat == 0 {
		return nil, wire.ErrPermissionDenied
	}

	st, err := h.staffs.GetByID(ctx, c.identity.ID)
	if err != nil {
		return nil, err
	}
	before, err := h.rooms.Get(ctx, req.Visitor)
	if err != nil {
		return nil, err
	}

	var snap *room.Snapshot
	if current.MaxStaffsInChat == 1 {
		for _, ref := range before.Room.Staffs {
			if !st.Outranks(ref.Staff.RoleID) {
				return nil, wire.ErrPermissionDenied
			}
		}
		snap, err = h.rooms.ReplaceStaffs(ctx, req.Visitor, []room.StaffRef{{Staff: *st, SID: c.sid}})
		if err != nil {
			return nil, err
		}
		for _, ref := range before.Room.Staffs {
			if ref.SID != "" {
				h.publish(ctx, wire.SIDTopic(ref.SID), wire.StaffBeingTakenOver,
					map[string]any{"visitor": req.Visitor}, "")
			} else {
				h.notifier.EmailStaff(ctx, ref.Staff, email.CategoryRemovedFromChat, map[string]any{
					"name": ref.Staff.DisplayName,
				})
			}
		}
	} else {
		if before.HasStaff(st.ID) {
			return nil, wire.ErrAlreadyClaimed
		}
		snap, err = h.rooms.AddStaff(ctx, req.Visitor, *st, c.sid)
		if err != nil {
			return nil, err
		}
	}

	if _, err := h.rooms.AppendMessage(ctx, req.Visitor, chat.TypeSystem, &st.ID, systemTakeOverRoom); err != nil {
		return nil, err
	}

	topic := wire.RoomTopic(req.Visitor)
	h.Join(c, topic)
	if err := h.sessions.AddRoom(ctx, c.sid, topic); err != nil {
		h.log.Warn().Err(err).Str("sid", c.sid).Msg("Failed to update session rooms")
	}

	h.publish(ctx, wire.MonitorTopic(h.orgID), wire.StaffTakeOverChat,
		map[string]any{"visitor_id": req.Visitor, "staff": st}, "")
	h.publish(ctx, topic, wire.StaffJoinRoom, map[string]any{"staff": st}, c.sid)
	return snap, nil
}

// handleChangePriority serves change_chat_priority. A severity above zero
// flags the chat for the supervising staff; zero clears the flag.
func (h *Hub) handleChangePriority(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	if err := h.requireStaff(c); err != nil {
		return nil, err
	}
	var req wire.ChangePriorityData
	if err := json.Unmarshal(data, &req); err != nil || req.Visitor == uuid.Nil || req.SeverityLevel < 0 {
		return nil, wire.ValidationError("severity_level")
	}

	snap, err := h.rooms.UpdateSeverity(ctx, req.Visitor, req.SeverityLevel)
	if err != nil {
		return nil, err
	}

	if req.SeverityLevel > 0 {
		if err := h.durable.PushFlagged(ctx, req.Visitor, req.FlagMessage); err != nil {
			return nil, err
		}
		h.notifier.NotifySupervisors(ctx, h.orgID, map[string]any{
			"event":          wire.PriorityChangedForSup,
			"visitor_id":     req.Visitor,
			"severity_level": req.SeverityLevel,
			"flag_message":   req.FlagMessage,
		})
		h.emailOfflineSupervisors(ctx, req.Visitor, req.FlagMessage)
	} else {
		if err := h.durable.RemoveFlagged(ctx, req.Visitor); err != nil {
			return nil, err
		}
	}

	h.publish(ctx, wire.MonitorTopic(h.orgID), wire.PriorityChangedForSup,
		map[string]any{"visitor_id": req.Visitor, "severity_level": req.SeverityLevel}, c.sid)
	return snap, nil
}

// emailOfflineSupervisors sends the flagged-chat mail to supervising staff
// without a live session. The dispatcher's suppression window keeps a flapping
// severity from flooding anyone.
func (h *Hub) emailOfflineSupervisors(ctx context.Context, visitorID uuid.UUID, flagMessage string) {
	supervising, err := h.staffs.ListSupervising(ctx, h.orgID)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to list supervising staff")
		return
	}
	for _, st := range supervising {
		entry, pErr := h.presence.GetStaff(ctx, st.OrgID, st.ID)
		if pErr != nil || entry != nil {
			continue
		}
		h.notifier.EmailStaff(ctx, st, email.CategoryFlaggedChat, map[string]any{
			"name":    st.DisplayName,
			"visitor": visitorID.String(),
			"reason":  flagMessage,
		})
	}
}

// handleHandledChat serves staff_handled_chat: an explicit "no reply needed".
func (h *Hub) handleHandledChat(ctx context.Context, c *Client, data json.RawMessage) (any, error) {
	if err := h.requireStaff(c); err != nil {
		return nil, err
	}
	var req wire.HandledChatData
	if err := json.Unmarshal(data, &req); err != nil || req.Visitor == uuid.Nil {
		return nil, wire.ValidationError("visitor")
	}

	if err := h.durable.RemoveUnhandled(ctx, req.Visitor); err != nil {
		return nil, err
	}
	h.publish(ctx, wire.MonitorTopic(h.orgID), wire.HandledChatForSup,
		map[string]any{"visitor_id": req.Visitor, "staff_id": c.identity.ID}, c.sid)
	return nil, nil
}

// handleTyping serves both typing events. The presence store deduplicates
// rapid keystrokes, so subscribers see one start per typing burst.
func (h *Hub) handleTyping(ctx context.Context, c *Client, data json.RawMessage, start bool) (any, error) {
	var req wire.TypingData
	if err := json.Unmarshal(data, &req); err != nil || req.Visitor == uuid.Nil {
		return nil, wire.ValidationError("visitor")
	}

	payload := map[string]any{"visitor_id": req.Visitor, "participant_id": c.identity.ID}
	if start {
		fresh, err := h.presence.SetTyping(ctx, req.Visitor, c.identity.ID)
		if err != nil {
			return nil, err
		}
		if fresh {
			h.publish(ctx, wire.RoomTopic(req.Visitor), wire.UserTypingReceive, payload, c.sid)
		}
		return nil, nil
	}

	cleared, err := h.presence.ClearTyping(ctx, req.Visitor, c.identity.ID)
	if err != nil {
		return nil, err
	}
	if cleared {
		h.publish(ctx, wire.RoomTopic(req.Visitor), wire.UserStopTypingRecv, payload, c.sid)
	}
	return nil, nil
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
