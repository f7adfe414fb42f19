package wire

// Event names a frame on the realtime protocol.
type Event string

// EventAck answers a client frame that carried an id.
const EventAck Event = "ack"

// Client-to-server events.
const (
	VisitorFirstMsg    Event = "visitor_first_msg"
	VisitorMsgUnclaimd Event = "visitor_msg_unclaimed"
	VisitorMsg         Event = "visitor_msg"
	VisitorLeaveRoom   Event = "visitor_leave_room"
	StaffJoin          Event = "staff_join"
	StaffMsg           Event = "staff_msg"
	StaffLeaveRoom     Event = "staff_leave_room"
	AddStaffToChat     Event = "add_staff_to_chat"
	RemoveStaffFromCht Event = "remove_staff_from_chat"
	UpdateStaffsInChat Event = "update_staffs_in_chat"
	TakeOverChat       Event = "take_over_chat"
	ChangeChatPriority Event = "change_chat_priority"
	StaffHandledChat   Event = "staff_handled_chat"
	UserTypingSend     Event = "user_typing_send"
	UserStopTypingSend Event = "user_stop_typing_send"
	DisconnectRequest  Event = "disconnect_request"
)

// Server-to-client events.
const (
	VisitorInit           Event = "visitor_init"
	StaffInit             Event = "staff_init"
	StaffGoesOnline       Event = "staff_goes_online"
	StaffGoesOffline      Event = "staff_goes_offline"
	VisitorGoesOnline     Event = "visitor_goes_online"
	VisitorGoesOffline    Event = "visitor_goes_offline"
	AppendUnclaimedChats  Event = "append_unclaimed_chats"
	VisitorUnclaimedMsg   Event = "visitor_unclaimed_msg"
	RemoveVisitorOffline  Event = "remove_visitor_offline_chat"
	UnclaimedChatOffline  Event = "unclaimed_chat_to_offline"
	StaffClaimChat        Event = "staff_claim_chat"
	StaffJoinRoom         Event = "staff_join_room"
	StaffLeave            Event = "staff_leave"
	VisitorSend           Event = "visitor_send"
	StaffSend             Event = "staff_send"
	VisitorLeaveQueue     Event = "visitor_leave_queue"
	NoStaffLeft           Event = "no_staff_left"
	StaffBeingAdded       Event = "staff_being_added_to_chat"
	StaffBeingRemoved     Event = "staff_being_removed_from_chat"
	StaffBeingTakenOver   Event = "staff_being_taken_over_chat"
	StaffTakeOverChat     Event = "staff_take_over_chat"
	AgentNewChat          Event = "agent_new_chat"
	StaffAutoAssigned     Event = "staff_auto_assigned_chat"
	NewVisitorMsgForSup   Event = "new_visitor_msg_for_supervisor"
	NewStaffMsgForSup     Event = "new_staff_msg_for_supervisor"
	PriorityChangedForSup Event = "chat_has_changed_priority_for_supervisor"
	HandledChatForSup     Event = "staff_handled_chat_for_supervisor"
	StaffLeaveForSup      Event = "staff_leave_chat_for_supervisor"
	VisitorLeaveForSup    Event = "visitor_leave_chat_for_supervisor"
	StaffsInChatChanged   Event = "staffs_in_chat_changed"
	UserTypingReceive     Event = "user_typing_receive"
	UserStopTypingRecv    Event = "user_stop_typing_receive"
	VisitorRoomExists     Event = "visitor_room_exists"
)
