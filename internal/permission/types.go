// Package permission answers "may this role perform this action" from the
// role_permissions table, with a shared cache and cross-worker invalidation.
package permission

// Action names stored in role_permissions. A row (name, role_id) grants the
// action to that role.
const (
	ModifyGlobalSettings = "modify_global_settings"
	ManageStaff          = "manage_staff"
	AddStaffToChat       = "add_staff_to_chat"
	RemoveStaffFromChat  = "remove_staff_from_chat"
	UpdateStaffsInChat   = "update_staffs_in_chat"
	TakeOverChat         = "take_over_chat"
	ViewFlaggedChats     = "view_flagged_chats"
)
