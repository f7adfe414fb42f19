package email

import (
	"bytes"
	"fmt"
	"text/template"
)

// Notification categories. The category names also key the per-recipient
// suppression windows, so renaming one resets its suppression state.
const (
	CategoryWelcome            = "welcome"
	CategoryNewAssignedChat    = "new_assigned_chat"
	CategoryRemovedFromChat    = "removed_from_chat"
	CategoryFlaggedChat        = "flagged_chat"
	CategoryStaffMsgToVisitor  = "new_staff_msg_to_visitor"
	CategoryVisitorMsgToStaffs = "new_visitor_msg_to_staffs"
	CategoryRoleChanged        = "role_changed"
	CategoryAccountEnabled     = "account_enabled"
	CategoryAccountDisabled    = "account_disabled"
)

type messageTemplate struct {
	subject string
	body    *template.Template
}

var templates = map[string]messageTemplate{
	CategoryWelcome: {
		subject: "Welcome to the team",
		body: mustParse(CategoryWelcome, `Hi {{or .name "there"}},

An account has been created for you{{with .org}} at {{.}}{{end}}.
Sign in with this address to start taking chats.

Your temporary password: {{.password}}

Please change it after your first sign-in.`),
	},
	CategoryNewAssignedChat: {
		subject: "A chat has been assigned to you",
		body: mustParse(CategoryNewAssignedChat, `Hi {{or .name "there"}},

{{or .visitor "A visitor"}} is waiting for help and the chat has been assigned
to you. Sign in to pick up the conversation.`),
	},
	CategoryRemovedFromChat: {
		subject: "You were removed from a chat",
		body: mustParse(CategoryRemovedFromChat, `Hi {{or .name "there"}},

You are no longer assigned to the chat with {{or .visitor "a visitor"}}.
No further action is needed.`),
	},
	CategoryFlaggedChat: {
		subject: "A chat has been flagged",
		body: mustParse(CategoryFlaggedChat, `Hi {{or .name "there"}},

The chat with {{or .visitor "a visitor"}} has been flagged for attention.
{{with .reason}}Reason: {{.}}
{{end}}Please review it as soon as you can.`),
	},
	CategoryStaffMsgToVisitor: {
		subject: "You have a new reply",
		body: mustParse(CategoryStaffMsgToVisitor, `Hi {{or .name "there"}},

{{or .staff "A team member"}} replied to your chat while you were away.
Come back any time to continue the conversation.`),
	},
	CategoryVisitorMsgToStaffs: {
		subject: "A visitor sent a new message",
		body: mustParse(CategoryVisitorMsgToStaffs, `Hi {{or .name "there"}},

{{or .visitor "A visitor"}} sent a new message in a chat you are assigned to.
Sign in to reply.`),
	},
	CategoryRoleChanged: {
		subject: "Your role has changed",
		body: mustParse(CategoryRoleChanged, `Hi {{or .name "there"}},

Your role has been changed to {{or .role "a new role"}}. The change takes
effect the next time you sign in.`),
	},
	CategoryAccountEnabled: {
		subject: "Your account has been enabled",
		body: mustParse(CategoryAccountEnabled, `Hi {{or .name "there"}},

Your account is active again. You can sign in and take chats as usual.`),
	},
	CategoryAccountDisabled: {
		subject: "Your account has been disabled",
		body: mustParse(CategoryAccountDisabled, `Hi {{or .name "there"}},

Your account has been disabled and you can no longer sign in. If you believe
this is a mistake, contact your administrator.`),
	},
}

// Render produces the subject and plain-text body for a notification
// category.
func Render(category string, data map[string]any) (subject, body string, err error) {
	tmpl, ok := templates[category]
	if !ok {
		return "", "", fmt.Errorf("unknown email category %q", category)
	}

	var buf bytes.Buffer
	if err := tmpl.body.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render %s body: %w", category, err)
	}
	return tmpl.subject, buf.String(), nil
}

func mustParse(name, text string) *template.Template {
	return template.Must(template.New(name).Parse(text))
}
