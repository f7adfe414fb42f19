package wire

import (
	"strings"

	"github.com/google/uuid"
)

// Fan-out topics. A session subscribes to topics; publishes address topics.
// Room topics carry the conversation of one visitor, org topics address every
// staff member of an organisation, monitor topics address its supervisors and
// admins, and sid topics address exactly one session.
func RoomTopic(visitorID uuid.UUID) string { return "room:" + visitorID.String() }

func OrgTopic(orgID uuid.UUID) string { return "org:" + orgID.String() }

func MonitorTopic(orgID uuid.UUID) string { return "monitor:" + orgID.String() }

func SIDTopic(sid string) string { return "sid:" + sid }

// SIDFromTopic extracts the session id from a sid topic. The second return is
// false for every other topic family.
func SIDFromTopic(topic string) (string, bool) {
	return strings.CutPrefix(topic, "sid:")
}
