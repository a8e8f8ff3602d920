package robot

import "time"

// EventKind names a state transition worth keeping in the event log.
type EventKind string

const (
	EventStartup          EventKind = "startup"
	EventModeChange       EventKind = "mode_change"
	EventEmergencyStop    EventKind = "emergency_stop"
	EventRearm            EventKind = "rearm"
	EventFault            EventKind = "fault"
	EventLinkLost         EventKind = "link_lost"
	EventLinkRestored     EventKind = "link_restored"
	EventObstacle         EventKind = "obstacle_stop"
	EventWatchdog         EventKind = "watchdog_stop"
	EventManeuverStart    EventKind = "maneuver_start"
	EventManeuverComplete EventKind = "maneuver_complete"
	EventManeuverAbort    EventKind = "maneuver_abort"
	EventBatteryLow       EventKind = "battery_low"
	EventFirmware         EventKind = "firmware"
	EventConfigReload     EventKind = "config_reload"
	EventPoseReset        EventKind = "pose_reset"
)

// Event is one entry of the event log.
type Event struct {
	ID     int64     `json:"id,omitempty"`
	Time   time.Time `json:"time"`
	Kind   EventKind `json:"kind"`
	Detail string    `json:"detail,omitempty"`
}

// CommandSource identifies who asked for a command.
type CommandSource string

const (
	SourceOperator CommandSource = "operator"
	SourceSafety   CommandSource = "safety"
	SourceManeuver CommandSource = "maneuver"
)

// CommandRecord is one entry of the command log. Command holds the line sent
// to the board, or the rejected request when nothing was sent.
type CommandRecord struct {
	ID       string        `json:"id"`
	Time     time.Time     `json:"time"`
	Command  string        `json:"command"`
	Source   CommandSource `json:"source"`
	Accepted bool          `json:"accepted"`
	Error    string        `json:"error,omitempty"`
}
