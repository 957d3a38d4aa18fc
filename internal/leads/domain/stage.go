// Package domain provides core business rules for the leads bounded context.
package domain

import "strings"

// Stage is the canonical lifecycle bucket of a lead. It is always derived
// from the raw fields and never stored on its own.
type Stage string

const (
	StageInbox         Stage = "INBOX"
	StageQualifying    Stage = "QUALIFYING"
	StageSalesReady    Stage = "SALES_READY"
	StageNotInterested Stage = "NOT_INTERESTED"
	StageClosed        Stage = "CLOSED"
)

// stageRank orders stages for forward-movement checks. SALES_READY and
// NOT_INTERESTED share rank 2 and are incomparable siblings.
var stageRank = map[Stage]int{
	StageInbox:         0,
	StageQualifying:    1,
	StageSalesReady:    2,
	StageNotInterested: 2,
	StageClosed:        3,
}

// AllStages lists every stage in rank order.
var AllStages = []Stage{StageInbox, StageQualifying, StageSalesReady, StageNotInterested, StageClosed}

// LeadFields is the snapshot of raw, independently mutable lead fields the
// stage is derived from.
type LeadFields struct {
	Status           string `json:"status"`
	AutomationStatus string `json:"automationStatus"`
	Intention        string `json:"intention"`
	IntentionStatus  string `json:"intentionStatus"`
}

// Transition is a detected stage change.
type Transition struct {
	From Stage
	To   Stage
}

// Forward reports whether the transition moved the lead strictly forward.
func (t Transition) Forward() bool {
	return MovedForward(t.From, t.To)
}

func (t Transition) String() string {
	return string(t.From) + "->" + string(t.To)
}

var (
	closedStatuses        = set("closed", "won", "archived", "converted")
	notInterestedStatuses = set("lost", "disqualified", "bad_lead")
	salesReadyStatuses    = set("qualified", "sales_ready")
	workingStatuses       = set("contacted", "in_progress")
	activeAutomation      = set("running", "completed", "waiting_reply")
	buyingIntentions      = set("interested", "purchase", "meeting")
	settledIntention      = set("detected", "confirmed")
	openIntentionStatuses = set("pending", "detected")
)

// StageOf derives the stage from the raw fields. It is total: unknown
// combinations resolve to INBOX.
func StageOf(f LeadFields) Stage {
	status := normalize(f.Status)
	automation := normalize(f.AutomationStatus)
	intention := normalize(f.Intention)
	intentionStatus := normalize(f.IntentionStatus)

	switch {
	case closedStatuses[status]:
		return StageClosed
	case notInterestedStatuses[status]:
		return StageNotInterested
	case intention == "not_interested" && settledIntention[intentionStatus]:
		return StageNotInterested
	case buyingIntentions[intention] && intentionStatus == "confirmed":
		return StageSalesReady
	case salesReadyStatuses[status]:
		return StageSalesReady
	case activeAutomation[automation],
		workingStatuses[status],
		intention != "" && openIntentionStatuses[intentionStatus]:
		return StageQualifying
	default:
		return StageInbox
	}
}

// DetectTransition recomputes the stage before and after a mutation and
// reports a transition only when the two differ.
func DetectTransition(previous, current LeadFields) (Transition, bool) {
	from := StageOf(previous)
	to := StageOf(current)
	if from == to {
		return Transition{}, false
	}
	return Transition{From: from, To: to}, true
}

// MovedForward reports whether next ranks strictly higher than prev.
func MovedForward(prev, next Stage) bool {
	return Rank(prev) < Rank(next)
}

// Rank returns the order of a stage. Unknown stages rank as INBOX.
func Rank(s Stage) int {
	return stageRank[s]
}

// ParseStage parses a stage name case-insensitively.
func ParseStage(value string) (Stage, bool) {
	candidate := Stage(strings.ToUpper(strings.TrimSpace(value)))
	if _, ok := stageRank[candidate]; !ok {
		return "", false
	}
	return candidate, true
}

// IsTerminal reports whether no further automation should run for the stage.
func IsTerminal(s Stage) bool {
	return s == StageClosed
}

func normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func set(values ...string) map[string]bool {
	out := make(map[string]bool, len(values))
	for _, v := range values {
		out[v] = true
	}
	return out
}
