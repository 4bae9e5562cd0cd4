package classify

import (
	"regexp"
	"slices"
	"strings"

	"warmline/internal/storage"
)

const (
	IntentInterested    = "INTERESTED"
	IntentNotInterested = "NOT_INTERESTED"
	IntentNeedsInfo     = "NEEDS_INFO"
	IntentFollowUpLater = "FOLLOW_UP_LATER"
	IntentOutOfScope    = "OUT_OF_SCOPE"

	ActionReply            = "REPLY"
	ActionDoNotContact     = "DO_NOT_CONTACT"
	ActionScheduleFollowUp = "SCHEDULE_FOLLOW_UP"
	ActionNone             = "NONE"

	DeptMortgage  = "MORTGAGE"
	DeptAuto      = "AUTO"
	DeptUnsecured = "UNSECURED"
	DeptGeneral   = "GENERAL"
)

var (
	intents = []string{IntentInterested, IntentNotInterested, IntentNeedsInfo, IntentFollowUpLater, IntentOutOfScope}
	actions = []string{ActionReply, ActionDoNotContact, ActionScheduleFollowUp, ActionNone}
)

// NeutralReply is sent in place of whatever the model suggested when the
// lead's side is an automated responder.
const NeutralReply = "Thanks, we'll leave it here."

// Department rules in precedence order; the first match wins.
var departments = []struct {
	name string
	re   *regexp.Regexp
}{
	{DeptMortgage, regexp.MustCompile(`(?i)\b(mortgage|home ?equity|heloc|propert(y|ies)|lien|real estate|refinanc\w*)\b`)},
	{DeptAuto, regexp.MustCompile(`(?i)\b(auto|car|vehicle|title loan)\b`)},
	{DeptUnsecured, regexp.MustCompile(`(?i)\b(unsecured|no collateral|without collateral|personal loan|signature loan)\b`)},
}

// DepartmentFor derives the department from the outreach text alone.
func DepartmentFor(outreach string) string {
	for _, d := range departments {
		if d.re.MatchString(outreach) {
			return d.name
		}
	}
	return DeptGeneral
}

var autoResponder = regexp.MustCompile(`(?i)(out of (the )?office|auto(matic|mated)?[- ]?(reply|response|responder)|this is an automated|i am (currently )?(away|unavailable)|away from (my|the) (phone|desk)|will (get back|respond) to you (as soon as|shortly)|do not reply to this)`)

// IsAutoResponse reports whether text looks like an automated reply.
func IsAutoResponse(text string) bool { return autoResponder.MatchString(text) }

// latestBurst returns the lead turns after the last turn of ours.
func latestBurst(turns []Turn) []Turn {
	i := len(turns)
	for i > 0 && turns[i-1].Role == RoleLead {
		i--
	}
	return turns[i:]
}

// Override applies the deterministic rules on top of a model verdict.
func Override(v storage.Classification, outreach string, turns []Turn) storage.Classification {
	v.Department = DepartmentFor(outreach)

	if !slices.Contains(intents, v.Intent) {
		v.Intent = IntentOutOfScope
	}
	if !slices.Contains(actions, v.Action) {
		v.Action = ActionNone
	}
	if v.Confidence < 0 {
		v.Confidence = 0
	} else if v.Confidence > 1 {
		v.Confidence = 1
	}
	if v.Action != ActionScheduleFollowUp {
		v.FollowUpAt = ""
	}
	v.SuggestedReply = strings.TrimSpace(v.SuggestedReply)

	for _, t := range latestBurst(turns) {
		if IsAutoResponse(t.Text) {
			v.Interested = false
			v.Intent = IntentOutOfScope
			v.Action = ActionDoNotContact
			v.SuggestedReply = NeutralReply
			v.FollowUpAt = ""
			v.Reason = "automated responder"
			break
		}
	}
	return v
}
