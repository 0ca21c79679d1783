// Package optin implements the SMS consent state machine.
//
// State is derived from the member status; the inbound body is classified into
// STOP, OPT_IN or CONTENT and a pure transition function decides what the turn does.
package optin

import (
	"strings"

	"github.com/fixmyrv/fixmyrv-sms/internal/models"
)

// State is the derived consent state of a member.
type State string

const (
	StateAwaitingOptIn State = "AWAITING_OPT_IN"
	StateActive        State = "ACTIVE"
	StateOptedOut      State = "OPTED_OUT"
)

// Classification is the meaning of an inbound body.
type Classification string

const (
	ClassStop    Classification = "STOP"
	ClassOptIn   Classification = "OPT_IN"
	ClassContent Classification = "CONTENT"
)

// Action is what the turn should do after classification.
type Action string

const (
	ActionReplyStop        Action = "reply_stop"
	ActionReplyWelcome     Action = "reply_welcome"
	ActionReplyOptInPrompt Action = "reply_opt_in_prompt"
	ActionGenerate         Action = "generate"
	ActionDrop             Action = "drop"
)

var stopTokens = map[string]struct{}{
	"STOP": {}, "STOPALL": {}, "UNSUBSCRIBE": {}, "CANCEL": {}, "END": {},
	"QUIT": {}, "OPTOUT": {}, "OPT OUT": {}, "REVOKE": {},
}

var optInTokens = map[string]struct{}{
	"YES": {}, "Y": {}, "START": {}, "UNSTOP": {}, "SUBSCRIBE": {}, "OPTIN": {}, "OPT IN": {},
}

// normalize upper-cases the body, collapses whitespace and drops trailing "." and "!".
func normalize(body string) string {
	s := strings.ToUpper(strings.Join(strings.Fields(body), " "))
	return strings.TrimRight(s, ".!")
}

// IsStopToken reports whether body is exactly one of the stop keywords.
func IsStopToken(body string) bool {
	_, ok := stopTokens[normalize(body)]
	return ok
}

// IsOptInToken reports whether body is exactly one of the opt-in keywords.
func IsOptInToken(body string) bool {
	_, ok := optInTokens[normalize(body)]
	return ok
}

// StateFor derives the consent state from a member status.
func StateFor(status models.MemberStatus) State {
	switch status {
	case models.MemberStatusActive:
		return StateActive
	case models.MemberStatusSuspended:
		return StateOptedOut
	default:
		return StateAwaitingOptIn
	}
}

// Classify maps an inbound body to STOP, OPT_IN or CONTENT. STOP is checked first
// regardless of status. An opt-in keyword from an already active member is content.
func Classify(status models.MemberStatus, body string) Classification {
	if IsStopToken(body) {
		return ClassStop
	}
	if IsOptInToken(body) && StateFor(status) != StateActive {
		return ClassOptIn
	}
	return ClassContent
}

// Decision is the outcome of a transition.
type Decision struct {
	Action Action
	// NextStatus is set when the member status must change this turn.
	NextStatus *models.MemberStatus
	// ImplicitOptIn is true when content from an awaiting member was taken as consent.
	ImplicitOptIn bool
}

func statusPtr(s models.MemberStatus) *models.MemberStatus { return &s }

// Decide is the transition function. implicitOptIn controls whether a first
// substantive reply from an awaiting member counts as consent.
func Decide(state State, class Classification, implicitOptIn bool) Decision {
	if class == ClassStop {
		return Decision{Action: ActionReplyStop, NextStatus: statusPtr(models.MemberStatusSuspended)}
	}
	switch state {
	case StateOptedOut:
		return Decision{Action: ActionDrop}
	case StateAwaitingOptIn:
		if class == ClassOptIn {
			return Decision{Action: ActionReplyWelcome, NextStatus: statusPtr(models.MemberStatusActive)}
		}
		if implicitOptIn {
			return Decision{Action: ActionGenerate, NextStatus: statusPtr(models.MemberStatusActive), ImplicitOptIn: true}
		}
		return Decision{Action: ActionReplyOptInPrompt}
	default:
		return Decision{Action: ActionGenerate}
	}
}
