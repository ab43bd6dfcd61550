package orchestrator

import (
	"context"
	"log/slog"
	"strings"

	"github.com/leadpulse/leadpulse/internal/ai"
	"github.com/leadpulse/leadpulse/internal/store"
)

// Intent is the classified purpose of a burst.
type Intent string

const (
	IntentInterested Intent = "interested"
	IntentDemo       Intent = "demo_request"
	IntentConverted  Intent = "converted"
	IntentHandover   Intent = "handover_request"
	IntentReactivate Intent = "reactivate"
	IntentObjection  Intent = "objection"
	IntentOther      Intent = "other"
)

var knownIntents = map[Intent]bool{
	IntentInterested: true,
	IntentDemo:       true,
	IntentConverted:  true,
	IntentHandover:   true,
	IntentReactivate: true,
	IntentObjection:  true,
	IntentOther:      true,
}

const classifyPrompt = `You classify one inbound sales message. Reply with exactly one label and nothing else:
interested - the contact shows buying interest or asks about the product
demo_request - the contact asks to see a demo, trial, or meeting
converted - the contact confirms a purchase or signed agreement
handover_request - the contact asks for a human, complains about the bot, or wants to unsubscribe
objection - the contact raises a price, timing, or trust concern
other - anything else`

// classify asks the AI collaborator for the burst's intent. Failure is not
// fatal: the pipeline falls back to "other" and still answers.
func (o *Orchestrator) classify(ctx context.Context, lead *store.Lead, text string) Intent {
	raw, err := o.chat.GetChatResponse(ctx, lead.TenantID, classifyPrompt,
		[]ai.Message{{Role: ai.RoleUser, Content: text}})
	if err != nil {
		slog.Warn("orchestrator: intent classification failed, defaulting",
			"tenant", lead.TenantID, "lead", lead.ID, "error", err)
		return IntentOther
	}

	label := Intent(strings.ToLower(strings.TrimSpace(raw)))
	if !knownIntents[label] {
		slog.Debug("orchestrator: unrecognized intent label", "label", raw)
		return IntentOther
	}
	return label
}

// stateRank orders the pipeline stages for forward-only transitions.
var stateRank = map[store.LeadState]int{
	store.StateCold:       0,
	store.StateInterested: 1,
	store.StateDemo:       2,
	store.StateNurturing:  3,
	store.StateConverted:  4,
}

// intentTarget maps an intent to the stage it can pull a lead up to.
var intentTarget = map[Intent]store.LeadState{
	IntentInterested: store.StateInterested,
	IntentDemo:       store.StateDemo,
	IntentObjection:  store.StateNurturing,
	IntentConverted:  store.StateConverted,
}

// Advance returns the next state for (state, intent) and whether it changes.
// Transitions are monotonic forward; the reactivation intent is the single
// backward edge, resetting a parked lead to interested.
func Advance(state store.LeadState, intent Intent) (store.LeadState, bool) {
	if intent == IntentReactivate {
		if state == store.StateNurturing || state == store.StateConverted {
			return store.StateInterested, true
		}
		return state, false
	}

	target, ok := intentTarget[intent]
	if !ok {
		return state, false
	}
	if stateRank[target] > stateRank[state] {
		return target, true
	}
	return state, false
}
