package reduce

import (
	"fmt"

	"github.com/coworkany/deskcore/internal/event"
	"github.com/coworkany/deskcore/internal/session"
)

// EffectAuthorization owns the effect list. Requests append a pending entry;
// decisions correlate by request id and only ever move approved from unset
// to a final value. Decisions without a matching pending entry stay in the
// event log but change nothing.
func EffectAuthorization(s *session.Session, ev event.TaskEvent) {
	switch ev.Type {
	case event.TypeEffectRequested:
		p, _ := ev.Decode().(event.EffectRequestedPayload)
		effectType := p.EffectType
		if effectType == "" {
			effectType = "unknown"
		}
		risk := p.RiskLevel
		if risk < 0 {
			risk = 0
		}
		if risk > 10 {
			risk = 10
		}
		s.Effects = append(s.Effects, session.Effect{
			RequestID:  p.RequestID,
			EffectType: effectType,
			RiskLevel:  risk,
		})
		systemNote(s, ev, fmt.Sprintf("Authorization requested for %s (risk %d/10)", effectType, risk))

	case event.TypeEffectApproved:
		decideEffect(s, ev, true)

	case event.TypeEffectDenied:
		decideEffect(s, ev, false)
	}
}

func decideEffect(s *session.Session, ev event.TaskEvent, approved bool) {
	p, _ := ev.Decode().(event.EffectDecisionPayload)
	eff := s.Effect(p.RequestID)
	if eff == nil || eff.Approved != nil {
		return
	}
	v := approved
	eff.Approved = &v
}
