package reduce

import (
	"fmt"
	"strings"

	"github.com/coworkany/deskcore/internal/event"
	"github.com/coworkany/deskcore/internal/session"
)

// SkillRecommendation stores the latest recommendation set, replacing any
// previous one, and surfaces it as a system message.
func SkillRecommendation(s *session.Session, ev event.TaskEvent) {
	if ev.Type != event.TypeSkillRecommendation {
		return
	}
	p, _ := ev.Decode().(event.SkillRecommendationPayload)
	s.Skills = &session.SkillRecommendation{
		Skills:     append([]string(nil), p.Skills...),
		AutoLoaded: p.AutoLoaded,
	}
	switch {
	case p.AutoLoaded != "":
		systemNote(s, ev, fmt.Sprintf("Skill %s loaded automatically", p.AutoLoaded))
	case len(p.Skills) > 0:
		systemNote(s, ev, fmt.Sprintf("Recommended skills: %s", strings.Join(p.Skills, ", ")))
	}
}
