package reduce

import (
	"fmt"

	"github.com/coworkany/deskcore/internal/event"
	"github.com/coworkany/deskcore/internal/session"
)

// PatchApplication mirrors effect authorization with patchId as the
// correlation key. Status only moves forward: proposed -> applied|rejected.
func PatchApplication(s *session.Session, ev event.TaskEvent) {
	switch ev.Type {
	case event.TypePatchProposed:
		p, _ := ev.Decode().(event.PatchProposedPayload)
		path := p.FilePath
		if path == "" {
			path = "unknown"
		}
		s.Patches = append(s.Patches, session.Patch{
			PatchID:  p.PatchID,
			FilePath: path,
			Status:   session.PatchProposed,
		})
		systemNote(s, ev, fmt.Sprintf("Patch proposed for %s", path))

	case event.TypePatchApplied:
		decidePatch(s, ev, session.PatchApplied)

	case event.TypePatchRejected:
		decidePatch(s, ev, session.PatchRejected)
	}
}

func decidePatch(s *session.Session, ev event.TaskEvent, status session.PatchStatus) {
	p, _ := ev.Decode().(event.PatchDecisionPayload)
	patch := s.Patch(p.PatchID)
	if patch == nil || patch.Status != session.PatchProposed {
		return
	}
	patch.Status = status
}
