package messagequeue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Strob0t/relay/internal/domain/handoff"
)

// Validate checks that data decodes into the payload for subject and that
// the payload names a handoff. Unknown subjects pass validation.
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	var check func() error
	switch {
	case strings.HasPrefix(subject, SubjectHandoffAssigned+"."):
		var p AssignedPayload
		check = func() error {
			if err := json.Unmarshal(data, &p); err != nil {
				return err
			}
			if p.AgentID == "" {
				return errors.New("agent_id is required")
			}
			return requireHandoff(p.HandoffID)
		}
	case strings.HasPrefix(subject, SubjectHandoffStatus+"."):
		var p StatusPayload
		check = func() error {
			if err := json.Unmarshal(data, &p); err != nil {
				return err
			}
			if !handoff.Status(p.Status).IsValid() {
				return fmt.Errorf("unknown status %q", p.Status)
			}
			return requireHandoff(p.HandoffID)
		}
	default:
		return nil
	}

	if err := check(); err != nil {
		return fmt.Errorf("schema validation failed for %s: %w", subject, err)
	}
	return nil
}

func requireHandoff(id string) error {
	if id == "" {
		return errors.New("handoff_id is required")
	}
	return nil
}
