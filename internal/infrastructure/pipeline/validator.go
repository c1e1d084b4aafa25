package pipeline

import (
	"github.com/modelgate/modelgate/internal/domain/entity"
	gwerrors "github.com/modelgate/modelgate/pkg/errors"
)

// ValidateRequest checks the canonical request before it reaches routing.
// Every rejection here is a client fault; nothing is counted against any
// backend.
func ValidateRequest(req *entity.Request) error {
	if req.Model == "" {
		return gwerrors.New(gwerrors.KindClientFault, "model is required")
	}
	if len(req.Messages) == 0 {
		return gwerrors.New(gwerrors.KindClientFault, "messages must not be empty")
	}
	if req.MaxTokens < 0 {
		return gwerrors.New(gwerrors.KindClientFault, "max_tokens must be positive")
	}

	toolUseIDs := make(map[string]bool)
	for i := range req.Messages {
		m := &req.Messages[i]
		switch m.Role {
		case entity.RoleUser, entity.RoleAssistant:
		default:
			return gwerrors.Newf(gwerrors.KindClientFault, "message %d has invalid role %q", i, m.Role)
		}
		if m.Content.IsEmpty() {
			return gwerrors.Newf(gwerrors.KindClientFault, "message %d has empty content", i)
		}

		for _, b := range m.Content.AsBlocks() {
			switch b.Type {
			case entity.BlockToolUse:
				if b.Name == "" {
					return gwerrors.Newf(gwerrors.KindClientFault, "message %d has a tool_use block without a name", i)
				}
				toolUseIDs[b.ID] = true
			case entity.BlockToolResult:
				if b.ToolUseID == "" {
					return gwerrors.Newf(gwerrors.KindClientFault, "message %d has a tool_result block without tool_use_id", i)
				}
				// Results must answer a call from an earlier turn.
				if !toolUseIDs[b.ToolUseID] {
					return gwerrors.Newf(gwerrors.KindClientFault,
						"tool_result %q does not match any earlier tool_use", b.ToolUseID)
				}
			}
		}
	}

	if tc := req.ToolChoice; tc != nil {
		switch tc.Type {
		case entity.ToolChoiceAuto, entity.ToolChoiceNone, entity.ToolChoiceAny:
		case entity.ToolChoiceTool:
			found := false
			for _, t := range req.Tools {
				if t.Name == tc.Name {
					found = true
					break
				}
			}
			if !found {
				return gwerrors.Newf(gwerrors.KindClientFault, "tool_choice names unknown tool %q", tc.Name)
			}
		default:
			return gwerrors.Newf(gwerrors.KindClientFault, "invalid tool_choice type %q", tc.Type)
		}
	}

	return nil
}
