package canon

// Metadata is the structured sidecar attached to every canonical request. Extra
// carries arbitrary caller-supplied primitives that don't map to a named field.
type Metadata struct {
	Application     string         `json:"application,omitempty"`
	Environment     string         `json:"environment,omitempty"`
	OrganizationID  string         `json:"organization_id,omitempty"`
	ProjectID       string         `json:"project_id,omitempty"`
	UserID          string         `json:"user_id,omitempty"`
	WorkflowID      string         `json:"workflow_id,omitempty"`
	WorkflowName    string         `json:"workflow_name,omitempty"`
	RunID           string         `json:"run_id,omitempty"`
	Step            string         `json:"step,omitempty"`
	StepIndex       *int           `json:"step_index,omitempty"`
	PromptID        string         `json:"prompt_id,omitempty"`
	PromptVersion   string         `json:"prompt_version,omitempty"`
	Extra           map[string]any `json:"extra,omitempty"`
}

// Merge shallow-merges src into a copy of m: fields present (non-zero) in src
// win, Extra is merged key-by-key. Matches the §3 "info is shallow-merged"
// invariant applied to metadata carried alongside requests.
func (m Metadata) Merge(src Metadata) Metadata {
	out := m
	if src.Application != "" {
		out.Application = src.Application
	}
	if src.Environment != "" {
		out.Environment = src.Environment
	}
	if src.OrganizationID != "" {
		out.OrganizationID = src.OrganizationID
	}
	if src.ProjectID != "" {
		out.ProjectID = src.ProjectID
	}
	if src.UserID != "" {
		out.UserID = src.UserID
	}
	if src.WorkflowID != "" {
		out.WorkflowID = src.WorkflowID
	}
	if src.WorkflowName != "" {
		out.WorkflowName = src.WorkflowName
	}
	if src.RunID != "" {
		out.RunID = src.RunID
	}
	if src.Step != "" {
		out.Step = src.Step
	}
	if src.StepIndex != nil {
		out.StepIndex = src.StepIndex
	}
	if src.PromptID != "" {
		out.PromptID = src.PromptID
	}
	if src.PromptVersion != "" {
		out.PromptVersion = src.PromptVersion
	}
	if len(src.Extra) > 0 {
		merged := make(map[string]any, len(out.Extra)+len(src.Extra))
		for k, v := range out.Extra {
			merged[k] = v
		}
		for k, v := range src.Extra {
			merged[k] = v
		}
		out.Extra = merged
	}
	return out
}
