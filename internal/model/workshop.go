package model

import "time"

// Workshop status constants.
const (
	WorkshopPending    = "pending"
	WorkshopDeploying  = "deploying"
	WorkshopDeployed   = "deployed"
	WorkshopFailed     = "failed"
	WorkshopDestroying = "destroying"
	WorkshopDestroyed  = "destroyed"
)

// Workshop is the aggregate unit visible to the user. It references either a
// single template or a template group that expands to several templates.
type Workshop struct {
	ID              string                    `json:"id"`
	Name            string                    `json:"name"`
	TemplateID      string                    `json:"template_id,omitempty"`
	TemplateGroupID string                    `json:"template_group_id,omitempty"`
	Status          string                    `json:"status"`
	Variables       map[string]any            `json:"variables,omitempty"`
	GroupVariables  map[string]map[string]any `json:"group_variables,omitempty"`
	Outputs         map[string]any            `json:"outputs,omitempty"`
	ExpiresAt       *time.Time                `json:"expires_at,omitempty"`
	CreatedAt       time.Time                 `json:"created_at"`
	UpdatedAt       time.Time                 `json:"updated_at"`
}

// VariablesFor returns the variable overrides for one template of the
// workshop: the flat map for single-template workshops, the per-template
// entry for group workshops.
func (w *Workshop) VariablesFor(templateID string) map[string]any {
	if w.TemplateGroupID == "" {
		return w.Variables
	}
	if w.GroupVariables == nil {
		return nil
	}
	return w.GroupVariables[templateID]
}

// Template is a deployable resource definition backed by a packaged bundle
// of IaC source files.
type Template struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Provider   string    `json:"provider"`
	BundlePath string    `json:"bundle_path"`
	CreatedAt  time.Time `json:"created_at"`
}

// TemplateGroup is an ordered set of templates deployed together.
type TemplateGroup struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	TemplateIDs []string  `json:"template_ids"`
	CreatedAt   time.Time `json:"created_at"`
}
