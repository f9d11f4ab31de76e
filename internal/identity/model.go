package identity

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Preferences are user-controlled settings rendered into the system prompt
// after every operator-controlled segment.
type Preferences struct {
	PreferredName string   `json:"preferred_name,omitempty"`
	Language      string   `json:"language,omitempty"`
	ResponseStyle string   `json:"response_style,omitempty"`
	Interests     []string `json:"interests,omitempty"`
	Notes         string   `json:"notes,omitempty"`
}

// PromptText renders the preferences as prompt lines, or "" if none are set.
func (p Preferences) PromptText() string {
	var lines []string
	if p.PreferredName != "" {
		lines = append(lines, "Address the user as "+p.PreferredName+".")
	}
	if p.Language != "" {
		lines = append(lines, "Reply in "+p.Language+".")
	}
	if p.ResponseStyle != "" {
		lines = append(lines, "Preferred response style: "+p.ResponseStyle+".")
	}
	if len(p.Interests) > 0 {
		lines = append(lines, "User interests: "+strings.Join(p.Interests, ", ")+".")
	}
	if p.Notes != "" {
		lines = append(lines, p.Notes)
	}
	return strings.Join(lines, "\n")
}

type User struct {
	ID          uuid.UUID   `json:"id"`
	DisplayName string      `json:"display_name"`
	Preferences Preferences `json:"preferences"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// MasterConfig is the operator configuration that frames every prompt.
type MasterConfig struct {
	BasePrompt        string   `yaml:"base_prompt" json:"base_prompt"`
	ImmutableRules    []string `yaml:"immutable_rules" json:"immutable_rules"`
	ScopeRestrictions []string `yaml:"scope_restrictions" json:"scope_restrictions"`
}

// PreferencesPatch is a partial update. Nil fields are left unchanged; a
// non-nil empty slice clears Interests.
type PreferencesPatch struct {
	DisplayName   *string   `json:"display_name,omitempty" validate:"omitempty,max=100"`
	PreferredName *string   `json:"preferred_name,omitempty" validate:"omitempty,max=100"`
	Language      *string   `json:"language,omitempty" validate:"omitempty,max=50"`
	ResponseStyle *string   `json:"response_style,omitempty" validate:"omitempty,max=200"`
	Interests     *[]string `json:"interests,omitempty" validate:"omitempty,max=50,dive,min=1,max=100"`
	Notes         *string   `json:"notes,omitempty" validate:"omitempty,max=2000"`
}

// Apply returns u with the patch applied.
func (p PreferencesPatch) Apply(u User) User {
	if p.DisplayName != nil {
		u.DisplayName = *p.DisplayName
	}
	if p.PreferredName != nil {
		u.Preferences.PreferredName = *p.PreferredName
	}
	if p.Language != nil {
		u.Preferences.Language = *p.Language
	}
	if p.ResponseStyle != nil {
		u.Preferences.ResponseStyle = *p.ResponseStyle
	}
	if p.Interests != nil {
		u.Preferences.Interests = append([]string(nil), (*p.Interests)...)
	}
	if p.Notes != nil {
		u.Preferences.Notes = *p.Notes
	}
	return u
}

// MasterConfigPatch is a partial update of MasterConfig. Slices replace
// wholesale; there is no element-wise merge.
type MasterConfigPatch struct {
	BasePrompt        *string   `json:"base_prompt,omitempty" validate:"omitempty,min=1"`
	ImmutableRules    *[]string `json:"immutable_rules,omitempty" validate:"omitempty,dive,min=1"`
	ScopeRestrictions *[]string `json:"scope_restrictions,omitempty" validate:"omitempty,dive,min=1"`
}

func (p MasterConfigPatch) Apply(c MasterConfig) MasterConfig {
	if p.BasePrompt != nil {
		c.BasePrompt = *p.BasePrompt
	}
	if p.ImmutableRules != nil {
		c.ImmutableRules = append([]string(nil), (*p.ImmutableRules)...)
	}
	if p.ScopeRestrictions != nil {
		c.ScopeRestrictions = append([]string(nil), (*p.ScopeRestrictions)...)
	}
	return c
}
