package commands

import (
	"strings"

	"treechat/pkg/utils"
)

// SubmitCommand carries one user message into a context.
type SubmitCommand struct {
	ContextKey string `json:"context_id" validate:"required"`
	Text       string `json:"text" validate:"notblank,max=8000"`
}

// Validate checks the command fields.
func (c SubmitCommand) Validate() error {
	return utils.ValidateStruct(c)
}

// Normalized returns the command with surrounding whitespace removed.
func (c SubmitCommand) Normalized() SubmitCommand {
	return SubmitCommand{ContextKey: strings.TrimSpace(c.ContextKey), Text: strings.TrimSpace(c.Text)}
}

// CreateSessionCommand starts a new conversation tree.
type CreateSessionCommand struct {
	Name string `json:"name" validate:"max=200"`
}

func (c CreateSessionCommand) Validate() error {
	return utils.ValidateStruct(c)
}

// OpenDeepDiveCommand opens a deep-dive view rooted at an existing node.
type OpenDeepDiveCommand struct {
	SessionID    string `json:"session_id" validate:"required,excludesall=:"`
	OriginNodeID string `json:"origin_node_id" validate:"required,excludesall=:"`
}

func (c OpenDeepDiveCommand) Validate() error {
	return utils.ValidateStruct(c)
}

// SetActiveCommand moves a context's pointer for UI navigation.
type SetActiveCommand struct {
	ContextKey string `json:"context_id" validate:"required"`
	NodeID     string `json:"node_id" validate:"required,excludesall=:"`
	Reason     string `json:"reason" validate:"max=200"`
}

func (c SetActiveCommand) Validate() error {
	return utils.ValidateStruct(c)
}
