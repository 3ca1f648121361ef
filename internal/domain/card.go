package domain

import "time"

// Column is one lane of a channel's board.
type Column struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Channel is a board: an ordered list of columns.
type Channel struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// HasColumn reports whether columnID belongs to the channel.
func (c Channel) HasColumn(columnID string) bool {
	for _, col := range c.Columns {
		if col.ID == columnID {
			return true
		}
	}
	return false
}

// Card is a board card. The automation engine reads CreatedByInstructionID
// and ProcessedByInstructions but does not own them.
type Card struct {
	ID         string            `json:"id"`
	ChannelID  string            `json:"channel_id"`
	ColumnID   string            `json:"column_id"`
	Title      string            `json:"title"`
	Content    string            `json:"content,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`

	CreatedByInstructionID  string               `json:"created_by_instruction_id,omitempty"`
	ProcessedByInstructions map[string]time.Time `json:"processed_by_instructions,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsProcessedBy reports whether instructionID processed the card after its
// most recent content change.
func (c Card) IsProcessedBy(instructionID string) bool {
	at, ok := c.ProcessedByInstructions[instructionID]
	if !ok {
		return false
	}
	return !at.Before(c.UpdatedAt)
}

// HasTag reports whether the card carries tag.
func (c Card) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// NewCard is the input to AutomationContext.CreateCard.
type NewCard struct {
	ChannelID              string
	ColumnID               string
	Title                  string
	Content                string
	CreatedByInstructionID string
}

// CardPatch holds optional card changes. Nil fields are left untouched.
type CardPatch struct {
	Title      *string           `json:"title,omitempty"`
	Content    *string           `json:"content,omitempty"`
	Tags       []string          `json:"tags,omitempty"`       // added, never removed
	Properties map[string]string `json:"properties,omitempty"` // set via SetCardProperty
}

// IsEmpty reports whether applying the patch would change nothing.
func (p CardPatch) IsEmpty() bool {
	return p.Title == nil && p.Content == nil && len(p.Tags) == 0 && len(p.Properties) == 0
}

// TagDefinition declares a tag available in a channel.
type TagDefinition struct {
	ChannelID string `json:"channel_id"`
	Name      string `json:"name"`
	Color     string `json:"color,omitempty"`
}

// Task is a checklist item attached to a card.
type Task struct {
	ID        string    `json:"id"`
	CardID    string    `json:"card_id"`
	ChannelID string    `json:"channel_id"`
	Title     string    `json:"title"`
	Done      bool      `json:"done"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is a channel chat/activity entry.
type Message struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channel_id"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
