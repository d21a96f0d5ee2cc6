package chat

// Selection is the choice a user makes on a confirmation prompt.
type Selection string

const (
	SelectionConfirm Selection = "confirm"
	SelectionCancel  Selection = "cancel"
)

type ButtonStyle string

const (
	ButtonPrimary ButtonStyle = "primary"
	ButtonDanger  ButtonStyle = "danger"
)

// Button is the only interactive component the bot renders.
type Button struct {
	Label     string
	Style     ButtonStyle
	Selection Selection
}

// Message is the closed set of things the bot posts. Implementations live in
// this file only. Settlement prompts are rendered by the settlement layer.
type Message interface {
	isMessage()
}

// ConfirmationPrompt asks the initiator to confirm or cancel an action. It is
// visible to the initiator only.
type ConfirmationPrompt struct {
	Scope    string
	ActionID string
	UserID   string
	Text     string
	Buttons  []Button
}

// Notice is plain text, optionally mentioning users. Ephemeral notices are
// shown to UserID only.
type Notice struct {
	Scope     string
	UserID    string
	Text      string
	Mentions  []string
	Ephemeral bool
}

func (ConfirmationPrompt) isMessage() {}
func (Notice) isMessage()             {}

// NewConfirmationPrompt builds the standard confirm/cancel dialog.
func NewConfirmationPrompt(scope, actionID, userID, text string) ConfirmationPrompt {
	return ConfirmationPrompt{
		Scope:    scope,
		ActionID: actionID,
		UserID:   userID,
		Text:     text,
		Buttons: []Button{
			{Label: "Confirm", Style: ButtonPrimary, Selection: SelectionConfirm},
			{Label: "Cancel", Style: ButtonDanger, Selection: SelectionCancel},
		},
	}
}
