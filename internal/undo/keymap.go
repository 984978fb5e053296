package undo

import "strings"

// Command is the action a keyboard chord maps to.
type Command string

const (
	CommandNone Command = ""
	CommandUndo Command = "undo"
	CommandRedo Command = "redo"
)

// Chord describes a key press as reported by a client. EditableTarget is set
// when the focused element accepts text input, where the browser's native
// undo must win.
type Chord struct {
	Key            string `json:"key"`
	Ctrl           bool   `json:"ctrl"`
	Meta           bool   `json:"meta"`
	Shift          bool   `json:"shift"`
	EditableTarget bool   `json:"editable_target"`
}

// MapChord resolves a chord to a command. Ctrl+Z and Cmd+Z undo,
// Ctrl+Shift+Z, Cmd+Shift+Z and Ctrl+Y redo. Chords from editable targets
// are never intercepted.
func MapChord(c Chord) Command {
	if c.EditableTarget {
		return CommandNone
	}
	mod := c.Ctrl || c.Meta
	if !mod {
		return CommandNone
	}
	switch strings.ToLower(c.Key) {
	case "z":
		if c.Shift {
			return CommandRedo
		}
		return CommandUndo
	case "y":
		if c.Ctrl && !c.Shift {
			return CommandRedo
		}
	}
	return CommandNone
}
