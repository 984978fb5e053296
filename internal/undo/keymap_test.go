package undo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapChord(t *testing.T) {
	cases := []struct {
		name  string
		chord Chord
		want  Command
	}{
		{"ctrl+z undoes", Chord{Key: "z", Ctrl: true}, CommandUndo},
		{"cmd+z undoes", Chord{Key: "z", Meta: true}, CommandUndo},
		{"ctrl+shift+z redoes", Chord{Key: "z", Ctrl: true, Shift: true}, CommandRedo},
		{"cmd+shift+z redoes", Chord{Key: "Z", Meta: true, Shift: true}, CommandRedo},
		{"ctrl+y redoes", Chord{Key: "y", Ctrl: true}, CommandRedo},
		{"cmd+y is not redo", Chord{Key: "y", Meta: true}, CommandNone},
		{"plain z is nothing", Chord{Key: "z"}, CommandNone},
		{"ctrl+x is nothing", Chord{Key: "x", Ctrl: true}, CommandNone},
		{"uppercase key still matches", Chord{Key: "Z", Ctrl: true}, CommandUndo},
		{"editable target wins", Chord{Key: "z", Ctrl: true, EditableTarget: true}, CommandNone},
		{"editable target blocks redo too", Chord{Key: "z", Ctrl: true, Shift: true, EditableTarget: true}, CommandNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, MapChord(tc.chord))
		})
	}
}
