package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/vsariola/polysynth/middleware"
)

// two rows of a piano: white keys on the home row, black keys above
const pianoKeys = "awsedftgyhujkolp;"

// noteLength is how long a key plays; terminals do not report releases.
const noteLength = 300 * time.Millisecond

// keyboard plays notes from the keys of a raw-mode terminal.
type keyboard struct {
	fd      int
	state   *term.State
	octave  int
	channel int
}

// keyNote maps a key to a note, or returns false for keys that play nothing.
func keyNote(b byte, octave int) (int, bool) {
	i := strings.IndexByte(pianoKeys, b)
	if i < 0 {
		return 0, false
	}
	n := 12*(octave+1) + i
	if n > 127 {
		return 0, false
	}
	return n, true
}

func startKeyboard(ctx context.Context, cancel context.CancelFunc, m *middleware.MiddleWare, channel int) (*keyboard, error) {
	k := &keyboard{fd: int(os.Stdin.Fd()), octave: 4, channel: channel}
	state, err := term.MakeRaw(k.fd)
	if err != nil {
		return nil, fmt.Errorf("keyboard: could not set raw mode: %w", err)
	}
	k.state = state
	fmt.Fprintf(os.Stderr, "keys %s play, z/x octave, space panic, q quit\r\n", pianoKeys)
	go func() {
		buf := make([]byte, 1)
		for ctx.Err() == nil {
			if n, err := os.Stdin.Read(buf); err != nil || n == 0 {
				return
			}
			k.press(buf[0], cancel, m)
		}
	}()
	return k, nil
}

func (k *keyboard) press(b byte, cancel context.CancelFunc, m *middleware.MiddleWare) {
	switch b {
	case 'q', 3: // ctrl-c does not raise a signal in raw mode
		cancel()
	case 'z':
		k.octave = max(k.octave-1, 0)
	case 'x':
		k.octave = min(k.octave+1, 9)
	case ' ':
		m.Do(func(m *middleware.MiddleWare) { m.Panic() })
	default:
		note, ok := keyNote(b, k.octave)
		if !ok {
			return
		}
		m.Do(func(m *middleware.MiddleWare) { m.NoteOn(k.channel, note, 100) })
		time.AfterFunc(noteLength, func() {
			m.Do(func(m *middleware.MiddleWare) { m.NoteOff(k.channel, note) })
		})
	}
}

func (k *keyboard) Close() error {
	return term.Restore(k.fd, k.state)
}
