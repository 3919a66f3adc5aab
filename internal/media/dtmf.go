package media

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// DTMF command defaults.
const (
	DefaultDTMFTimeout    = 3 * time.Second
	DefaultDTMFCodeLength = 2
)

// DTMF command digits. The numeric aliases are the RFC 4733 event codes
// some endpoints report instead of the glyphs.
const (
	dtmfCmdFloor       = "*"
	dtmfCmdFloorAlias  = "10"
	dtmfCmdLayout      = "#"
	dtmfCmdLayoutAlias = "11"

	dtmfArgSubtitleGlobal = "3"
	dtmfArgSubtitleMedia  = "4"
)

// FloorCommands is the command sink for aggregated DTMF sequences.
// Implemented by the controller, which owns mixer and room wiring.
type FloorCommands interface {
	// SetVideoFloor promotes the unit as the conference video floor.
	SetVideoFloor(ctx context.Context, unit *Unit, arg string) error

	// SetLayout changes the mixer layout for the room.
	SetLayout(ctx context.Context, roomID, layout string) error

	// ToggleSubtitle flips subtitles globally or for the one unit.
	ToggleSubtitle(ctx context.Context, unit *Unit, perMedia bool) error
}

// dtmfAggregator collects digits into fixed-length command codes behind
// a restartable inter-digit timer. Incomplete codes are dropped when the
// timer fires.
type dtmfAggregator struct {
	mu         sync.Mutex
	queue      []string
	timer      *time.Timer
	timeout    time.Duration
	codeLength int
	session    *Session
	commands   FloorCommands
}

func newDTMFAggregator(session *Session, commands FloorCommands, timeout time.Duration, codeLength int) *dtmfAggregator {
	if timeout <= 0 {
		timeout = DefaultDTMFTimeout
	}
	if codeLength <= 0 {
		codeLength = DefaultDTMFCodeLength
	}
	return &dtmfAggregator{
		timeout:    timeout,
		codeLength: codeLength,
		session:    session,
		commands:   commands,
	}
}

// OnDigit feeds one digit into the aggregator.
func (a *dtmfAggregator) OnDigit(tone string) {
	tone = strings.TrimSpace(tone)
	if tone == "" {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.timer == nil {
		// New command: reset the queue and arm the timer.
		a.queue = a.queue[:0]
		a.queue = append(a.queue, tone)
		a.timer = time.AfterFunc(a.timeout, a.onTimeout)
		if len(a.queue) >= a.codeLength {
			a.flushLocked()
		}
		return
	}

	a.queue = append(a.queue, tone)
	if len(a.queue) >= a.codeLength {
		a.flushLocked()
		return
	}
	a.timer.Reset(a.timeout)
}

// onTimeout drops an incomplete code.
func (a *dtmfAggregator) onTimeout() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.queue) > 0 {
		slog.Debug("[DTMF] Dropping incomplete code",
			"session_id", a.session.ID, "digits", strings.Join(a.queue, ""))
	}
	a.resetLocked()
}

// resetLocked clears the queue and timer.
func (a *dtmfAggregator) resetLocked() {
	a.queue = a.queue[:0]
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// flushLocked interprets the queued code and always restarts.
func (a *dtmfAggregator) flushLocked() {
	command := a.queue[0]
	argument := strings.Join(a.queue[1:], "")
	a.resetLocked()

	if a.commands == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	var err error
	switch command {
	case dtmfCmdFloor, dtmfCmdFloorAlias:
		switch argument {
		case dtmfArgSubtitleGlobal:
			err = a.commands.ToggleSubtitle(ctx, a.session.firstAudioUnit(), false)
		case dtmfArgSubtitleMedia:
			err = a.commands.ToggleSubtitle(ctx, a.session.firstAudioUnit(), true)
		default:
			err = a.commands.SetVideoFloor(ctx, a.session.firstAudioUnit(), argument)
		}
	case dtmfCmdLayout, dtmfCmdLayoutAlias:
		err = a.commands.SetLayout(ctx, a.session.RoomID, argument)
	default:
		slog.Warn("[DTMF] Unknown command, discarding",
			"session_id", a.session.ID, "command", command, "argument", argument)
		return
	}

	if err != nil {
		slog.Warn("[DTMF] Command failed",
			"session_id", a.session.ID, "command", command, "error", err)
	}
}

// Stop cancels the timer and drops any queued digits.
func (a *dtmfAggregator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked()
}
