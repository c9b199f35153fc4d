package updater

import (
	"context"

	"github.com/df-mc/detournav/navigator/agent"
	"github.com/df-mc/detournav/navigator/tile"
)

// WaitCondition is a state of the Updater that Wait blocks for.
type WaitCondition interface {
	// remaining returns the number of jobs the condition still waits on. The condition holds once it
	// returns 0. It is called with the Updater's mutex held.
	remaining(u *Updater) int
	String() string
}

// AllJobsDone is satisfied once no job is queued or being built.
func AllJobsDone() WaitCondition { return allJobsDone{} }

// RequiredTilesPresent is satisfied once no job is queued or being built for a tile at most one tile away
// from the player tile of its agent. Queued jobs follow the player tile of the latest post of the agent.
func RequiredTilesPresent() WaitCondition { return requiredTilesPresent{} }

// AgentDrained is satisfied once no job of the agent b is queued or being built.
func AgentDrained(b agent.Bounds) WaitCondition { return agentDrained{b: b} }

type allJobsDone struct{}

func (allJobsDone) remaining(u *Updater) int { return len(u.queue) + len(u.processing) }
func (allJobsDone) String() string            { return "all jobs done" }

type requiredTilesPresent struct{}

func (requiredTilesPresent) remaining(u *Updater) int {
	n := 0
	for _, j := range u.queue {
		if tile.Distance(j.key.pos, j.playerTile) <= 1 {
			n++
		}
	}
	for j := range u.processing {
		if tile.Distance(j.key.pos, j.playerTile) <= 1 {
			n++
		}
	}
	return n
}
func (requiredTilesPresent) String() string { return "required tiles present" }

type agentDrained struct{ b agent.Bounds }

func (c agentDrained) remaining(u *Updater) int { return u.perAgent[c.b] }
func (c agentDrained) String() string            { return "agent " + c.b.String() + " drained" }

// Listener receives the progress of a Wait call. Its methods are called from the goroutine calling Wait.
type Listener interface {
	SetLabel(label string)
	SetProgressRange(total int)
	SetProgress(done int)
}

// NopListener is a Listener that discards all progress.
type NopListener struct{}

func (NopListener) SetLabel(string)      {}
func (NopListener) SetProgressRange(int) {}
func (NopListener) SetProgress(int)      {}

// Wait blocks until cond is satisfied, ctx is done or the Updater is closed. Progress is reported to
// listener, which may be nil. Wait only observes the workers: abandoning it through ctx leaves every job
// in place. Wait returns ctx.Err() if ctx is done first and ErrClosed if the Updater is closed first.
func (u *Updater) Wait(ctx context.Context, cond WaitCondition, listener Listener) error {
	if listener == nil {
		listener = NopListener{}
	}
	listener.SetLabel(cond.String())

	total, reported := -1, -1
	for {
		u.mu.Lock()
		left := cond.remaining(u)
		notify, closed := u.notify, u.closed
		u.mu.Unlock()

		if left+max(reported, 0) > total {
			// Jobs posted while waiting grow the range rather than moving progress backwards.
			total = left + max(reported, 0)
			listener.SetProgressRange(total)
		}
		if done := total - left; done != reported {
			reported = done
			listener.SetProgress(done)
		}
		if left == 0 {
			return nil
		}
		if closed {
			return ErrClosed
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-notify:
		case <-u.closing:
		}
	}
}
