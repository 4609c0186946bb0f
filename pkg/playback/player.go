package playback

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
)

// Player plays one audio file.
type Player interface {
	// Play starts playback and returns without waiting for it to finish.
	// done is called exactly once when playback ends, with a non-nil error
	// if the audio could not be decoded. done is not called when Play
	// itself returns an error.
	Play(done func(err error)) error

	// Stop interrupts playback. Safe to call before Play or after the end.
	Stop() error

	// Release frees the player. The player is unusable afterwards.
	Release() error
}

// PlayerFactory constructs a player bound to an audio file.
type PlayerFactory func(path string) (Player, error)

// ExecPlayer plays a file through an external command such as
// "ffplay -nodisp -autoexit" or "mpg123 -q".
type ExecPlayer struct {
	cmd *exec.Cmd

	mu       sync.Mutex
	started  bool
	stopped  bool
	released bool
}

// NewExecPlayerFactory returns a factory that runs command with the audio
// file path appended as the last argument.
func NewExecPlayerFactory(command []string) PlayerFactory {
	return func(path string) (Player, error) {
		if len(command) == 0 {
			return nil, errors.New("player command is empty")
		}
		bin, err := exec.LookPath(command[0])
		if err != nil {
			return nil, fmt.Errorf("find player: %w", err)
		}
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("audio file: %w", err)
		}

		args := append(append([]string{}, command[1:]...), path)
		return &ExecPlayer{cmd: exec.Command(bin, args...)}, nil
	}
}

// Play starts the player process.
func (p *ExecPlayer) Play(done func(err error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.released || p.stopped {
		return ErrReleased
	}
	if p.started {
		return errors.New("player already started")
	}
	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("start player: %w", err)
	}
	p.started = true

	go func() {
		err := p.cmd.Wait()

		p.mu.Lock()
		stopped := p.stopped
		p.mu.Unlock()
		if stopped {
			err = nil
		}
		done(err)
	}()
	return nil
}

// Stop kills the player process.
func (p *ExecPlayer) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return nil
	}
	p.stopped = true
	if p.started && p.cmd.Process != nil {
		return p.cmd.Process.Kill()
	}
	return nil
}

// Release marks the player unusable. The process is reaped by the wait
// goroutine started in Play.
func (p *ExecPlayer) Release() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = true
	return nil
}

// Verify ExecPlayer implements Player at compile time.
var _ Player = (*ExecPlayer)(nil)
