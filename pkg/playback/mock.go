package playback

import (
	"sync"
)

// MockPlayer is a Player driven by tests. Playback ends when Finish is
// called or the player is stopped.
type MockPlayer struct {
	Path string

	factory *MockFactory

	mu       sync.Mutex
	done     func(err error)
	playing  bool
	stopped  bool
	released bool
	ended    bool
}

// Finish ends playback as if the audio ran out (err nil) or failed to
// decode (err non-nil).
func (p *MockPlayer) Finish(err error) {
	p.mu.Lock()
	done := p.take()
	p.mu.Unlock()
	if done != nil {
		done(err)
	}
}

// Play implements Player.
func (p *MockPlayer) Play(done func(err error)) error {
	p.factory.mu.Lock()
	playErr := p.factory.PlayErr
	p.factory.mu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released || p.stopped {
		return ErrReleased
	}
	if playErr != nil {
		return playErr
	}
	p.done = done
	p.playing = true
	return nil
}

// Stop implements Player. It fires the completion callback synchronously,
// as some real players do.
func (p *MockPlayer) Stop() error {
	p.mu.Lock()
	p.stopped = true
	done := p.take()
	p.mu.Unlock()
	if done != nil {
		done(nil)
	}
	return nil
}

// Release implements Player.
func (p *MockPlayer) Release() error {
	p.mu.Lock()
	already := p.released
	p.released = true
	p.mu.Unlock()

	if !already {
		p.factory.mu.Lock()
		p.factory.live--
		p.factory.mu.Unlock()
	}
	return nil
}

// Stopped reports whether Stop was called.
func (p *MockPlayer) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// Released reports whether Release was called.
func (p *MockPlayer) Released() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.released
}

// Playing reports whether playback started and has not ended.
func (p *MockPlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing && !p.ended
}

func (p *MockPlayer) take() func(error) {
	if p.ended || p.done == nil {
		return nil
	}
	p.ended = true
	done := p.done
	p.done = nil
	return done
}

// MockFactory builds MockPlayers and tracks how many are live at once.
type MockFactory struct {
	// Err, if set, is returned instead of constructing a player.
	Err error

	// PlayErr, if set, is returned by Play.
	PlayErr error

	mu      sync.Mutex
	players []*MockPlayer
	live    int
	maxLive int
}

// NewMockFactory creates an empty mock factory.
func NewMockFactory() *MockFactory {
	return &MockFactory{}
}

// New is a PlayerFactory.
func (f *MockFactory) New(path string) (Player, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Err != nil {
		return nil, f.Err
	}
	p := &MockPlayer{Path: path, factory: f}
	f.players = append(f.players, p)
	f.live++
	if f.live > f.maxLive {
		f.maxLive = f.live
	}
	return p, nil
}

// Live returns the number of players constructed and not yet released.
func (f *MockFactory) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live
}

// MaxLive returns the highest Live value seen.
func (f *MockFactory) MaxLive() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxLive
}

// Players returns every player constructed so far.
func (f *MockFactory) Players() []*MockPlayer {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*MockPlayer, len(f.players))
	copy(out, f.players)
	return out
}

// Last returns the most recently constructed player.
func (f *MockFactory) Last() *MockPlayer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.players) == 0 {
		return nil
	}
	return f.players[len(f.players)-1]
}

// SetErr sets the construction error.
func (f *MockFactory) SetErr(err error) {
	f.mu.Lock()
	f.Err = err
	f.mu.Unlock()
}

// SetPlayErr sets the Play error.
func (f *MockFactory) SetPlayErr(err error) {
	f.mu.Lock()
	f.PlayErr = err
	f.mu.Unlock()
}

var _ Player = (*MockPlayer)(nil)
