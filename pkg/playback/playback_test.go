package playback_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/teslashibe/go-dynprot/pkg/playback"
	"github.com/teslashibe/go-dynprot/pkg/tts"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newController(t *testing.T, synth tts.Provider) (*playback.Controller, *playback.MockFactory, string) {
	t.Helper()
	dir := t.TempDir()
	factory := playback.NewMockFactory()
	c, err := playback.New(synth,
		playback.WithDir(dir),
		playback.WithPlayerFactory(factory.New),
		playback.WithLogger(quietLogger()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, factory, dir
}

func audioFiles(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, playback.FilePrefix+"*"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	return matches
}

func TestNew(t *testing.T) {
	t.Run("requires provider", func(t *testing.T) {
		if _, err := playback.New(nil); err == nil {
			t.Error("expected error for nil provider")
		}
	})

	t.Run("requires player factory", func(t *testing.T) {
		if _, err := playback.New(tts.NewMock(), playback.WithPlayerFactory(nil)); err == nil {
			t.Error("expected error for nil factory")
		}
	})
}

func TestSpeak(t *testing.T) {
	t.Run("empty text is a no-op", func(t *testing.T) {
		synth := tts.NewMock()
		c, factory, dir := newController(t, synth)

		for _, text := range []string{"", "   ", "\n\t"} {
			if err := c.Speak(context.Background(), text); err != nil {
				t.Errorf("Speak(%q) = %v", text, err)
			}
		}
		if synth.CallCount("Synthesize") != 0 {
			t.Error("synthesis should not be called for blank text")
		}
		if len(factory.Players()) != 0 {
			t.Error("no player should be constructed")
		}
		if files := audioFiles(t, dir); len(files) != 0 {
			t.Errorf("unexpected files: %v", files)
		}
	})

	t.Run("plays synthesized audio", func(t *testing.T) {
		synth := tts.NewMock()
		c, factory, dir := newController(t, synth)

		if err := c.Speak(context.Background(), "Bonjour"); err != nil {
			t.Fatalf("Speak: %v", err)
		}
		if !c.Speaking() {
			t.Error("expected Speaking after Speak")
		}
		p := factory.Last()
		if p == nil || !p.Playing() {
			t.Fatal("expected a playing player")
		}
		base := filepath.Base(p.Path)
		if !strings.HasPrefix(base, playback.FilePrefix) || !strings.HasSuffix(base, ".mp3") {
			t.Errorf("unexpected file name %q", base)
		}
		data, err := os.ReadFile(p.Path)
		if err != nil {
			t.Fatalf("read audio: %v", err)
		}
		if !strings.HasSuffix(string(data), "Bonjour") {
			t.Error("audio file does not hold synthesized bytes")
		}

		p.Finish(nil)
		if c.Speaking() {
			t.Error("expected not speaking after completion")
		}
		if !p.Released() {
			t.Error("player not released after completion")
		}
		if files := audioFiles(t, dir); len(files) != 0 {
			t.Errorf("temp file left after completion: %v", files)
		}
	})

	t.Run("decode failure tears down", func(t *testing.T) {
		c, factory, dir := newController(t, tts.NewMock())

		if err := c.Speak(context.Background(), "Bonjour"); err != nil {
			t.Fatalf("Speak: %v", err)
		}
		factory.Last().Finish(errors.New("corrupt frame"))

		if c.Speaking() {
			t.Error("expected not speaking")
		}
		if factory.Live() != 0 {
			t.Errorf("live players = %d", factory.Live())
		}
		if files := audioFiles(t, dir); len(files) != 0 {
			t.Errorf("temp file left: %v", files)
		}
	})

	t.Run("unique file names", func(t *testing.T) {
		c, factory, _ := newController(t, tts.NewMock())
		seen := make(map[string]bool)
		for i := 0; i < 5; i++ {
			if err := c.Speak(context.Background(), "encore"); err != nil {
				t.Fatalf("Speak: %v", err)
			}
			path := factory.Last().Path
			if seen[path] {
				t.Fatalf("file name reused: %s", path)
			}
			seen[path] = true
		}
	})
}

func TestSpeakFailures(t *testing.T) {
	t.Run("synthesis failure", func(t *testing.T) {
		c, factory, dir := newController(t, tts.WithError(tts.ErrProviderUnavailable))

		err := c.Speak(context.Background(), "Bonjour")
		if !playback.IsKind(err, playback.SynthesisFailure) {
			t.Fatalf("expected SynthesisFailure, got %v", err)
		}
		if !errors.Is(err, tts.ErrProviderUnavailable) {
			t.Error("expected wrapped provider error")
		}
		if len(factory.Players()) != 0 || c.Speaking() {
			t.Error("no player should exist")
		}
		if files := audioFiles(t, dir); len(files) != 0 {
			t.Errorf("unexpected files: %v", files)
		}
	})

	t.Run("empty audio", func(t *testing.T) {
		synth := &tts.Mock{
			SynthesizeFunc: func(ctx context.Context, text string) (*tts.AudioResult, error) {
				return &tts.AudioResult{Format: tts.MP3Format}, nil
			},
		}
		c, _, _ := newController(t, synth)

		err := c.Speak(context.Background(), "Bonjour")
		if !playback.IsKind(err, playback.SynthesisFailure) || !errors.Is(err, tts.ErrNoAudio) {
			t.Fatalf("expected SynthesisFailure wrapping ErrNoAudio, got %v", err)
		}
	})

	t.Run("load failure removes file", func(t *testing.T) {
		c, factory, dir := newController(t, tts.NewMock())
		factory.SetErr(errors.New("unsupported container"))

		err := c.Speak(context.Background(), "Bonjour")
		if !playback.IsKind(err, playback.PlaybackLoadFailure) {
			t.Fatalf("expected PlaybackLoadFailure, got %v", err)
		}
		if c.Speaking() {
			t.Error("expected not speaking")
		}
		if files := audioFiles(t, dir); len(files) != 0 {
			t.Errorf("temp file left: %v", files)
		}
	})

	t.Run("unwritable directory", func(t *testing.T) {
		factory := playback.NewMockFactory()
		c, err := playback.New(tts.NewMock(),
			playback.WithDir(filepath.Join(t.TempDir(), "missing")),
			playback.WithPlayerFactory(factory.New),
			playback.WithLogger(quietLogger()),
		)
		if err != nil {
			t.Fatalf("New: %v", err)
		}

		err = c.Speak(context.Background(), "Bonjour")
		if !playback.IsKind(err, playback.PlaybackLoadFailure) {
			t.Fatalf("expected PlaybackLoadFailure, got %v", err)
		}
		if len(factory.Players()) != 0 {
			t.Error("no player should be constructed")
		}
	})

	t.Run("play failure", func(t *testing.T) {
		c, factory, dir := newController(t, tts.NewMock())
		factory.SetPlayErr(errors.New("no audio device"))

		err := c.Speak(context.Background(), "Bonjour")
		if !playback.IsKind(err, playback.PlaybackDecodeFailure) {
			t.Fatalf("expected PlaybackDecodeFailure, got %v", err)
		}
		if c.Speaking() || factory.Live() != 0 {
			t.Error("player should be released")
		}
		if files := audioFiles(t, dir); len(files) != 0 {
			t.Errorf("temp file left: %v", files)
		}
	})
}

func TestSingleLivePlayer(t *testing.T) {
	c, factory, dir := newController(t, tts.NewMock())

	for i := 0; i < 10; i++ {
		if err := c.Speak(context.Background(), "réponse"); err != nil {
			t.Fatalf("Speak %d: %v", i, err)
		}
		if factory.Live() != 1 {
			t.Fatalf("live players after Speak %d = %d", i, factory.Live())
		}
	}
	if factory.MaxLive() != 1 {
		t.Errorf("MaxLive = %d, want 1", factory.MaxLive())
	}

	players := factory.Players()
	for _, p := range players[:len(players)-1] {
		if !p.Stopped() || !p.Released() {
			t.Error("superseded player was not stopped and released")
		}
	}
	if files := audioFiles(t, dir); len(files) != 1 {
		t.Errorf("expected one live file, got %v", files)
	}

	c.Stop()
	if files := audioFiles(t, dir); len(files) != 0 {
		t.Errorf("temp files left after Stop: %v", files)
	}
}

func TestConcurrentSpeak(t *testing.T) {
	c, factory, dir := newController(t, tts.WithLatency(tts.NewMock(), time.Millisecond))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.Speak(context.Background(), "en même temps")
			if err != nil && !errors.Is(err, playback.ErrSuperseded) && !playback.IsKind(err, playback.SynthesisFailure) {
				t.Errorf("Speak: %v", err)
			}
		}()
	}
	wg.Wait()

	if factory.MaxLive() > 1 {
		t.Errorf("MaxLive = %d, want <= 1", factory.MaxLive())
	}
	c.Stop()
	if factory.Live() != 0 {
		t.Errorf("live players = %d", factory.Live())
	}
	if files := audioFiles(t, dir); len(files) != 0 {
		t.Errorf("temp files left: %v", files)
	}
}

func TestSupersededSynthesis(t *testing.T) {
	release := make(chan struct{})
	var calls int
	var mu sync.Mutex
	synth := tts.NewMock()
	base := synth.SynthesizeFunc
	synth.SynthesizeFunc = func(ctx context.Context, text string) (*tts.AudioResult, error) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			<-release
		}
		return base(context.Background(), text)
	}
	c, factory, dir := newController(t, synth)

	errc := make(chan error, 1)
	go func() {
		errc <- c.Speak(context.Background(), "première")
	}()

	deadline := time.Now().Add(time.Second)
	for synth.CallCount("Synthesize") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first synthesis never started")
		}
		time.Sleep(time.Millisecond)
	}

	if err := c.Speak(context.Background(), "deuxième"); err != nil {
		t.Fatalf("second Speak: %v", err)
	}
	close(release)

	if err := <-errc; !errors.Is(err, playback.ErrSuperseded) {
		t.Fatalf("first Speak = %v, want ErrSuperseded", err)
	}
	players := factory.Players()
	if len(players) != 1 {
		t.Fatalf("players = %d, want 1", len(players))
	}
	if !strings.Contains(readFile(t, players[0].Path), "deuxième") {
		t.Error("live player is not the second utterance")
	}
	if files := audioFiles(t, dir); len(files) != 1 {
		t.Errorf("superseded audio left on disk: %v", files)
	}
}

func TestSpeakContext(t *testing.T) {
	t.Run("released after playback starts", func(t *testing.T) {
		synth := tts.NewMock()
		base := synth.SynthesizeFunc
		var seen context.Context
		synth.SynthesizeFunc = func(ctx context.Context, text string) (*tts.AudioResult, error) {
			seen = ctx
			return base(ctx, text)
		}
		c, _, _ := newController(t, synth)

		if err := c.Speak(context.Background(), "bonjour"); err != nil {
			t.Fatalf("Speak: %v", err)
		}
		if seen == nil || seen.Err() == nil {
			t.Error("synthesis context still live after Speak returned")
		}
		if !c.Speaking() {
			t.Error("cancelling the request context must not stop playback")
		}
	})

	t.Run("released after synthesis failure", func(t *testing.T) {
		var seen context.Context
		synth := tts.NewMock()
		synth.SynthesizeFunc = func(ctx context.Context, text string) (*tts.AudioResult, error) {
			seen = ctx
			return nil, errors.New("boom")
		}
		c, _, _ := newController(t, synth)

		if err := c.Speak(context.Background(), "bonjour"); !playback.IsKind(err, playback.SynthesisFailure) {
			t.Fatalf("Speak = %v, want SynthesisFailure", err)
		}
		if seen == nil || seen.Err() == nil {
			t.Error("synthesis context still live after failure")
		}
	})

	t.Run("cancelled before acquire never plays", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		synth := tts.NewMock()
		base := synth.SynthesizeFunc
		synth.SynthesizeFunc = func(_ context.Context, text string) (*tts.AudioResult, error) {
			cancel()
			return base(context.Background(), text)
		}
		c, factory, dir := newController(t, synth)

		if err := c.Speak(ctx, "bonjour"); !errors.Is(err, playback.ErrSuperseded) {
			t.Fatalf("Speak = %v, want ErrSuperseded", err)
		}
		if c.Speaking() {
			t.Error("Speaking() = true after cancelled request")
		}
		if n := len(factory.Players()); n != 0 {
			t.Errorf("players = %d, want 0", n)
		}
		if files := audioFiles(t, dir); len(files) != 0 {
			t.Errorf("audio left on disk: %v", files)
		}
	})
}

func TestStop(t *testing.T) {
	t.Run("idempotent", func(t *testing.T) {
		c, factory, dir := newController(t, tts.NewMock())

		c.Stop()
		if err := c.Speak(context.Background(), "Bonjour"); err != nil {
			t.Fatalf("Speak: %v", err)
		}
		p := factory.Last()

		c.Stop()
		c.Stop()
		c.Stop()

		if !p.Stopped() || !p.Released() {
			t.Error("player not stopped and released")
		}
		if c.Speaking() || factory.Live() != 0 {
			t.Error("expected nothing live")
		}
		if files := audioFiles(t, dir); len(files) != 0 {
			t.Errorf("temp file left: %v", files)
		}
	})

	t.Run("completion after stop is ignored", func(t *testing.T) {
		c, factory, _ := newController(t, tts.NewMock())
		if err := c.Speak(context.Background(), "Bonjour"); err != nil {
			t.Fatalf("Speak: %v", err)
		}
		p := factory.Last()
		c.Stop()
		p.Finish(nil)
		if factory.Live() != 0 {
			t.Errorf("live players = %d", factory.Live())
		}
	})

	t.Run("discards pending synthesis", func(t *testing.T) {
		synth := &tts.Mock{
			SynthesizeFunc: func(ctx context.Context, text string) (*tts.AudioResult, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		}
		c, factory, _ := newController(t, synth)

		errc := make(chan error, 1)
		go func() {
			errc <- c.Speak(context.Background(), "Bonjour")
		}()
		deadline := time.Now().Add(time.Second)
		for synth.CallCount("Synthesize") == 0 {
			if time.Now().After(deadline) {
				t.Fatal("synthesis never started")
			}
			time.Sleep(time.Millisecond)
		}
		c.Stop()

		select {
		case err := <-errc:
			if !errors.Is(err, playback.ErrSuperseded) {
				t.Errorf("Speak = %v, want ErrSuperseded", err)
			}
		case <-time.After(time.Second):
			t.Fatal("Speak did not return after Stop")
		}
		if len(factory.Players()) != 0 {
			t.Error("no player should be constructed")
		}
	})
}

func TestOnStateChange(t *testing.T) {
	c, factory, _ := newController(t, tts.NewMock())

	var mu sync.Mutex
	var states []bool
	c.OnStateChange(func(speaking bool) {
		mu.Lock()
		states = append(states, speaking)
		mu.Unlock()
	})

	if err := c.Speak(context.Background(), "un"); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	factory.Last().Finish(nil)
	if err := c.Speak(context.Background(), "deux"); err != nil {
		t.Fatalf("Speak: %v", err)
	}
	c.Stop()

	mu.Lock()
	defer mu.Unlock()
	want := []bool{true, false, true, false}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want %v", states, want)
		}
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}
