package capture

import (
	"context"
	"sync"
)

// MockRecognizer implements Recognizer for testing. Signals are injected
// with Emit.
type MockRecognizer struct {
	// StartErr, if set, is returned by Start.
	StartErr error

	// StopErr, if set, is returned by Stop.
	StopErr error

	// EndOnStop makes Stop emit SignalSpeechEnd synchronously.
	EndOnStop bool

	mu      sync.Mutex
	emit    func(Signal)
	locales []string
	stops   int
	audio   [][]byte
}

// NewMock creates a mock recognizer that ends its session on Stop.
func NewMock() *MockRecognizer {
	return &MockRecognizer{EndOnStop: true}
}

// Start implements Recognizer.
func (m *MockRecognizer) Start(ctx context.Context, locale string, emit func(Signal)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locales = append(m.locales, locale)
	if m.StartErr != nil {
		return m.StartErr
	}
	m.emit = emit
	return nil
}

// Stop implements Recognizer.
func (m *MockRecognizer) Stop() error {
	m.mu.Lock()
	m.stops++
	if m.StopErr != nil {
		err := m.StopErr
		m.mu.Unlock()
		return err
	}
	emit := m.emit
	if m.EndOnStop {
		m.emit = nil
	}
	m.mu.Unlock()

	if m.EndOnStop && emit != nil {
		emit(Signal{Kind: SignalSpeechEnd})
	}
	return nil
}

// Write implements AudioSink.
func (m *MockRecognizer) Write(pcm []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.emit == nil {
		return ErrNotListening
	}
	m.audio = append(m.audio, append([]byte(nil), pcm...))
	return nil
}

// Emit delivers sig to the running session. It reports false if no
// session is running.
func (m *MockRecognizer) Emit(sig Signal) bool {
	m.mu.Lock()
	emit := m.emit
	if sig.Kind == SignalSpeechEnd || sig.Kind == SignalError {
		m.emit = nil
	}
	m.mu.Unlock()
	if emit == nil {
		return false
	}
	emit(sig)
	return true
}

// Final emits a final result.
func (m *MockRecognizer) Final(text string) bool {
	return m.Emit(Signal{Kind: SignalResult, Text: text, Final: true})
}

// Locales returns the locale of every Start call.
func (m *MockRecognizer) Locales() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.locales...)
}

// StopCount returns the number of Stop calls.
func (m *MockRecognizer) StopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}

// Audio returns every chunk written.
func (m *MockRecognizer) Audio() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.audio...)
}

// Running reports whether a session is open.
func (m *MockRecognizer) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emit != nil
}

// Verify MockRecognizer implements Recognizer and AudioSink at compile time.
var (
	_ Recognizer = (*MockRecognizer)(nil)
	_ AudioSink  = (*MockRecognizer)(nil)
)
