package pcm

import (
	"errors"
	"sync"
	"testing"
)

func TestResample(t *testing.T) {
	t.Run("same rate", func(t *testing.T) {
		in := []int16{100, 200, 300}
		out := Resample(in, 16000, 16000)
		if len(out) != 3 || out[2] != 300 {
			t.Errorf("Resample() = %v, want input unchanged", out)
		}
	})

	t.Run("downsample", func(t *testing.T) {
		in := make([]int16, 960) // 20ms at 48kHz
		for i := range in {
			in[i] = int16(i)
		}
		out := Resample(in, 48000, 16000)
		if len(out) != 320 {
			t.Errorf("len = %d, want 320", len(out))
		}
		if out[1] != 3 {
			t.Errorf("out[1] = %d, want 3", out[1])
		}
	})

	t.Run("upsample interpolates", func(t *testing.T) {
		out := Resample([]int16{0, 100}, 8000, 16000)
		if len(out) != 4 {
			t.Fatalf("len = %d, want 4", len(out))
		}
		if out[1] != 50 {
			t.Errorf("out[1] = %d, want 50", out[1])
		}
		if out[3] != 100 {
			t.Errorf("out[3] = %d, want last sample held", out[3])
		}
	})

	t.Run("empty", func(t *testing.T) {
		if out := Resample(nil, 48000, 16000); len(out) != 0 {
			t.Errorf("Resample(nil) = %v", out)
		}
	})
}

func TestDecodeEncode(t *testing.T) {
	samples := Decode([]byte{0x02, 0x01, 0xff, 0xff, 0x07})
	if len(samples) != 2 {
		t.Fatalf("len = %d, want 2", len(samples))
	}
	if samples[0] != 0x0102 || samples[1] != -1 {
		t.Errorf("Decode() = %v", samples)
	}

	data := Encode([]int16{0x0102, -1})
	want := []byte{0x02, 0x01, 0xff, 0xff}
	if string(data) != string(want) {
		t.Errorf("Encode() = %v, want %v", data, want)
	}
}

func TestChannels(t *testing.T) {
	mono := Downmix([]int16{100, 300, -100, 100})
	if len(mono) != 2 || mono[0] != 200 || mono[1] != 0 {
		t.Errorf("Downmix() = %v", mono)
	}
	stereo := Upmix([]int16{1, 2})
	if len(stereo) != 4 || stereo[1] != 1 || stereo[2] != 2 {
		t.Errorf("Upmix() = %v", stereo)
	}
}

func TestConvert(t *testing.T) {
	in := Encode([]int16{10, 30, 10, 30, 10, 30, 10, 30, 10, 30, 10, 30})
	out := Decode(Convert(in, Format{48000, 2}, Speech))
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	for i, s := range out {
		if s != 20 {
			t.Errorf("out[%d] = %d, want 20", i, s)
		}
	}

	same := Encode([]int16{1, 2, 3})
	if got := Convert(same, Speech, Speech); &got[0] != &same[0] {
		t.Error("Convert() with equal formats should return input")
	}
}

func TestFormatValidate(t *testing.T) {
	tests := []struct {
		f       Format
		wantErr bool
	}{
		{Speech, false},
		{Format{48000, 2}, false},
		{Format{0, 1}, true},
		{Format{16000, 0}, true},
		{Format{16000, 6}, true},
	}
	for _, tt := range tests {
		err := tt.f.Validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("%+v.Validate() = %v, wantErr %v", tt.f, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrBadFormat) {
			t.Errorf("error %v should wrap ErrBadFormat", err)
		}
	}
}

type recordWriter struct {
	mu     sync.Mutex
	frames [][]byte
}

func (w *recordWriter) Write(pcm []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.frames = append(w.frames, append([]byte(nil), pcm...))
	return nil
}

func TestSink(t *testing.T) {
	t.Run("passthrough", func(t *testing.T) {
		w := &recordWriter{}
		s, err := NewSink(w, Speech, Speech)
		if err != nil {
			t.Fatalf("NewSink() error = %v", err)
		}
		if err := s.Write([]byte{1, 2, 3, 4}); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
		if len(w.frames) != 1 || len(w.frames[0]) != 4 {
			t.Errorf("frames = %v", w.frames)
		}
	})

	t.Run("split sample carried over", func(t *testing.T) {
		w := &recordWriter{}
		s, _ := NewSink(w, Speech, Speech)
		_ = s.Write([]byte{1, 2, 3})
		_ = s.Write([]byte{4})
		if len(w.frames) != 2 {
			t.Fatalf("frames = %d, want 2", len(w.frames))
		}
		if string(w.frames[1]) != string([]byte{3, 4}) {
			t.Errorf("second frame = %v, want [3 4]", w.frames[1])
		}
	})

	t.Run("partial frame buffered", func(t *testing.T) {
		w := &recordWriter{}
		s, _ := NewSink(w, Format{16000, 2}, Speech)
		_ = s.Write([]byte{1})
		if len(w.frames) != 0 {
			t.Errorf("frames = %v, want none", w.frames)
		}
	})

	t.Run("bad format", func(t *testing.T) {
		if _, err := NewSink(&recordWriter{}, Format{}, Speech); !errors.Is(err, ErrBadFormat) {
			t.Errorf("NewSink() error = %v, want ErrBadFormat", err)
		}
	})
}
