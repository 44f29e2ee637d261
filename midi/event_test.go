package midi

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		data    []byte
		want    Event
		wantErr bool
	}{
		{name: "clock", data: []byte{0xF8}, want: Realtime(Clock)},
		{name: "start", data: []byte{0xFA}, want: Realtime(Start)},
		{name: "continue", data: []byte{0xFB}, want: Realtime(Continue)},
		{name: "stop", data: []byte{0xFC}, want: Realtime(Stop)},
		{name: "note on", data: []byte{0x93, 60, 100}, want: NewNoteOn(3, 60, 100)},
		{name: "note on zero velocity", data: []byte{0x90, 60, 0}, want: NewNoteOff(0, 60)},
		{name: "control change", data: []byte{0xB1, 7, 90}, want: NewControlChange(1, 7, 90)},
		{name: "empty", data: nil, wantErr: true},
		{name: "song position", data: []byte{0xF2, 0, 0}, wantErr: true},
		{name: "active sense", data: []byte{0xFE}, wantErr: true},
		{name: "program change", data: []byte{0xC0, 5}, wantErr: true},
		{name: "short note", data: []byte{0x90, 60}, wantErr: true},
		{name: "data without status", data: []byte{0x3C, 0x40}, wantErr: true},
		{name: "data byte high bit", data: []byte{0x90, 0x80, 0x10}, wantErr: true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := Parse(tc.data)
			if tc.wantErr {
				if !errors.Is(err, ErrMalformed) {
					t.Fatalf("expected ErrMalformed, got %v (event %v)", err, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestEventBytesRoundTrip(t *testing.T) {
	t.Parallel()

	for _, ev := range []Event{
		NewNoteOn(9, 37, 127),
		NewNoteOff(2, 64),
		NewControlChange(0, CCAllNotesOff, 0),
		Realtime(Clock),
		Realtime(Stop),
	} {
		got, err := Parse(ev.Bytes())
		if err != nil {
			t.Fatalf("parse %v: %v", ev, err)
		}
		if got != ev {
			t.Fatalf("round trip %v -> %v", ev, got)
		}
	}
}
