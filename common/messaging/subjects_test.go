package messaging

import (
	"strings"
	"testing"
)

type fakeConn bool

func (f fakeConn) IsConnected() bool { return bool(f) }

func TestSubjectsFollowNamingConvention(t *testing.T) {
	subjects := []string{
		SubjectCaptureEvents,
		SubjectReplayEvents,
		InvokeSubject(ComponentReconcile),
		InvokeSubject(ComponentLink),
		InvokeSubject(ComponentReplay),
	}

	for _, s := range subjects {
		parts := strings.Split(s, ".")
		if len(parts) != 3 {
			t.Errorf("subject %q should have 3 parts, got %d", s, len(parts))
		}
		if parts[0] != "playback" {
			t.Errorf("subject %q should start with playback", s)
		}
	}
}

func TestInvokeSubject(t *testing.T) {
	if got := InvokeSubject("link"); got != "playback.invoke.link" {
		t.Errorf("InvokeSubject(link) = %q", got)
	}
	if got := InvokeConsumer("link"); got != "playback-invoke-link" {
		t.Errorf("InvokeConsumer(link) = %q", got)
	}
}

func TestReady(t *testing.T) {
	tests := []struct {
		name    string
		deps    []Connectivity
		wantErr bool
	}{
		{name: "no deps", wantErr: false},
		{name: "all connected", deps: []Connectivity{fakeConn(true), fakeConn(true)}},
		{name: "one down", deps: []Connectivity{fakeConn(true), fakeConn(false)}, wantErr: true},
		{name: "nil dep", deps: []Connectivity{nil}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Ready(tt.deps...)
			if (err != nil) != tt.wantErr {
				t.Errorf("Ready() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
