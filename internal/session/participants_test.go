package session

import (
	"errors"
	"testing"
	"time"

	"classlink/pkg/types"
)

type fakeStream struct {
	id       string
	released int
	err      error
}

func (s *fakeStream) ID() string { return s.id }

func (s *fakeStream) Release() error {
	s.released++
	return s.err
}

func fixedClock() func() time.Time {
	t := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestParticipants_JoinIsKeyed(t *testing.T) {
	ps := NewParticipants()

	first := ps.Join("s1", JoinInfo{DisplayName: "Alice", Role: types.RoleAttendee})
	if !first.Created || !first.FirstJoin {
		t.Errorf("first join should create, got %+v", first)
	}
	second := ps.Join("s1", JoinInfo{DisplayName: "Alice B.", Role: types.RoleAttendee})
	if second.Created || second.FirstJoin {
		t.Errorf("repeated join should update, got %+v", second)
	}
	if ps.Len() != 1 {
		t.Fatalf("expected one entry, got %d", ps.Len())
	}
	p, _ := ps.Get("s1")
	if p.DisplayName != "Alice B." {
		t.Errorf("display name not overwritten: %s", p.DisplayName)
	}
}

func TestParticipants_PresenceBeforeJoin(t *testing.T) {
	ps := NewParticipants()

	p, created := ps.MergePresence("s2", PresenceUpdate{HandRaised: boolPtr(true)})
	if !created || !p.Placeholder || p.Role != types.RoleUnknown {
		t.Fatalf("expected placeholder, got %+v created=%v", p, created)
	}

	res := ps.Join("s2", JoinInfo{DisplayName: "Bob", Role: types.RolePresenter})
	if res.Created {
		t.Error("join over a placeholder should not report Created")
	}
	if !res.FirstJoin {
		t.Error("join over a placeholder is still the first join")
	}
	if !res.Participant.HandRaised {
		t.Error("hand raised before join was lost")
	}
	if res.Participant.Placeholder || res.Participant.Role != types.RolePresenter {
		t.Errorf("join did not fill identity: %+v", res.Participant)
	}
}

func TestPresenceFromKeyValue(t *testing.T) {
	tests := []struct {
		key, value string
		muted      *bool
		hand       *bool
		values     map[string]string
	}{
		{types.PresenceMuted, "true", boolPtr(true), nil, nil},
		{types.PresenceHandRaised, "false", nil, boolPtr(false), nil},
		{types.PresenceMuted, "maybe", nil, nil, map[string]string{"muted": "maybe"}},
		{types.PresenceEmotion, "focused", nil, nil, map[string]string{"emotion": "focused"}},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			u := PresenceFromKeyValue(tt.key, tt.value)
			if (u.Muted == nil) != (tt.muted == nil) || (u.Muted != nil && *u.Muted != *tt.muted) {
				t.Errorf("muted = %v", u.Muted)
			}
			if (u.HandRaised == nil) != (tt.hand == nil) || (u.HandRaised != nil && *u.HandRaised != *tt.hand) {
				t.Errorf("handRaised = %v", u.HandRaised)
			}
			for k, v := range tt.values {
				if u.Values[k] != v {
					t.Errorf("values[%s] = %q, want %q", k, u.Values[k], v)
				}
			}
		})
	}
}

func TestParticipants_LeaveReleasesStream(t *testing.T) {
	ps := NewParticipants()
	ps.Join("s1", JoinInfo{DisplayName: "Alice", Role: types.RoleAttendee})
	stream := &fakeStream{id: "remote-1"}
	ps.AttachStream("s1", stream)

	if _, ok := ps.Leave("s1"); !ok {
		t.Fatal("leave of known participant should succeed")
	}
	if stream.released != 1 {
		t.Errorf("expected stream released once, got %d", stream.released)
	}
	if _, ok := ps.Leave("s1"); ok {
		t.Error("second leave should be a no-op")
	}
}

func TestParticipants_AttachStreamReplaces(t *testing.T) {
	ps := NewParticipants()
	ps.Join("s1", JoinInfo{DisplayName: "Alice", Role: types.RoleAttendee})

	old, next := &fakeStream{id: "a"}, &fakeStream{id: "b"}
	ps.AttachStream("s1", old)
	ps.AttachStream("s1", old)
	if old.released != 0 {
		t.Error("re-attaching the same stream must not release it")
	}
	ps.AttachStream("s1", next)
	if old.released != 1 {
		t.Error("replaced stream should be released")
	}

	if _, ok := ps.AttachStream("nobody", &fakeStream{}); ok {
		t.Error("attach to unknown participant should fail")
	}
}

func TestParticipants_LocalStreamNeverReleased(t *testing.T) {
	ps := NewParticipants()
	ps.Join(types.LocalSessionID, JoinInfo{DisplayName: "Me", Role: types.RoleAttendee})
	local := &fakeStream{id: "cam"}
	ps.AttachStream(types.LocalSessionID, local)

	ps.Clear()
	if local.released != 0 {
		t.Error("local capture is owned by the caller and must not be released")
	}
}

func TestParticipants_ReleaseErrorReported(t *testing.T) {
	ps := NewParticipants()
	var reported string
	ps.onReleaseError = func(id string, err error) { reported = id }

	ps.Join("s1", JoinInfo{DisplayName: "Alice", Role: types.RoleAttendee})
	ps.AttachStream("s1", &fakeStream{err: errors.New("already gone")})
	ps.Leave("s1")

	if reported != "s1" {
		t.Errorf("release error not reported, got %q", reported)
	}
}

func TestParticipants_ListOrder(t *testing.T) {
	ps := NewParticipants()
	ps.now = fixedClock()

	ps.Join("c", JoinInfo{DisplayName: "C"})
	ps.Join("a", JoinInfo{DisplayName: "A"})
	ps.MergePresence("b", PresenceUpdate{Values: map[string]string{"emotion": "happy"}})

	list := ps.List()
	got := []string{list[0].SessionID, list[1].SessionID, list[2].SessionID}
	want := []string{"c", "a", "b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}

	// snapshots are detached
	list[0].DisplayName = "changed"
	if p, _ := ps.Get("c"); p.DisplayName != "C" {
		t.Error("List must return copies")
	}
}
