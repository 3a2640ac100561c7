package types

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExamID_UnmarshalAcceptsNumberAndString(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    ExamID
		wantErr bool
	}{
		{"number", `{"examId": 7}`, 7, false},
		{"numeric string", `{"examId": "22"}`, 22, false},
		{"null", `{"examId": null}`, 0, false},
		{"empty string", `{"examId": ""}`, 0, false},
		{"garbage", `{"examId": "abc"}`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req ExamRefRequest
			err := json.Unmarshal([]byte(tt.input), &req)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, req.ExamID)
		})
	}
}

func TestExamID_MarshalsAsNumber(t *testing.T) {
	data, err := json.Marshal(ExamRefPayload{ExamID: 7})
	require.NoError(t, err)
	assert.JSONEq(t, `{"examId":7}`, string(data))
}

func TestParseExamID(t *testing.T) {
	id, err := ParseExamID("17")
	require.NoError(t, err)
	assert.Equal(t, ExamID(17), id)

	_, err = ParseExamID("0")
	assert.Equal(t, ErrInvalidExamID, err)
	_, err = ParseExamID("x")
	assert.Equal(t, ErrInvalidExamID, err)
}

func TestExamStatus_Predicates(t *testing.T) {
	assert.True(t, StatusRunning.IsLive())
	assert.True(t, StatusWarned.IsLive())
	assert.False(t, StatusEnded.IsLive())
	assert.True(t, StatusEnded.IsTerminalRun())
	assert.True(t, StatusStopped.IsTerminalRun())
	assert.False(t, StatusFinished.IsTerminalRun())
	assert.True(t, IsValidExamStatus("warned"))
	assert.False(t, IsValidExamStatus("published"))
}

func TestPresenceStatus_Sticky(t *testing.T) {
	assert.True(t, PresenceCheating.IsSticky())
	assert.True(t, PresenceFinalized.IsSticky())
	assert.False(t, PresenceOnline.IsSticky())
	assert.False(t, PresenceOffline.IsSticky())
	assert.False(t, PresenceNoNetwork.IsSticky())
}

func TestExamSession_TimeLeftClampsToZero(t *testing.T) {
	now := time.Now()
	end := now.Add(-time.Second)
	s := &ExamSession{ExamID: 1, Status: StatusRunning, EndAt: &end}
	assert.Equal(t, time.Duration(0), s.TimeLeft(now))

	end = now.Add(90 * time.Second)
	assert.Equal(t, 90*time.Second, s.TimeLeft(now))

	s.EndAt = nil
	assert.Equal(t, time.Duration(0), s.TimeLeft(now))
}

func TestParticipant_RosterEntryFallbacks(t *testing.T) {
	p := &Participant{PersonID: "24003", ExamID: 17, Status: PresenceOnline, LastSeenAt: time.UnixMilli(1000)}
	entry := p.RosterEntry()
	assert.Equal(t, "24003", entry.Matricule)
	assert.Equal(t, "24003", entry.Name)
	assert.Equal(t, int64(1000), entry.LastSeen)

	p.Matricule = "M-1"
	p.DisplayName = "Aminetou"
	entry = p.RosterEntry()
	assert.Equal(t, "M-1", entry.Matricule)
	assert.Equal(t, "Aminetou", entry.Name)
}

func TestParticipant_CloneIsIndependent(t *testing.T) {
	p := &Participant{PersonID: "s1", History: []HistoryEntry{{Type: "join"}}}
	c := p.Clone()
	c.History[0].Type = "changed"
	c.History = append(c.History, HistoryEntry{Type: "extra"})
	assert.Equal(t, "join", p.History[0].Type)
	assert.Len(t, p.History, 1)
}

func TestHistoryEntry_MarshalsMillis(t *testing.T) {
	data, err := json.Marshal(HistoryEntry{At: time.UnixMilli(1234), Type: "cheat", Message: "tab"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"at":1234,"type":"cheat","message":"tab"}`, string(data))
}

func TestRosterEntry_HistoryRoundTrip(t *testing.T) {
	at := time.UnixMilli(1700000000123)
	entry := RosterEntry{
		StudentID: "s1",
		Matricule: "24003",
		Status:    PresenceCheating,
		History:   []HistoryEntry{{At: at, Type: "cheat", Message: "tab-switch"}, {Type: "joined"}},
	}
	data, err := json.Marshal([]RosterEntry{entry})
	require.NoError(t, err)

	var got []RosterEntry
	require.NoError(t, json.Unmarshal(data, &got))
	require.Len(t, got, 1)
	require.Len(t, got[0].History, 2)
	assert.True(t, at.Equal(got[0].History[0].At))
	assert.Equal(t, "tab-switch", got[0].History[0].Message)
	assert.True(t, got[0].History[1].At.IsZero())

	var bad HistoryEntry
	assert.Error(t, json.Unmarshal([]byte(`{"at":"yesterday"}`), &bad))
}

func TestDecodePayload(t *testing.T) {
	var start StartExamRequest
	require.NoError(t, DecodePayload(json.RawMessage(`{"examId":"7","durationMin":1}`), &start))
	assert.Equal(t, ExamID(7), start.ExamID)
	assert.Equal(t, 1.0, start.DurationMin)

	var missing StartExamRequest
	err := DecodePayload(nil, &missing)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "examId", verr.Fields[0].Field)

	var cheat CheatAlertRequest
	err = DecodePayload(json.RawMessage(`{"examId":3}`), &cheat)
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "type", verr.Fields[0].Field)

	var bad ExamRefRequest
	err = DecodePayload(json.RawMessage(`{not json`), &bad)
	assert.Equal(t, ErrMalformed, errors.Cause(err))
}

func TestDecodePayload_RejectsUnknownRole(t *testing.T) {
	var join JoinExamRequest
	err := DecodePayload(json.RawMessage(`{"examId":1,"role":"admin"}`), &join)
	assert.Error(t, err)
}

func TestIdentity_Validate(t *testing.T) {
	tests := []struct {
		name    string
		id      Identity
		wantErr error
	}{
		{"student", Identity{PersonID: "24003", Role: RoleStudent}, nil},
		{"professor with dot", Identity{PersonID: "prof.ali", Role: RoleProfessor}, nil},
		{"empty person", Identity{Role: RoleStudent}, ErrInvalidPersonID},
		{"too long", Identity{PersonID: strings.Repeat("a", 51), Role: RoleStudent}, ErrInvalidPersonID},
		{"spaces", Identity{PersonID: "a b", Role: RoleStudent}, ErrInvalidPersonID},
		{"bad role", Identity{PersonID: "x", Role: "admin"}, ErrInvalidRole},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantErr, tt.id.Validate())
		})
	}
}

func TestAsCommandError(t *testing.T) {
	ce := NewCommandError(CodeUnauthorized, "not the owner", errors.New("denied"))
	wrapped := errors.Wrap(ce, "start-exam")
	got := AsCommandError(wrapped)
	assert.Equal(t, CodeUnauthorized, got.Code)

	got = AsCommandError(errors.New("boom"))
	assert.Equal(t, CodeInternal, got.Code)
}

func TestAlertEvent_Payload(t *testing.T) {
	a := AlertEvent{Kind: AlertCheatAttempt, Level: LevelDanger, Message: "m", ExamID: 4, StudentRef: "s", Timestamp: time.UnixMilli(99)}
	p := a.Payload()
	assert.Equal(t, AlertPayload{Type: AlertCheatAttempt, Message: "m", Level: LevelDanger, ExamID: 4, StudentID: "s", At: 99}, p)
}
