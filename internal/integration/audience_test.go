package integration

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctorhub/pkg/types"
)

func TestExamDay_ProfessorsOnlySeeTheirOwnExams(t *testing.T) {
	s := startSystem(t,
		&types.Exam{Titre: "Compilers", Status: types.StatusLaunched, ProfessorID: "prof1", RoomNumber: "A101"},
		&types.Exam{Titre: "Databases", Status: types.StatusLaunched, ProfessorID: "prof2", RoomNumber: "B202"},
	)
	first, second := s.exams[0].ID, s.exams[1].ID

	prof1 := dialClient(t, s.url, "prof1", types.RoleProfessor, "")
	prof2 := dialClient(t, s.url, "prof2", types.RoleProfessor, "")

	carol := dialClient(t, s.url, "carol", types.RoleStudent, "24010")
	carol.send(types.EventJoinExam, types.JoinExamRequest{ExamID: first})
	prof1.waitFor(types.EventStudentConnected, 2*time.Second)

	carol.send(types.EventCheatAlert, types.CheatAlertRequest{ExamID: first, Type: "tab-switch"})
	var cheat types.CheatAlertPayload
	prof1.decode(types.EventCheatAlert, 2*time.Second, &cheat)
	assert.Equal(t, first, cheat.ExamID)

	dan := dialClient(t, s.url, "dan", types.RoleStudent, "24011")
	dan.send(types.EventJoinExam, types.JoinExamRequest{ExamID: second})
	prof2.waitFor(types.EventStudentConnected, 2*time.Second)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, prof2.count(types.EventCheatAlert))
	assert.Equal(t, 1, prof2.count(types.EventStudentConnected))
	assert.Equal(t, 1, prof1.count(types.EventStudentConnected))

	// a professor watching the room of the first exam sees its roster
	watcher := dialClient(t, s.url, "prof3", types.RoleProfessor, "")
	watcher.send(types.EventProfessorJoin, types.ProfessorJoinRequest{RoomNumber: "A101"})
	var roster []types.RosterEntry
	watcher.decode(types.EventUpdateStudentList, 2*time.Second, &roster)
	require.Len(t, roster, 1)
	assert.Equal(t, "24010", roster[0].Matricule)
	assert.Equal(t, types.PresenceCheating, roster[0].Status)
}

func TestExamDay_LateJoinerMatchesProfessorCountdown(t *testing.T) {
	s := startSystem(t, &types.Exam{Titre: "Networks", Status: types.StatusLaunched, ProfessorID: "prof1", RoomNumber: "C3"})
	examID := s.exams[0].ID

	prof := dialClient(t, s.url, "prof1", types.RoleProfessor, "")
	prof.send(types.EventStartExam, types.StartExamRequest{ExamID: examID, DurationMin: 1})
	var started types.ExamStartedPayload
	prof.decode(types.EventExamStarted, 2*time.Second, &started)
	prof.waitFor(types.EventExamTick, 2*time.Second)

	late := dialClient(t, s.url, "erin", types.RoleStudent, "24020")
	raw, ok := late.latest(types.EventInitialSync)
	require.True(t, ok)
	var initial types.InitialSyncPayload
	require.NoError(t, json.Unmarshal(raw, &initial))
	require.Len(t, initial.ActiveExams, 1)
	assert.Equal(t, examID, initial.ActiveExams[0].ExamID)
	assert.Equal(t, started.EndAt, initial.ActiveExams[0].EndAt)

	late.send(types.EventJoinExam, types.JoinExamRequest{ExamID: examID})
	var tick types.ExamTickPayload
	late.decode(types.EventExamTick, 2*time.Second, &tick)
	assert.Equal(t, started.EndAt, tick.EndAt)
	assert.Positive(t, tick.TimeLeft)
}
