package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-testlens/controller"
	"github.com/ethereum-optimism/infra/op-testlens/protocol"
	"github.com/ethereum-optimism/infra/op-testlens/types"
)

func TestNewRunLog_Validation(t *testing.T) {
	_, err := NewRunLog(t.TempDir(), "", nil)
	assert.Error(t, err)

	_, err = NewRunLog("", "run-1", nil)
	assert.Error(t, err)
}

func TestRunLog(t *testing.T) {
	base := t.TempDir()
	rl, err := NewRunLog(base, "run-1", log.NewLogger(log.DiscardHandler()))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "testrun-run-1"), rl.Dir())

	msgs := []protocol.Message{
		protocol.ReporterAttached(),
		protocol.TestStarted("TestGet", "gotest://store/TestGet"),
		protocol.TestFailed("TestGet", 5*time.Millisecond, "\x1b[31mexpected 1, got 2\x1b[0m", "store_test.go:12"),
		protocol.TestFinished("TestGet", 5*time.Millisecond),
	}
	for _, m := range msgs {
		rl.OnMessage(m)
	}
	// unknown types are skipped, not written
	rl.OnMessage(protocol.Message{Type: "bogus"})

	run := controller.NewRun("demo", types.KindGoTest)
	run.ID = "run-1"
	run.Results = []*types.TestResult{
		{Name: "TestGet", Status: types.TestStatusFail, Message: "\x1b[31mexpected 1, got 2\x1b[0m", Trace: "store_test.go:12"},
		{Name: "TestPut", Status: types.TestStatusPass},
		{Name: "TestSuite/with space", Suite: "StoreSuite", Status: types.TestStatusError, Message: "panic"},
	}
	require.NoError(t, rl.Complete(run))

	raw, err := os.ReadFile(filepath.Join(rl.Dir(), MessagesFilename))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(raw), "\n"), "\n")
	require.Len(t, lines, len(msgs))
	for i, line := range lines {
		got, err := protocol.Decode([]byte(line))
		require.NoError(t, err)
		assert.Equal(t, msgs[i].Type, got.Type)
	}

	summary, err := os.ReadFile(filepath.Join(rl.Dir(), SummaryFilename))
	require.NoError(t, err)
	var decoded struct {
		RunID string `json:"runId"`
		Stats struct {
			Total  int `json:"total"`
			Failed int `json:"failed"`
		} `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(summary, &decoded))
	assert.Equal(t, "run-1", decoded.RunID)
	assert.Equal(t, 3, decoded.Stats.Total)
	assert.Equal(t, 1, decoded.Stats.Failed)

	failed, err := os.ReadDir(filepath.Join(rl.Dir(), FailedDirectory))
	require.NoError(t, err)
	require.Len(t, failed, 2)

	content, err := os.ReadFile(filepath.Join(rl.Dir(), FailedDirectory, "TestGet.log"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "expected 1, got 2")
	assert.NotContains(t, string(content), "\x1b[")

	_, err = os.Stat(filepath.Join(rl.Dir(), FailedDirectory, "StoreSuite.TestSuite_with_space.log"))
	assert.NoError(t, err)

	// writes after Complete are dropped
	rl.OnMessage(protocol.ReporterAttached())
}

func TestFailureFilename(t *testing.T) {
	tests := []struct {
		name   string
		result types.TestResult
		want   string
	}{
		{name: "plain", result: types.TestResult{Name: "TestGet"}, want: "TestGet.log"},
		{name: "suite method", result: types.TestResult{Name: "TestGet", Suite: "StoreSuite"}, want: "StoreSuite.TestGet.log"},
		{name: "subtest of suite", result: types.TestResult{Name: "StoreSuite/case", Suite: "StoreSuite"}, want: "StoreSuite_case.log"},
		{name: "unsafe characters", result: types.TestResult{Name: `Test<a>:b|c?"d"*`}, want: "Test_a__b_c__d__.log"},
		{name: "ellipsis", result: types.TestResult{Name: "Test..."}, want: "Test.log"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FailureFilename(&tt.result))
		})
	}
}

func TestAsyncFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	af, err := NewAsyncFile(path)
	require.NoError(t, err)

	buf := []byte("first\n")
	require.NoError(t, af.Write(buf))
	buf[0] = 'X'
	require.NoError(t, af.Write([]byte("second\n")))
	require.NoError(t, af.Close())
	assert.Error(t, af.Write([]byte("late\n")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond\n", string(data))

	_, err = NewAsyncFile(filepath.Join(t.TempDir(), "missing", "out.log"))
	assert.Error(t, err)
}
