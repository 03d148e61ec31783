package metrics

import (
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/ethereum-optimism/infra/op-testlens/types"
)

func TestErrToLabel(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{
			name: "nil error",
			err:  nil,
		},
		{
			name: "simple error",
			err:  errors.New("test error"),
		},
		{
			name: "error with special chars",
			err:  errors.New("test@error#123"),
		},
		{
			name: "error with multiple spaces",
			err:  errors.New("test   error"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := errToLabel(tt.err)
			validLabelRegex := regexp.MustCompile(`[a-zA-Z_][a-zA-Z0-9_]*`)
			if !validLabelRegex.MatchString(result) {
				t.Errorf("errLabel() = %v, is not a valid Prometheus label", result)
			}
		})
	}
}

func TestRecordError(t *testing.T) {
	// just test that it doesn't panic
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("RecordError panic'd")
		}
	}()

	RecordError("test_error")
	RecordErrorDetails("test", nil)
	RecordErrorDetails("test", errors.New("sample error"))
}

func TestRecordFrames(t *testing.T) {
	before := testutil.ToFloat64(framesEmitted.WithLabelValues("testStarted"))
	RecordEmittedFrame("testStarted")
	RecordEmittedFrame("testStarted")
	assert.Equal(t, before+2, testutil.ToFloat64(framesEmitted.WithLabelValues("testStarted")))

	before = testutil.ToFloat64(framesMalformed)
	RecordMalformedFrame()
	assert.Equal(t, before+1, testutil.ToFloat64(framesMalformed))
}

func TestRecordTestResult(t *testing.T) {
	RecordTestResult("demo", types.KindGoTest, types.TestStatusPass)
	assert.Equal(t, 1.0, testutil.ToFloat64(testResults.WithLabelValues("demo", "gotest", "pass")))

	// running is not a final result and is ignored
	RecordTestResult("demo", types.KindGoTest, types.TestStatusRunning)
	assert.Equal(t, 0.0, testutil.ToFloat64(testResults.WithLabelValues("demo", "gotest", "running")))

	RecordRunDuration("demo", "run1", 1500*time.Millisecond)
	assert.Equal(t, 1.5, testutil.ToFloat64(runDuration.WithLabelValues("demo", "run1")))
}

func TestRecordDetectedKinds(t *testing.T) {
	RecordDetectedKinds("mixed", []types.FrameworkKind{types.KindTestify, types.KindGocheck})
	assert.Equal(t, 1.0, testutil.ToFloat64(detectedKinds.WithLabelValues("mixed", "testify")))
	assert.Equal(t, 1.0, testutil.ToFloat64(detectedKinds.WithLabelValues("mixed", "gocheck")))
	assert.Equal(t, 0.0, testutil.ToFloat64(detectedKinds.WithLabelValues("mixed", "gotest")))

	RecordDetectedKinds("mixed", []types.FrameworkKind{types.KindGoTest})
	assert.Equal(t, 0.0, testutil.ToFloat64(detectedKinds.WithLabelValues("mixed", "testify")))
	assert.Equal(t, 1.0, testutil.ToFloat64(detectedKinds.WithLabelValues("mixed", "gotest")))
}

func TestRecordMisc(t *testing.T) {
	RecordRunnerExit(types.KindTestify, -2)
	assert.Equal(t, 1.0, testutil.ToFloat64(runnerExits.WithLabelValues("testify", "-2")))
	RecordSearch("codelens", 0)
	RecordResolution("ok")
	RecordProbeFailure(types.KindGocheck)
	RecordDroppedFrame("transport")
	RecordDecodedFrame("testFinished")

	RecordCommand("resolve", 200)
	RecordCommand("resolve", 200)
	assert.Equal(t, 2.0, testutil.ToFloat64(commandsTotal.WithLabelValues("resolve", "200")))
}
