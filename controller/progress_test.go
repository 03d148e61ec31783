package controller

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ethereum-optimism/infra/op-testlens/types"
)

func TestFormatRunningTests(t *testing.T) {
	now := time.Now()
	running := map[string]time.Time{
		"TestSlow":   now.Add(-3 * time.Minute),
		"TestMedium": now.Add(-2 * time.Minute),
		"TestFast":   now.Add(-1 * time.Minute),
		"TestNew":    now,
	}

	out := formatRunningTests(running, 2)
	assert.Equal(t, "TestSlow (3m0s), TestMedium (2m0s), +2 more", out)
	assert.Empty(t, formatRunningTests(nil, 3))
}

func TestConsoleProgressIndicator(t *testing.T) {
	p := NewConsoleProgressIndicator(testLogger(), time.Hour).(*consoleProgressIndicator)
	defer p.Stop()

	p.StartSuite("pkg")
	p.StartTest("TestA")
	p.StartTest("TestB")
	p.UpdateTest("TestA", types.TestStatusPass)
	p.UpdateTest("TestB", types.TestStatusFail)
	p.CompleteSuite("pkg")

	assert.Equal(t, 2, p.completedTests)
	assert.Equal(t, 1, p.failedTests)
	assert.Empty(t, p.runningTests)
	assert.Empty(t, p.suiteStarts)

	p.Stop()
	p.Stop()
}
