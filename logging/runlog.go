// Package logging keeps the artifacts of a test run on disk: the raw lifecycle
// stream, a JSON summary and one log per failed test.
package logging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/acarl005/stripansi"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ethereum-optimism/infra/op-testlens/controller"
	"github.com/ethereum-optimism/infra/op-testlens/protocol"
	"github.com/ethereum-optimism/infra/op-testlens/reporting"
	"github.com/ethereum-optimism/infra/op-testlens/types"
)

const (
	RunDirectoryPrefix = "testrun-"
	MessagesFilename   = "messages.log"
	SummaryFilename    = "summary.json"
	FailedDirectory    = "failed"
)

// AsyncFile queues writes to a file on a background goroutine
type AsyncFile struct {
	file    *os.File
	queue   chan []byte
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
	err     error // first write error
}

// NewAsyncFile creates the file and starts its writer
func NewAsyncFile(path string) (*AsyncFile, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create file %s: %w", path, err)
	}
	af := &AsyncFile{
		file:  file,
		queue: make(chan []byte, 100),
	}
	af.wg.Add(1)
	go af.processQueue()
	return af, nil
}

// Write queues a copy of data
func (af *AsyncFile) Write(data []byte) error {
	af.mu.Lock()
	defer af.mu.Unlock()
	if af.stopped {
		return errors.New("async file is closed")
	}
	af.queue <- append([]byte(nil), data...)
	return nil
}

func (af *AsyncFile) processQueue() {
	defer af.wg.Done()
	for data := range af.queue {
		if _, err := af.file.Write(data); err != nil && af.err == nil {
			af.err = err
		}
	}
}

// Close drains the queue and closes the file. It returns the first write error.
func (af *AsyncFile) Close() error {
	af.mu.Lock()
	if !af.stopped {
		af.stopped = true
		close(af.queue)
	}
	af.mu.Unlock()

	af.wg.Wait()
	return errors.Join(af.err, af.file.Close())
}

// RunLog writes the artifacts of one run under <baseDir>/testrun-<runID>
type RunLog struct {
	log      log.Logger
	dir      string
	messages *AsyncFile
}

// NewRunLog creates the run directory and opens the message log
func NewRunLog(baseDir, runID string, logger log.Logger) (*RunLog, error) {
	if runID == "" {
		return nil, errors.New("runID cannot be empty")
	}
	if baseDir == "" {
		return nil, errors.New("baseDir cannot be empty")
	}
	if logger == nil {
		logger = log.New()
	}

	dir := filepath.Join(baseDir, RunDirectoryPrefix+runID)
	if err := os.MkdirAll(filepath.Join(dir, FailedDirectory), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	messages, err := NewAsyncFile(filepath.Join(dir, MessagesFilename))
	if err != nil {
		return nil, err
	}
	return &RunLog{log: logger, dir: dir, messages: messages}, nil
}

// Dir returns the run directory
func (r *RunLog) Dir() string {
	return r.dir
}

// OnMessage appends a lifecycle message to the message log in its wire encoding.
// It fits controller.SpawnConfig.OnMessage.
func (r *RunLog) OnMessage(m protocol.Message) {
	frame, err := protocol.Encode(m)
	if err != nil {
		r.log.Warn("Failed to encode message for the run log", "type", m.Type, "err", err)
		return
	}
	if err := r.messages.Write(frame); err != nil {
		r.log.Warn("Failed to write run log", "err", err)
	}
}

// Complete closes the message log and writes the summary and the failure logs
func (r *RunLog) Complete(run *controller.Run) error {
	result := r.messages.Close()

	summary, err := reporting.JSON(reporting.NewRunSummary(run))
	if err != nil {
		return errors.Join(result, err)
	}
	if err := os.WriteFile(filepath.Join(r.dir, SummaryFilename), []byte(summary), 0644); err != nil {
		result = errors.Join(result, fmt.Errorf("failed to write summary: %w", err))
	}

	for _, res := range run.Results {
		if res.Status != types.TestStatusFail && res.Status != types.TestStatusError {
			continue
		}
		path := filepath.Join(r.dir, FailedDirectory, FailureFilename(res))
		if err := os.WriteFile(path, []byte(failureLog(res)), 0644); err != nil {
			result = errors.Join(result, fmt.Errorf("failed to write failure log: %w", err))
		}
	}

	r.log.Info("Wrote run log", "dir", r.dir)
	return result
}

// FailureFilename names the log of a failed test after its suite and name
func FailureFilename(res *types.TestResult) string {
	name := res.Name
	if res.Suite != "" && !strings.HasPrefix(name, res.Suite+"/") {
		name = res.Suite + "." + name
	}
	return safeFilename(name) + ".log"
}

func failureLog(res *types.TestResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Test: %s\n", res.Name)
	if res.Suite != "" {
		fmt.Fprintf(&b, "Suite: %s\n", res.Suite)
	}
	if res.Location != "" {
		fmt.Fprintf(&b, "Location: %s\n", res.Location)
	}
	fmt.Fprintf(&b, "Status: %s\n", res.Status)
	fmt.Fprintf(&b, "Duration: %s\n", res.Duration)
	if res.Message != "" {
		fmt.Fprintf(&b, "\n%s\n", stripansi.Strip(res.Message))
	}
	if res.Trace != "" {
		fmt.Fprintf(&b, "\n%s\n", stripansi.Strip(res.Trace))
	}
	return b.String()
}

var filenameReplacer = strings.NewReplacer(
	"/", "_", "\\", "_", ":", "_", "*", "_", "?", "_",
	"\"", "_", "<", "_", ">", "_", "|", "_", " ", "_",
	"...", "",
)

func safeFilename(s string) string {
	return filenameReplacer.Replace(s)
}
