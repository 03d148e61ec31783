package metrics

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum-optimism/infra/op-testlens/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	MetricsNamespace = "testlens"
)

var (
	Debug                bool = true
	validResults              = []types.TestStatus{types.TestStatusPass, types.TestStatusFail, types.TestStatusSkip, types.TestStatusError}
	nonAlphanumericRegex      = regexp.MustCompile(`[^a-zA-Z ]+`)

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	framesEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "frames_emitted_total",
		Help:      "Lifecycle frames written by the runner",
	}, []string{
		"type",
	})

	framesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "frames_dropped_total",
		Help:      "Lifecycle frames the runner could not deliver",
	}, []string{
		"sink",
	})

	framesDecoded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "frames_decoded_total",
		Help:      "Lifecycle frames decoded by the controller",
	}, []string{
		"type",
	})

	framesMalformed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "frames_malformed_total",
		Help:      "Frames the controller dropped because they did not decode",
	})

	runnerExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "runner_exits_total",
		Help:      "Test runner process exits by framework kind and exit code",
	}, []string{
		"kind",
		"exit_code",
	})

	testResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "test_results_total",
		Help:      "Individual test outcomes reconstructed from the stream",
	}, []string{
		"project",
		"kind",
		"result",
	})

	runDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_duration_seconds",
		Help:      "Duration of the last run of a project",
	}, []string{
		"project",
		"run_id",
	})

	searchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "searches_total",
		Help:      "Tree searches by query and whether anything matched",
	}, []string{
		"query",
		"matched",
	})

	resolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "launch_resolutions_total",
		Help:      "Launch argument resolutions by status",
	}, []string{
		"status",
	})

	commandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "commands_total",
		Help:      "Commands served over HTTP by command and HTTP status code",
	}, []string{
		"command",
		"code",
	})

	probeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "framework_probe_failures_total",
		Help:      "Framework kind probes that failed and were treated as absent",
	}, []string{
		"kind",
	})

	detectedKinds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "detected_kinds",
		Help:      "Framework kinds currently detected per project",
	}, []string{
		"project",
		"kind",
	})
)

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

func RecordError(error string) {
	if Debug {
		log.Debug("metric inc",
			"m", "errors_total",
			"error", error,
		)
	}
	errorsTotal.WithLabelValues(error).Inc()
}

// RecordErrorDetails concats the error message to the label
// and also tries to clean the label to be a valid Prometheus label
func RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	label = fmt.Sprintf("%s.%s", label, errToLabel(err))
	RecordError(label)
}

func RecordEmittedFrame(msgType string) {
	framesEmitted.WithLabelValues(msgType).Inc()
}

func RecordDroppedFrame(sink string) {
	framesDropped.WithLabelValues(sink).Inc()
}

func RecordDecodedFrame(msgType string) {
	framesDecoded.WithLabelValues(msgType).Inc()
}

func RecordMalformedFrame() {
	if Debug {
		log.Debug("metric inc", "m", "frames_malformed_total")
	}
	framesMalformed.Inc()
}

func RecordRunnerExit(kind types.FrameworkKind, exitCode int) {
	runnerExits.WithLabelValues(string(kind), strconv.Itoa(exitCode)).Inc()
}

func RecordTestResult(project string, kind types.FrameworkKind, result types.TestStatus) {
	if !isValidResult(result) {
		log.Error("RecordTestResult - invalid result", "result", result)
		return
	}
	if Debug {
		log.Debug("metric inc",
			"m", "test_results_total",
			"project", project,
			"kind", kind,
			"result", result)
	}
	testResults.WithLabelValues(project, string(kind), string(result)).Inc()
}

func RecordRunDuration(project string, runID string, duration time.Duration) {
	runDuration.WithLabelValues(project, runID).Set(duration.Seconds())
}

func RecordSearch(query string, matches int) {
	searchesTotal.WithLabelValues(query, strconv.FormatBool(matches > 0)).Inc()
}

func RecordResolution(status string) {
	resolutionsTotal.WithLabelValues(status).Inc()
}

func RecordCommand(command string, code int) {
	commandsTotal.WithLabelValues(command, strconv.Itoa(code)).Inc()
}

func RecordProbeFailure(kind types.FrameworkKind) {
	probeFailures.WithLabelValues(string(kind)).Inc()
}

// RecordDetectedKinds replaces the detected kinds of a project
func RecordDetectedKinds(project string, kinds []types.FrameworkKind) {
	for _, k := range types.FrameworkKinds {
		v := 0.0
		if slices.Contains(kinds, k) {
			v = 1
		}
		detectedKinds.WithLabelValues(project, string(k)).Set(v)
	}
}

func isValidResult(result types.TestStatus) bool {
	return slices.Contains(validResults, result)
}
