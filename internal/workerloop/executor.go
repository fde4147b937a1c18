package workerloop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/halbzeit/reviewqueue/internal/logger"
	"github.com/halbzeit/reviewqueue/pkg/client"
)

// Reporter streams a step update back to the Dispatcher for a single task.
// An Analyser calls it as often as it has something worth telling the
// review UI (spec §4.3 Progress Tracking).
type Reporter func(percent int, stepName, message string, stepData json.RawMessage)

// Analyser performs the actual PDF/deck analysis for one task kind. The
// vision/LLM work itself is out of scope here (spec §1 Non-goals); this is
// the seam a concrete analyser plugs into.
type Analyser func(ctx context.Context, t *client.TaskStatus, report Reporter) (resultPath string, resultMetadata json.RawMessage, err error)

// Executor runs a task's Analyser with panic recovery, mirroring the
// claim-execute-complete cycle of spec §4.7.
type Executor struct {
	analysers map[string]Analyser
}

func NewExecutor(analysers map[string]Analyser) *Executor {
	if analysers == nil {
		analysers = make(map[string]Analyser)
	}
	return &Executor{analysers: analysers}
}

func (e *Executor) Register(kind string, a Analyser) {
	e.analysers[kind] = a
}

func (e *Executor) HasAnalyser(kind string) bool {
	_, ok := e.analysers[kind]
	return ok
}

var ErrAnalyserNotFound = errors.New("workerloop: no analyser registered for task kind")

// Execute runs the analyser registered for t.Kind, converting panics to
// errors so one bad task never takes down the worker process.
func (e *Executor) Execute(ctx context.Context, t *client.TaskStatus, report Reporter) (resultPath string, resultMetadata json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Int64("task_id", t.ID).
				Str("kind", t.Kind).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("analyser panicked")
			err = fmt.Errorf("analyser panicked: %v", r)
		}
	}()

	a, ok := e.analysers[t.Kind]
	if !ok {
		return "", nil, ErrAnalyserNotFound
	}

	log := logger.WithTask(t.ID)
	log.Debug().Str("kind", t.Kind).Int("attempt", t.Attempts).Msg("executing analyser")

	start := time.Now()
	resultPath, resultMetadata, err = a(ctx, t, report)
	duration := time.Since(start)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			log.Warn().Dur("duration", duration).Msg("analyser timed out")
			return "", nil, ErrAnalyserTimeout
		}
		if errors.Is(err, context.Canceled) {
			log.Warn().Dur("duration", duration).Msg("analyser canceled")
			return "", nil, ErrAnalyserCanceled
		}
		log.Error().Err(err).Dur("duration", duration).Msg("analyser failed")
		return "", nil, err
	}

	log.Debug().Dur("duration", duration).Msg("analyser succeeded")
	return resultPath, resultMetadata, nil
}

var (
	ErrAnalyserTimeout  = errors.New("workerloop: analyser timed out")
	ErrAnalyserCanceled = errors.New("workerloop: analyser canceled")
)
