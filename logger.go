package mealsnap

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// StageLogger records what each pipeline stage did during a run.
type StageLogger interface {
	LogStage(stage StageLog) error
}

// NewStageLogFilePath returns a file path keyed by time and pipeline version so runs under different
// model versions are easy to tell apart.
func NewStageLogFilePath(pipelineVersion string) string {
	return fmt.Sprintf(
		"./logs/%d.%s.json",
		time.Now().Unix(),
		strings.ReplaceAll(strings.ToLower(pipelineVersion), ":", "_"),
	)
}

// StageLog is one stage of one analysis run.
type StageLog struct {
	RunID      string         `json:"run_id"`
	Stage      string         `json:"stage"`
	Digest     ImageDigest    `json:"digest,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	DurationMS int64          `json:"duration_ms"`
	Attrs      map[string]any `json:"attrs,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// FileStageLogger accumulates stages and writes them as one document on Flush.
type FileStageLogger struct {
	mu     sync.Mutex
	stages []StageLog
	writer io.Writer
}

func NewFileStageLogger(writer io.Writer) *FileStageLogger {
	return &FileStageLogger{
		stages: make([]StageLog, 0),
		writer: writer,
	}
}

// LogStage buffers the stage (does not flush immediately)
func (l *FileStageLogger) LogStage(stage StageLog) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stages = append(l.stages, stage)
	return nil
}

// Flush writes all buffered stages to the writer
func (l *FileStageLogger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writer == nil {
		return nil
	}

	data, err := json.MarshalIndent(map[string]any{
		"analysis_session": map[string]any{
			"timestamp": time.Now(),
			"stages":    l.stages,
		},
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal stage log: %w", err)
	}

	if _, err := l.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write stage log: %w", err)
	}

	l.stages = l.stages[:0]
	return nil
}

type NoOpStageLogger struct{}

func NewNoOpStageLogger() *NoOpStageLogger {
	return &NoOpStageLogger{}
}

func (nop *NoOpStageLogger) LogStage(stage StageLog) error {
	return nil
}

// StdoutStageLogger writes each stage as a JSON line (for Lambda/CloudWatch)
type StdoutStageLogger struct {
	mu sync.Mutex
	w  io.Writer
}

func NewStdoutStageLogger() *StdoutStageLogger {
	return &StdoutStageLogger{w: os.Stdout}
}

func (l *StdoutStageLogger) LogStage(stage StageLog) error {
	data, err := json.Marshal(stage)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = fmt.Fprintln(l.w, string(data))
	return err
}
