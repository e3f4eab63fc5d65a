// Package batch fans a file glob out into one workflow with one task per
// matched file, layered purely over the workflow manager.
package batch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/gleitzeit/gleitzeit/core"
	"github.com/gleitzeit/gleitzeit/workflow"
)

// Request describes one batch run: which files to process and how each
// file becomes a task.
type Request struct {
	// Name labels the generated workflow. Optional.
	Name string

	// Directory is the root the pattern is matched under.
	Directory string

	// Pattern is a doublestar glob relative to Directory, e.g.
	// "reports/**/*.txt".
	Pattern string

	// Protocol and Method are applied to every file task.
	Protocol string
	Method   string

	// Prompt, when set, builds chat-style params for each file:
	// {model, messages: [{role: user, content: prompt + "\n\n" + file}]}.
	Prompt string

	// Model accompanies Prompt in chat-style params.
	Model string

	// Params, when Prompt is empty, is cloned per file with "file" and
	// "content" keys added.
	Params map[string]interface{}

	// Aggregator, when set, is appended as a final task depending on
	// every file task. Its params may reference file tasks by name.
	Aggregator *core.Task

	// Priority applies to every generated task. Defaults to normal.
	Priority core.Priority
}

// FileOutcome is the per-file slot of a batch result.
type FileOutcome struct {
	Status  core.TaskStatus `json:"status"`
	Content interface{}     `json:"content,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// BatchResult summarizes one batch run.
type BatchResult struct {
	WorkflowID string                 `json:"workflow_id"`
	Total      int                    `json:"total"`
	Successful int                    `json:"successful"`
	Failed     int                    `json:"failed"`
	Duration   time.Duration          `json:"duration"`
	Results    map[string]FileOutcome `json:"results"`
}

// Processor runs batch requests through a workflow manager.
type Processor struct {
	manager *workflow.Manager
	logger  core.Logger
}

// NewProcessor creates a batch processor.
func NewProcessor(manager *workflow.Manager, logger core.Logger) *Processor {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Processor{manager: manager, logger: logger}
}

// Process matches files, builds the fan-out workflow, runs it to
// completion and collects per-file outcomes. The workflow uses the
// continue error strategy so one bad file does not stop the rest.
func (p *Processor) Process(ctx context.Context, req *Request) (*BatchResult, error) {
	files, err := p.matchFiles(req)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, core.Errorf(core.CodeValidation, "pattern %q matched no files under %s", req.Pattern, req.Directory)
	}

	wf, fileTasks, err := p.buildWorkflow(req, files)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	id, err := p.manager.Submit(ctx, wf)
	if err != nil {
		return nil, err
	}
	p.logger.Info("Batch submitted", map[string]interface{}{
		"workflow_id": id,
		"files":       len(files),
		"pattern":     req.Pattern,
	})

	if _, err := p.manager.Wait(ctx, id); err != nil {
		return nil, err
	}
	tasks, err := p.manager.ListTasks(ctx, id)
	if err != nil {
		return nil, err
	}

	result := &BatchResult{
		WorkflowID: id,
		Total:      len(fileTasks),
		Duration:   time.Since(start),
		Results:    make(map[string]FileOutcome, len(fileTasks)),
	}
	byID := make(map[string]*core.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	for file, taskID := range fileTasks {
		t := byID[taskID]
		if t == nil {
			continue
		}
		outcome := FileOutcome{Status: t.Status}
		switch t.Status {
		case core.TaskStatusCompleted:
			result.Successful++
			outcome.Content = t.Result
		default:
			result.Failed++
			if t.Error != nil {
				outcome.Error = t.Error.Error()
			}
		}
		result.Results[file] = outcome
	}
	return result, nil
}

func (p *Processor) matchFiles(req *Request) ([]string, error) {
	if req.Directory == "" {
		return nil, core.Errorf(core.CodeValidation, "batch request requires a directory")
	}
	if req.Pattern == "" {
		return nil, core.Errorf(core.CodeValidation, "batch request requires a pattern")
	}
	matches, err := doublestar.Glob(os.DirFS(req.Directory), req.Pattern)
	if err != nil {
		return nil, core.WrapError(core.CodeValidation, fmt.Sprintf("bad glob pattern %q", req.Pattern), err)
	}

	var files []string
	for _, m := range matches {
		info, err := fs.Stat(os.DirFS(req.Directory), m)
		if err != nil || info.IsDir() {
			continue
		}
		files = append(files, m)
	}
	sort.Strings(files)
	return files, nil
}

// buildWorkflow returns the fan-out workflow and a file → task id map.
func (p *Processor) buildWorkflow(req *Request, files []string) (*core.Workflow, map[string]string, error) {
	name := req.Name
	if name == "" {
		name = "batch " + req.Pattern
	}
	wf := &core.Workflow{
		Name:          name,
		ErrorStrategy: core.ErrorStrategyContinue,
	}

	fileTasks := make(map[string]string, len(files))
	var taskNames []string
	for _, file := range files {
		content, err := os.ReadFile(filepath.Join(req.Directory, file))
		if err != nil {
			return nil, nil, core.WrapError(core.CodeValidation, fmt.Sprintf("reading %s", file), err)
		}
		t := &core.Task{
			ID:       core.NewID(),
			Name:     file,
			Protocol: req.Protocol,
			Method:   req.Method,
			Params:   p.fileParams(req, file, string(content)),
			Priority: req.Priority,
		}
		wf.Tasks = append(wf.Tasks, t)
		fileTasks[file] = t.ID
		taskNames = append(taskNames, t.Name)
	}

	if req.Aggregator != nil {
		agg := *req.Aggregator
		if agg.Name == "" {
			agg.Name = "aggregate"
		}
		agg.Dependencies = append(append([]string(nil), agg.Dependencies...), taskNames...)
		wf.Tasks = append(wf.Tasks, &agg)
	}
	return wf, fileTasks, nil
}

func (p *Processor) fileParams(req *Request, file, content string) map[string]interface{} {
	if req.Prompt != "" {
		return map[string]interface{}{
			"model": req.Model,
			"messages": []interface{}{
				map[string]interface{}{
					"role":    "user",
					"content": req.Prompt + "\n\n" + content,
				},
			},
		}
	}
	params := make(map[string]interface{}, len(req.Params)+2)
	for k, v := range req.Params {
		params[k] = v
	}
	params["file"] = file
	params["content"] = content
	return params
}
