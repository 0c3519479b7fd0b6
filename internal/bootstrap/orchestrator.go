package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	agentmodels "github.com/kokino/kokino/internal/agent/models"
	"github.com/kokino/kokino/internal/common/config"
	apperrors "github.com/kokino/kokino/internal/common/errors"
	"github.com/kokino/kokino/internal/common/logger"
	"github.com/kokino/kokino/internal/events"
	"github.com/kokino/kokino/internal/events/bus"
)

// fileSeparator joins loaded context files into one document.
const fileSeparator = "\n\n---\n\n"

// AgentDirectory is the slice of the registry the orchestrator needs.
type AgentDirectory interface {
	Get(id string) (*agentmodels.Agent, error)
	SetBootstrapStatus(id string, status agentmodels.BootstrapStatus) error
	SetContext(ctx context.Context, id string, agentContext string) error
	UpdateStatus(ctx context.Context, id string, status agentmodels.AgentStatus) error
}

// ConfigCounter increments the bootstrap counter on an agent's template.
type ConfigCounter interface {
	IncrementBootstrapCount(ctx context.Context, id string) error
}

// Request describes one bootstrap run.
type Request struct {
	AgentID           string                    `json:"agentId"`
	Mode              agentmodels.BootstrapMode `json:"mode"`
	Files             []string                  `json:"files,omitempty"`
	AdditionalContext string                    `json:"additionalContext,omitempty"`
	Script            string                    `json:"script,omitempty"`
	Env               map[string]string         `json:"env,omitempty"`
}

// Result summarizes a successful bootstrap run.
type Result struct {
	Mode        agentmodels.BootstrapMode `json:"mode"`
	FilesLoaded []string                  `json:"filesLoaded"`
	ContextSize int                       `json:"contextSize"`
	DurationMs  int64                     `json:"durationMs"`
}

// Orchestrator runs bootstrap strategies and records their history.
type Orchestrator struct {
	directory AgentDirectory
	configs   ConfigCounter
	history   HistoryRepository
	eventBus  bus.EventBus
	cfg       config.BootstrapConfig
	runner    scriptRunner
	logger    *logger.Logger
}

// NewOrchestrator creates a bootstrap orchestrator.
func NewOrchestrator(directory AgentDirectory, configs ConfigCounter, history HistoryRepository, eventBus bus.EventBus, cfg config.BootstrapConfig, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		directory: directory,
		configs:   configs,
		history:   history,
		eventBus:  eventBus,
		cfg:       cfg,
		runner:    runScript,
		logger:    log.WithFields(zap.String("component", "bootstrap-orchestrator")),
	}
}

// Run executes one bootstrap strategy for an agent. On success the built
// context is persisted into the agent's context slot, the agent moves to
// ready, and the template counter is bumped. Any failure marks the history
// entry and the agent's bootstrap status as failed and propagates.
func (o *Orchestrator) Run(ctx context.Context, req *Request) (*Result, error) {
	if !req.Mode.Valid() {
		return nil, apperrors.Validation("mode", "unknown bootstrap mode")
	}

	agent, err := o.directory.Get(req.AgentID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	entry := &HistoryEntry{
		ID:        uuid.New().String(),
		AgentID:   agent.ID,
		Mode:      req.Mode,
		StartedAt: start.UTC(),
	}
	if err := o.history.Begin(ctx, entry); err != nil {
		return nil, err
	}
	_ = o.directory.SetBootstrapStatus(agent.ID, agentmodels.BootstrapInProgress)
	o.publish(ctx, events.BootstrapStarted, agent.ID, map[string]interface{}{
		"mode": string(req.Mode),
	})

	built, filesLoaded, err := o.produce(ctx, agent, req)
	if err != nil {
		o.fail(ctx, agent.ID, entry, start, err)
		return nil, err
	}

	if err := o.directory.SetContext(ctx, agent.ID, built); err != nil {
		o.fail(ctx, agent.ID, entry, start, err)
		return nil, err
	}
	_ = o.directory.SetBootstrapStatus(agent.ID, agentmodels.BootstrapReady)
	if err := o.directory.UpdateStatus(ctx, agent.ID, agentmodels.AgentStatusReady); err != nil {
		o.logger.Warn("failed to mark agent ready after bootstrap",
			zap.String("agent_id", agent.ID), zap.Error(err))
	}

	if agent.ConfigID != "" && o.configs != nil {
		if err := o.configs.IncrementBootstrapCount(ctx, agent.ConfigID); err != nil {
			o.logger.Warn("failed to bump template bootstrap counter",
				zap.String("config_id", agent.ConfigID), zap.Error(err))
		}
	}

	elapsed := time.Since(start)
	completed := time.Now().UTC()
	entry.Success = true
	entry.FilesLoaded = filesLoaded
	entry.ContextSize = len(built)
	entry.DurationMs = elapsed.Milliseconds()
	entry.CompletedAt = &completed
	if err := o.history.Complete(ctx, entry); err != nil {
		o.logger.Error("failed to complete bootstrap history", zap.Error(err))
	}

	o.logger.Info("bootstrap completed",
		zap.String("agent_id", agent.ID),
		zap.String("mode", string(req.Mode)),
		zap.Int("context_size", entry.ContextSize),
		zap.Duration("elapsed", elapsed))
	o.publish(ctx, events.BootstrapCompleted, agent.ID, map[string]interface{}{
		"mode":         string(req.Mode),
		"files_loaded": filesLoaded,
		"context_size": entry.ContextSize,
	})

	return &Result{
		Mode:        req.Mode,
		FilesLoaded: filesLoaded,
		ContextSize: entry.ContextSize,
		DurationMs:  entry.DurationMs,
	}, nil
}

// History returns an agent's bootstrap runs, most recent first.
func (o *Orchestrator) History(ctx context.Context, agentID string, limit int) ([]*HistoryEntry, error) {
	return o.history.ListByAgent(ctx, agentID, limit)
}

// produce builds the context document for one mode.
func (o *Orchestrator) produce(ctx context.Context, agent *agentmodels.Agent, req *Request) (string, []string, error) {
	switch req.Mode {
	case agentmodels.BootstrapModeNone:
		return "", []string{}, nil

	case agentmodels.BootstrapModeAuto:
		loader := NewFileLoader(agent.WorkingDir)
		loaded, err := loader.LoadAutoFiles(defaultAutoPaths)
		if err != nil {
			return "", nil, err
		}
		return joinFiles(loaded, ""), fileNames(loaded), nil

	case agentmodels.BootstrapModeManual:
		loader := NewFileLoader(agent.WorkingDir)
		var loaded []*LoadedFile
		for _, path := range req.Files {
			record, err := loader.LoadFile(path)
			if err != nil {
				return "", nil, err
			}
			if record.Loaded {
				loaded = append(loaded, record)
			}
		}
		return joinFiles(loaded, req.AdditionalContext), fileNames(loaded), nil

	case agentmodels.BootstrapModeCustom:
		if strings.TrimSpace(req.Script) == "" {
			return "", nil, apperrors.Validation("script", "custom mode requires a script")
		}
		if err := ScreenScript(req.Script); err != nil {
			return "", nil, err
		}

		env := map[string]string{
			"AGENT_ID":    agent.ID,
			"AGENT_ROLE":  agent.Role,
			"WORKING_DIR": agent.WorkingDir,
		}
		for k, v := range req.Env {
			env[k] = v
		}

		scriptCtx, cancel := context.WithTimeout(ctx, o.cfg.ScriptTimeout())
		defer cancel()

		output, err := o.runner(scriptCtx, agent.WorkingDir, req.Script, env, o.cfg.MaxOutputBytes)
		if err != nil {
			if scriptCtx.Err() == context.DeadlineExceeded {
				return "", nil, apperrors.BootstrapFailed("bootstrap script timed out", scriptCtx.Err())
			}
			return "", nil, apperrors.BootstrapFailed("bootstrap script failed", err)
		}
		return output, []string{}, nil
	}

	return "", nil, apperrors.Validation("mode", "unknown bootstrap mode")
}

func (o *Orchestrator) fail(ctx context.Context, agentID string, entry *HistoryEntry, start time.Time, cause error) {
	_ = o.directory.SetBootstrapStatus(agentID, agentmodels.BootstrapFailed)
	if err := o.directory.UpdateStatus(ctx, agentID, agentmodels.AgentStatusError); err != nil {
		o.logger.Warn("failed to mark agent errored after bootstrap failure",
			zap.String("agent_id", agentID), zap.Error(err))
	}

	completed := time.Now().UTC()
	entry.Success = false
	entry.ErrorMessage = cause.Error()
	entry.DurationMs = time.Since(start).Milliseconds()
	entry.CompletedAt = &completed
	if err := o.history.Complete(ctx, entry); err != nil {
		o.logger.Error("failed to record bootstrap failure", zap.Error(err))
	}

	o.logger.Error("bootstrap failed",
		zap.String("agent_id", agentID),
		zap.String("mode", string(entry.Mode)),
		zap.Error(cause))
	o.publish(ctx, events.BootstrapFailed, agentID, map[string]interface{}{
		"mode":  string(entry.Mode),
		"error": cause.Error(),
	})
}

func (o *Orchestrator) publish(ctx context.Context, eventType, agentID string, data map[string]interface{}) {
	if o.eventBus == nil {
		return
	}
	data["agent_id"] = agentID
	event := bus.NewEvent(eventType, "bootstrap-orchestrator", data)
	subject := events.BuildMessageSubject(eventType, agentID)
	if err := o.eventBus.Publish(ctx, subject, event); err != nil {
		o.logger.Error("failed to publish bootstrap event", zap.Error(err))
	}
}

// joinFiles concatenates loaded files with file-name headers, appending the
// additional-context section when present.
func joinFiles(files []*LoadedFile, additional string) string {
	sections := make([]string, 0, len(files)+1)
	for _, f := range files {
		sections = append(sections, fmt.Sprintf("## %s\n\n%s", f.Path, f.Content))
	}
	if strings.TrimSpace(additional) != "" {
		sections = append(sections, "## Additional Context\n\n"+additional)
	}
	return strings.Join(sections, fileSeparator)
}

func fileNames(files []*LoadedFile) []string {
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, f.Path)
	}
	return names
}
