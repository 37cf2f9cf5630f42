// Package admin implements the operator-facing commands that reach inside a
// session's container: one-shot exec, log retrieval, and resource reports.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"

	"github.com/m-koster/wegwerf/internal/docker"
	"github.com/m-koster/wegwerf/internal/metrics"
	"github.com/m-koster/wegwerf/internal/session"
	"github.com/m-koster/wegwerf/internal/store"
)

const (
	defaultLogTail = 100
	minLogTail     = 10
	maxLogTail     = 1000
)

// Runtime is the slice of the container client the executor needs.
type Runtime interface {
	Exec(ctx context.Context, containerID string, cmd []string) (string, int, error)
	Logs(ctx context.Context, containerID string, tail int) (string, error)
	Inspect(ctx context.Context, containerID string) (*docker.InspectResult, error)
	Stats(ctx context.Context, containerID string) (*container.StatsResponse, error)
}

// SnapshotStore serves log snapshots captured at teardown time.
type SnapshotStore interface {
	GetLogSnapshot(sessionID string) (string, error)
}

type Executor struct {
	registry *session.Registry
	runtime  Runtime
	store    SnapshotStore
	logger   *slog.Logger
}

func NewExecutor(reg *session.Registry, rt Runtime, st SnapshotStore, logger *slog.Logger) *Executor {
	return &Executor{registry: reg, runtime: rt, store: st, logger: logger}
}

// ExecResult carries the combined output and exit code of a one-shot command.
type ExecResult struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
}

// Exec runs argv inside the session's container. The session must be live;
// stopped or expired sessions have no container to exec into.
func (e *Executor) Exec(ctx context.Context, sessionID string, cmd []string) (*ExecResult, error) {
	if len(cmd) == 0 {
		return nil, fmt.Errorf("%w: empty command", session.ErrValidation)
	}

	sess, err := e.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Status.Live() || sess.ContainerID == "" {
		return nil, session.ErrNotRunning
	}

	output, exitCode, err := e.runtime.Exec(ctx, sess.ContainerID, cmd)
	if err != nil {
		e.logger.Warn("admin exec failed", "session_id", sessionID, "error", err)
		return nil, fmt.Errorf("%w: %v", session.ErrContainerUnavailable, err)
	}

	e.logger.Info("admin exec", "session_id", sessionID, "cmd", cmd[0], "exit_code", exitCode)
	return &ExecResult{Output: output, ExitCode: exitCode}, nil
}

// LogsResult tags the returned logs with where they came from, so operators
// know whether they are looking at live output or a teardown snapshot.
type LogsResult struct {
	Output string `json:"output"`
	Source string `json:"source"` // "live" or "snapshot"
}

// Logs returns the tail of the session's container logs. For sessions whose
// container is gone (stopped, expired, or auto-removed), it falls back to the
// snapshot captured at teardown.
func (e *Executor) Logs(ctx context.Context, sessionID string, tail int) (*LogsResult, error) {
	tail = clampTail(tail)

	sess, err := e.registry.Get(sessionID)
	if err == nil && sess.Status.Live() && sess.ContainerID != "" {
		logs, lerr := e.runtime.Logs(ctx, sess.ContainerID, tail)
		if lerr == nil {
			return &LogsResult{Output: logs, Source: "live"}, nil
		}
		e.logger.Warn("live log fetch failed, trying snapshot", "session_id", sessionID, "error", lerr)
	} else if err != nil && !errors.Is(err, session.ErrNotFound) {
		return nil, err
	}

	snapshot, serr := e.store.GetLogSnapshot(sessionID)
	if serr != nil {
		if errors.Is(serr, store.ErrNotFound) {
			return nil, session.ErrLogsUnavailable
		}
		return nil, serr
	}
	return &LogsResult{Output: snapshot, Source: "snapshot"}, nil
}

// ResourceReport is a metrics snapshot annotated with session identity.
type ResourceReport struct {
	SessionID string         `json:"session_id"`
	Kind      string         `json:"kind"`
	Sampled   time.Time      `json:"sampled_at"`
	Usage     metrics.Report `json:"usage"`
}

// Resources samples the session container's current resource usage.
func (e *Executor) Resources(ctx context.Context, sessionID string) (*ResourceReport, error) {
	sess, err := e.registry.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Status.Live() || sess.ContainerID == "" {
		return nil, session.ErrNotRunning
	}

	stats, err := e.runtime.Stats(ctx, sess.ContainerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrContainerUnavailable, err)
	}

	var startedAt time.Time
	if info, ierr := e.runtime.Inspect(ctx, sess.ContainerID); ierr == nil {
		startedAt = info.StartedAt
	}

	return &ResourceReport{
		SessionID: sess.ID,
		Kind:      string(sess.Kind),
		Sampled:   time.Now().UTC(),
		Usage:     metrics.Build(stats, startedAt, sess.CreatedAt),
	}, nil
}

func clampTail(tail int) int {
	switch {
	case tail <= 0:
		return defaultLogTail
	case tail < minLogTail:
		return minLogTail
	case tail > maxLogTail:
		return maxLogTail
	}
	return tail
}
