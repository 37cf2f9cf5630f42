package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

const labelPrefix = "wegwerf."

type Client struct {
	docker *client.Client
}

func New() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Client{docker: cli}, nil
}

func (c *Client) Close() error {
	return c.docker.Close()
}

// Ping verifies the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.docker.Ping(ctx)
	return err
}

type CreateOpts struct {
	SessionID   string
	Image       string
	Env         []string
	Labels      map[string]string // routing labels and extras
	ExposedPort string            // container port the proxy routes to, e.g. "3000/tcp"
	ShmSize     int64
	NetworkName string
	AutoRemove  bool
	// SeccompUnconfined disables the default seccomp profile. The chromium
	// image needs it for its own in-browser sandboxing syscalls.
	SeccompUnconfined bool
	CPULimit          float64
	MemLimitMB        int
	PidsLimit         int
}

// CreateContainer creates and starts a session container. The container is
// named after the session so operators can find it with plain docker CLI.
func (c *Client) CreateContainer(ctx context.Context, opts CreateOpts) (string, error) {
	labels := map[string]string{
		labelPrefix + "session_id": opts.SessionID,
		labelPrefix + "managed":    "true",
	}
	for k, v := range opts.Labels {
		labels[k] = v
	}

	resources := container.Resources{
		NanoCPUs:  int64(opts.CPULimit * 1e9),
		Memory:    int64(opts.MemLimitMB) * 1024 * 1024,
		PidsLimit: int64Ptr(int64(opts.PidsLimit)),
	}

	containerCfg := &container.Config{
		Image:  opts.Image,
		Env:    opts.Env,
		Labels: labels,
		Tty:    false,
	}
	if opts.ExposedPort != "" {
		containerCfg.ExposedPorts = nat.PortSet{
			nat.Port(opts.ExposedPort): struct{}{},
		}
	}

	securityOpt := []string{"no-new-privileges"}
	if opts.SeccompUnconfined {
		securityOpt = append(securityOpt, "seccomp=unconfined")
	}

	hostCfg := &container.HostConfig{
		Resources:   resources,
		AutoRemove:  opts.AutoRemove,
		ShmSize:     opts.ShmSize,
		SecurityOpt: securityOpt,
		Privileged:  false,
	}

	var netCfg *network.NetworkingConfig
	if opts.NetworkName != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				opts.NetworkName: {},
			},
		}
	}

	resp, err := c.docker.ContainerCreate(ctx, containerCfg, hostCfg, netCfg, nil, opts.SessionID)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}

	if err := c.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Clean up on start failure.
		c.docker.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("container start: %w", err)
	}

	return resp.ID, nil
}

// InspectResult is the slice of container state the orchestrator cares about.
type InspectResult struct {
	Running   bool
	Status    string
	StartedAt time.Time
}

func (c *Client) Inspect(ctx context.Context, containerID string) (*InspectResult, error) {
	info, err := c.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, err
	}
	res := &InspectResult{
		Running: info.State.Running,
		Status:  info.State.Status,
	}
	if t, perr := time.Parse(time.RFC3339Nano, info.State.StartedAt); perr == nil {
		res.StartedAt = t
	}
	return res, nil
}

// IsRunning reports whether the container currently reports running. A
// vanished container counts as not running, not as an error.
func (c *Client) IsRunning(ctx context.Context, containerID string) (bool, error) {
	info, err := c.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return info.State.Running, nil
}

// isGoneOrBusy reports whether a teardown error means the desired end state
// already holds or is being reached by someone else. "Removal already in
// progress" shows up as a conflict when AutoRemove races an explicit remove.
func isGoneOrBusy(err error) bool {
	return client.IsErrNotFound(err) || errdefs.IsConflict(err) || errdefs.IsNotModified(err)
}

// StopContainer stops a container, treating already-stopped and
// already-removed as success.
func (c *Client) StopContainer(ctx context.Context, containerID string, timeoutSeconds int) error {
	err := c.docker.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeoutSeconds})
	if err != nil && !isGoneOrBusy(err) {
		return fmt.Errorf("container stop: %w", err)
	}
	return nil
}

// RemoveContainer force-removes a container, tolerating "already gone".
func (c *Client) RemoveContainer(ctx context.Context, containerID string) error {
	err := c.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil && !isGoneOrBusy(err) {
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

// Exec runs argv inside the container and returns combined output with the
// command's exit code.
func (c *Client) Exec(ctx context.Context, containerID string, cmd []string) (string, int, error) {
	execCfg := container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	}

	execResp, err := c.docker.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return "", 0, fmt.Errorf("exec create: %w", err)
	}

	attachResp, err := c.docker.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", 0, fmt.Errorf("exec attach: %w", err)
	}
	defer attachResp.Close()

	// Demultiplex Docker's stdout/stderr stream (8-byte headers).
	var stdoutBuf, stderrBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, attachResp.Reader); err != nil {
		return "", 0, fmt.Errorf("exec read: %w", err)
	}

	inspect, err := c.docker.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return "", 0, fmt.Errorf("exec inspect: %w", err)
	}

	output := stdoutBuf.String() + stderrBuf.String()
	return output, inspect.ExitCode, nil
}

// Logs returns the last tail lines of the container's combined output.
func (c *Client) Logs(ctx context.Context, containerID string, tail int) (string, error) {
	rc, err := c.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", err
	}
	defer rc.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, rc); err != nil && err != io.EOF {
		return "", fmt.Errorf("logs read: %w", err)
	}
	return stdoutBuf.String() + stderrBuf.String(), nil
}

// Stats takes a one-shot stats snapshot (no streaming).
func (c *Client) Stats(ctx context.Context, containerID string) (*container.StatsResponse, error) {
	resp, err := c.docker.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	return &stats, nil
}

// ContainerInfo holds basic info about a managed session container.
type ContainerInfo struct {
	ContainerID string
	SessionID   string
}

// ListSessionContainers returns all containers carrying the managed label,
// including stopped ones. Used by the sweep to reclaim orphans.
func (c *Client) ListSessionContainers(ctx context.Context) ([]ContainerInfo, error) {
	f := filters.NewArgs()
	f.Add("label", labelPrefix+"managed=true")

	containers, err := c.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: f,
	})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}

	var result []ContainerInfo
	for _, ctr := range containers {
		sessionID := ctr.Labels[labelPrefix+"session_id"]
		if sessionID == "" {
			continue
		}
		result = append(result, ContainerInfo{
			ContainerID: ctr.ID,
			SessionID:   sessionID,
		})
	}
	return result, nil
}

func int64Ptr(v int64) *int64 {
	return &v
}
