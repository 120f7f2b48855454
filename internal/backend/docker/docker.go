// Package docker implements the queue.Adapter on the Docker API. Every job
// (or array task) runs as one container on the host daemon; labels carry the
// job identity so Snapshot can rebuild the picture from ContainerList alone,
// even across adapter restarts.
package docker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"batchq/internal/apperrors"
	"batchq/internal/queue"
)

const backendName = "docker"

const (
	labelManaged = "managed-by"
	labelJobID   = "batchq.job"
	labelIndex   = "batchq.index"
	managedValue = "batchq"
)

// Config configures the Docker adapter.
type Config struct {
	// Image is the container image jobs run in.
	Image string

	Logger *slog.Logger
}

// Adapter runs jobs as labeled containers on the host Docker daemon.
type Adapter struct {
	client *client.Client
	image  string
	logger *slog.Logger
}

// New creates a Docker adapter from the environment (DOCKER_HOST etc).
func New(cfg Config) (*Adapter, error) {
	if cfg.Image == "" {
		return nil, apperrors.Validation("image", "container image is required")
	}
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		client: dockerClient,
		image:  cfg.Image,
		logger: logger.With("component", "docker-adapter"),
	}, nil
}

// Name implements queue.Adapter.
func (a *Adapter) Name() string { return backendName }

// Submit implements queue.Adapter. Array specs start one container per
// index, all sharing the generated job ID in their labels.
func (a *Adapter) Submit(ctx context.Context, spec *queue.Spec) (string, error) {
	if spec.Command == "" {
		return "", apperrors.Validation("command", "command is required")
	}

	jobID, err := newJobID()
	if err != nil {
		return "", apperrors.Internal("docker.newJobID", err)
	}

	if err := a.pullImageIfNeeded(context.WithoutCancel(ctx), a.image); err != nil {
		return "", apperrors.Submission(backendName, "pull image "+a.image, err)
	}

	indices := []int{queue.NoArrayIndex}
	if spec.ArraySize > 0 {
		indices = make([]int, spec.ArraySize)
		for i := range indices {
			indices[i] = i
		}
	}

	var started []string
	for _, idx := range indices {
		containerID, err := a.startTask(ctx, jobID, idx, spec)
		if err != nil {
			// Roll back tasks already started so the backend doesn't
			// report a half-submitted array.
			for _, id := range started {
				a.removeContainer(ctx, id)
			}
			return "", apperrors.Submission(backendName, fmt.Sprintf("start task %d", idx), err)
		}
		started = append(started, containerID)
	}

	a.logger.Info("job submitted", "jobId", jobID, "containers", len(started))
	return jobID, nil
}

func (a *Adapter) startTask(ctx context.Context, jobID string, index int, spec *queue.Spec) (string, error) {
	env := make([]string, 0, len(spec.Env)+2)
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}
	env = append(env, "BATCHQ_JOB_ID="+jobID)
	if index != queue.NoArrayIndex {
		env = append(env, fmt.Sprintf("BATCHQ_ARRAY_INDEX=%d", index))
	}

	cmd := []string{"/bin/sh", "-c", spec.Command}
	if len(spec.Args) > 0 {
		cmd = append([]string{spec.Command}, spec.Args...)
	}

	containerConfig := &container.Config{
		Image:      a.image,
		Cmd:        cmd,
		Env:        env,
		WorkingDir: spec.WorkDir,
		Labels: map[string]string{
			labelManaged: managedValue,
			labelJobID:   jobID,
			labelIndex:   strconv.Itoa(index),
		},
	}
	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs: int64(spec.Cores) * 1e9,
			Memory:   int64(spec.MemoryMB) * 1024 * 1024,
		},
	}

	name := fmt.Sprintf("batchq-%s", jobID)
	if index != queue.NoArrayIndex {
		name = fmt.Sprintf("batchq-%s-%d", jobID, index)
	}
	resp, err := a.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return "", err
	}
	if err := a.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		a.removeContainer(ctx, resp.ID)
		return "", err
	}
	return resp.ID, nil
}

// Snapshot implements queue.Adapter. Container state alone doesn't say
// whether an exited task succeeded, so exited containers are inspected for
// their exit code and reported as exited-ok or exited-error.
func (a *Adapter) Snapshot(ctx context.Context) ([]queue.RemoteJob, error) {
	containers, err := a.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelManaged+"="+managedValue),
		),
	})
	if err != nil {
		return nil, apperrors.AdapterQuery(backendName, err)
	}

	jobs := make([]queue.RemoteJob, 0, len(containers))
	for i := range containers {
		c := &containers[i]
		jobID := c.Labels[labelJobID]
		if jobID == "" {
			continue
		}
		index := queue.NoArrayIndex
		if idx, err := strconv.Atoi(c.Labels[labelIndex]); err == nil {
			index = idx
		}

		rj := queue.RemoteJob{
			ID:         jobID,
			ArrayIndex: index,
			RawState:   c.State,
		}
		if c.State == "exited" || c.State == "dead" {
			inspect, err := a.client.ContainerInspect(ctx, c.ID)
			if err != nil {
				return nil, apperrors.AdapterQuery(backendName, err)
			}
			exitCode := inspect.State.ExitCode
			rj.ExitCode = &exitCode
			if exitCode == 0 && inspect.State.Error == "" {
				rj.RawState = "exited-ok"
			} else {
				rj.RawState = "exited-error"
			}
		}
		jobs = append(jobs, rj)
	}
	return jobs, nil
}

// NormalizeState implements queue.Adapter for Docker container states.
func (a *Adapter) NormalizeState(raw string) queue.State {
	switch raw {
	case "created":
		return queue.StatePending
	case "running", "paused", "restarting", "removing":
		return queue.StateRunning
	case "exited-ok", "exited":
		return queue.StateCompleted
	case "exited-error", "dead":
		return queue.StateFailed
	default:
		return queue.StateUnknown
	}
}

// Ready checks if the Docker daemon is reachable and responsive.
func (a *Adapter) Ready(ctx context.Context) error {
	_, err := a.client.Ping(ctx)
	return err
}

// Cleanup removes all finished batchq containers. Not part of queue.Adapter.
func (a *Adapter) Cleanup(ctx context.Context) (int, error) {
	containers, err := a.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelManaged+"="+managedValue),
			filters.Arg("status", "exited"),
		),
	})
	if err != nil {
		return 0, apperrors.AdapterQuery(backendName, err)
	}
	for i := range containers {
		a.removeContainer(ctx, containers[i].ID)
	}
	return len(containers), nil
}

// Close releases the Docker client.
func (a *Adapter) Close() error {
	return a.client.Close()
}

func (a *Adapter) pullImageIfNeeded(ctx context.Context, imageName string) error {
	_, err := a.client.ImageInspect(ctx, imageName)
	if err == nil {
		return nil
	}

	reader, err := a.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func (a *Adapter) removeContainer(ctx context.Context, containerID string) {
	stopTimeout := 10
	_ = a.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &stopTimeout})
	_ = a.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

func newJobID() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
