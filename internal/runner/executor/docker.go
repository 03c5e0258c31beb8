package executor

import (
	"bytes"
	"context"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"forgeq/pkg/model"
)

// defaultImage keeps container startup cheap for plain shell commands.
const defaultImage = "alpine:latest"

// Docker runs the job command inside a throwaway container. Used for jobs
// that require the "docker" capability tag.
type Docker struct {
	cli *client.Client
	log *zap.Logger
}

func NewDocker(log *zap.Logger) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "init docker client")
	}
	return &Docker{cli: cli, log: log.Named("docker")}, nil
}

func (e *Docker) Run(ctx context.Context, job *model.Job) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, job.Timeout())
	defer cancel()

	resp, err := e.cli.ContainerCreate(ctx, &container.Config{
		Image: defaultImage,
		Cmd:   []string{"sh", "-c", job.Command},
		Tty:   false,
	}, nil, nil, nil, "")
	if err != nil {
		return "", errors.Wrap(err, "create container")
	}
	containerID := resp.ID
	defer func() {
		// Cleanup runs on a fresh context; ctx may already be expired.
		if err := e.cli.ContainerRemove(context.Background(), containerID,
			types.ContainerRemoveOptions{Force: true}); err != nil {
			e.log.Warn("container cleanup failed",
				zap.String("container_id", containerID), zap.Error(err))
		}
	}()

	if err := e.cli.ContainerStart(ctx, containerID, types.ContainerStartOptions{}); err != nil {
		return "", errors.Wrap(err, "start container")
	}

	var exitCode int64
	statusCh, errCh := e.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return "", errors.Errorf("command timed out after %s", job.Timeout())
			}
			return "", errors.Wrap(err, "wait container")
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	}

	output, err := e.containerOutput(ctx, containerID)
	if err != nil {
		return "", err
	}
	if exitCode != 0 {
		return output, errors.Errorf("command exited with code %d", exitCode)
	}
	return output, nil
}

func (e *Docker) containerOutput(ctx context.Context, containerID string) (string, error) {
	reader, err := e.cli.ContainerLogs(ctx, containerID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", errors.Wrap(err, "container logs")
	}
	defer reader.Close()

	// The log stream multiplexes stdout and stderr; demux both into one
	// buffer, matching the shell executor's merged capture.
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil {
		return "", errors.Wrap(err, "read container logs")
	}
	return buf.String(), nil
}
