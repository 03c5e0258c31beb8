package runner

import (
	"context"
	"os"

	"github.com/docker/docker/client"
	"go.uber.org/zap"
)

// Probe detects the capability tags this host can advertise. Pluggable so
// deployments (and tests) can substitute their own.
type Probe interface {
	Detect(ctx context.Context) []string
}

// StaticProbe advertises a fixed tag set, used when capabilities come from
// configuration instead of host inspection.
type StaticProbe []string

func (p StaticProbe) Detect(ctx context.Context) []string {
	return append([]string(nil), p...)
}

// HostProbe inspects the local machine: every runner gets "basic", a
// reachable docker daemon adds "docker", and nvidia driver files add "gpu".
type HostProbe struct {
	log *zap.Logger
}

func NewHostProbe(log *zap.Logger) *HostProbe {
	return &HostProbe{log: log.Named("probe")}
}

func (p *HostProbe) Detect(ctx context.Context) []string {
	caps := []string{"basic"}
	if p.dockerAvailable(ctx) {
		caps = append(caps, "docker")
	}
	if p.gpuPresent() {
		caps = append(caps, "gpu")
	}
	p.log.Info("detected capabilities", zap.Strings("capabilities", caps))
	return caps
}

func (p *HostProbe) dockerAvailable(ctx context.Context) bool {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return false
	}
	defer cli.Close()
	_, err = cli.Ping(ctx)
	return err == nil
}

func (p *HostProbe) gpuPresent() bool {
	for _, path := range []string{"/dev/nvidia0", "/proc/driver/nvidia/version"} {
		if _, err := os.Stat(path); err == nil {
			return true
		}
	}
	return false
}
