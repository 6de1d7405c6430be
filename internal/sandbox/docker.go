package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
)

// Labels stamped on the install network so doctor can verify the
// provisioned allow-list matches the configured one.
const (
	LabelManaged           = "aegis.managed"
	LabelAllowedRegistries = "aegis.allowed-registries"
)

// DockerRuntime implements Runtime against the local Docker daemon.
// The container is long-lived (sleep infinity) and commands run via
// docker exec, so workspace state persists across commands.
type DockerRuntime struct {
	client *client.Client
}

// NewDockerRuntime connects to the Docker daemon.
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &DockerRuntime{client: cli}, nil
}

// Close closes the docker client.
func (d *DockerRuntime) Close() error {
	return d.client.Close()
}

// Create builds the container: workspace bound read-write, governance
// config bound read-only, no network, resource ceilings from the profile.
func (d *DockerRuntime) Create(ctx context.Context, name, image string, profile ResourceProfile, workspaceDir, configDir string) (string, error) {
	binds := []string{fmt.Sprintf("%s:%s", workspaceDir, WorkspaceRoot)}
	if configDir != "" {
		// The container cannot modify its own policy.
		binds = append(binds, fmt.Sprintf("%s:/aegis/config:ro", configDir))
	}

	pids := profile.PidsLimit
	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:      image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: WorkspaceRoot,
		Tty:        false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory:    profile.MemoryMB * 1024 * 1024,
			NanoCPUs:  profile.NanoCPUs,
			PidsLimit: &pids,
		},
		NetworkMode: "none",
		Binds:       binds,
	}, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	return resp.ID, nil
}

func (d *DockerRuntime) Start(ctx context.Context, containerID string) error {
	return d.client.ContainerStart(ctx, containerID, container.StartOptions{})
}

func (d *DockerRuntime) Stop(ctx context.Context, containerID string) error {
	timeout := 10
	return d.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout})
}

func (d *DockerRuntime) Remove(ctx context.Context, containerID string) error {
	return d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

// Exec runs a command via docker exec and collects the stdout/stderr/
// exit-code triple. A timeout returns a failure result, not a hang.
func (d *DockerRuntime) Exec(ctx context.Context, containerID, command string, timeout time.Duration) (ExecResult, error) {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	execID, err := d.client.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          []string{"sh", "-c", command},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec create: %w", err)
	}

	attach, err := d.client.ContainerExecAttach(ctx, execID.ID, container.ExecStartOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	copyDone := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(&stdoutBuf, &stderrBuf, attach.Reader)
		copyDone <- copyErr
	}()

	select {
	case <-ctx.Done():
		return ExecResult{
			Stderr:   "command timed out",
			ExitCode: -1,
			Duration: time.Since(start),
		}, nil
	case err := <-copyDone:
		if err != nil {
			return ExecResult{}, fmt.Errorf("exec output: %w", err)
		}
	}

	inspect, err := d.client.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec inspect: %w", err)
	}

	return ExecResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: inspect.ExitCode,
		Duration: time.Since(start),
	}, nil
}

// installNetworkSpec builds the create options for the restricted
// egress network. Inter-container traffic is disabled; the registry
// allow-list is recorded as a label so doctor can check it against the
// configuration. Host-level egress filtering to exactly those domains
// is applied outside the daemon (iptables/dnsmasq on the bridge).
func installNetworkSpec(allowedRegistries []string) network.CreateOptions {
	return network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{
			LabelManaged:           "true",
			LabelAllowedRegistries: strings.Join(allowedRegistries, ","),
		},
		Options: map[string]string{
			"com.docker.network.bridge.enable_icc": "false",
		},
	}
}

// EnsureInstallNetwork creates the install-phase network if it does not
// exist yet, so ExecInstall never fails on a fresh host. An existing
// network is left untouched.
func (d *DockerRuntime) EnsureInstallNetwork(ctx context.Context, networkName string, allowedRegistries []string) error {
	if networkName == "" {
		return fmt.Errorf("no install network configured")
	}
	_, err := d.client.NetworkInspect(ctx, networkName, network.InspectOptions{})
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect network %s: %w", networkName, err)
	}
	if _, err := d.client.NetworkCreate(ctx, networkName, installNetworkSpec(allowedRegistries)); err != nil {
		return fmt.Errorf("create network %s: %w", networkName, err)
	}
	return nil
}

// ConnectNetwork attaches the container to the named restricted egress
// network for the install phase.
func (d *DockerRuntime) ConnectNetwork(ctx context.Context, containerID, networkName string) error {
	if networkName == "" {
		return fmt.Errorf("no install network configured")
	}
	return d.client.NetworkConnect(ctx, networkName, containerID, &network.EndpointSettings{})
}

// DisconnectNetwork detaches the container from the named network.
func (d *DockerRuntime) DisconnectNetwork(ctx context.Context, containerID, networkName string) error {
	if networkName == "" {
		return nil
	}
	return d.client.NetworkDisconnect(ctx, networkName, containerID, true)
}
