package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

const (
	labelManagedBy = "managed-by"
	labelValue     = "agentbox"
	labelSandboxID = "agentbox.sandbox-id"
)

const defaultStopTimeout = 10 * time.Second

// Compile-time interface check.
var _ Backend = (*DockerBackend)(nil)

// DockerConfig holds settings for the Docker backend.
type DockerConfig struct {
	Host        string
	NetworkMode string
	// HostAddr is the address callers use to reach published ports.
	HostAddr string
}

// DockerBackend implements Backend against a Docker daemon.
type DockerBackend struct {
	cfg DockerConfig
	cli *client.Client
}

// NewDockerBackend connects to the Docker daemon and verifies it is reachable.
func NewDockerBackend(cfg DockerConfig) (*DockerBackend, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker ping: %w", ErrUnavailable)
	}

	if cfg.HostAddr == "" {
		cfg.HostAddr = "127.0.0.1"
	}
	return &DockerBackend{cfg: cfg, cli: cli}, nil
}

func (b *DockerBackend) CreateSandbox(ctx context.Context, cfg SandboxConfig) (*Sandbox, error) {
	labels := map[string]string{
		labelManagedBy: labelValue,
		labelSandboxID: cfg.ID,
	}
	for k, v := range cfg.Labels {
		labels[k] = v
	}

	containerCfg := &container.Config{
		Image:  cfg.Image,
		Env:    cfg.Env,
		Labels: labels,
	}
	hostCfg := &container.HostConfig{
		SecurityOpt: []string{"no-new-privileges"},
		NetworkMode: container.NetworkMode(b.cfg.NetworkMode),
		Resources: container.Resources{
			Memory:   cfg.Memory,
			NanoCPUs: cfg.NanoCPUs,
		},
	}

	if cfg.AgentPort > 0 {
		port, err := nat.NewPort("tcp", strconv.Itoa(cfg.AgentPort))
		if err != nil {
			return nil, fmt.Errorf("agent port: %w", ErrNotProvisionable)
		}
		containerCfg.ExposedPorts = nat.PortSet{port: struct{}{}}
		hostCfg.PortBindings = nat.PortMap{port: []nat.PortBinding{{HostIP: "0.0.0.0"}}}
	}

	name := containerName(cfg.ID)
	resp, err := b.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		if errdefs.IsNotFound(err) || errdefs.IsInvalidParameter(err) {
			return nil, fmt.Errorf("create %s: %v: %w", cfg.ID, err, ErrNotProvisionable)
		}
		return nil, fmt.Errorf("container create: %w", err)
	}

	sb, err := b.InspectSandbox(ctx, cfg.ID)
	if err != nil {
		b.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, err
	}
	return sb, nil
}

func (b *DockerBackend) StartSandbox(ctx context.Context, id string) error {
	cid, err := b.resolve(ctx, id)
	if err != nil {
		return err
	}
	if err := b.cli.ContainerStart(ctx, cid, container.StartOptions{}); err != nil {
		return fmt.Errorf("container start: %w", err)
	}
	return nil
}

func (b *DockerBackend) StopSandbox(ctx context.Context, id string, timeout time.Duration) error {
	cid, err := b.resolve(ctx, id)
	if err != nil {
		return err
	}
	if err := b.cli.ContainerStop(ctx, cid, stopOptions(timeout)); err != nil {
		return fmt.Errorf("container stop: %w", err)
	}
	return nil
}

func (b *DockerBackend) RestartSandbox(ctx context.Context, id string, timeout time.Duration) error {
	cid, err := b.resolve(ctx, id)
	if err != nil {
		return err
	}
	if err := b.cli.ContainerRestart(ctx, cid, stopOptions(timeout)); err != nil {
		return fmt.Errorf("container restart: %w", err)
	}
	return nil
}

func (b *DockerBackend) PauseSandbox(ctx context.Context, id string) error {
	cid, err := b.resolve(ctx, id)
	if err != nil {
		return err
	}
	if err := b.cli.ContainerPause(ctx, cid); err != nil {
		return fmt.Errorf("container pause: %w", err)
	}
	return nil
}

func (b *DockerBackend) UnpauseSandbox(ctx context.Context, id string) error {
	cid, err := b.resolve(ctx, id)
	if err != nil {
		return err
	}
	if err := b.cli.ContainerUnpause(ctx, cid); err != nil {
		return fmt.Errorf("container unpause: %w", err)
	}
	return nil
}

func (b *DockerBackend) RemoveSandbox(ctx context.Context, id string, removeVolumes bool) error {
	cid, err := b.resolve(ctx, id)
	if err != nil {
		return err
	}
	err = b.cli.ContainerRemove(ctx, cid, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: removeVolumes,
	})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

func (b *DockerBackend) InspectSandbox(ctx context.Context, id string) (*Sandbox, error) {
	cid, err := b.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	info, err := b.cli.ContainerInspect(ctx, cid)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, ErrSandboxNotFound
		}
		return nil, fmt.Errorf("container inspect: %w", err)
	}
	return b.toSandbox(&info), nil
}

func (b *DockerBackend) ListSandboxes(ctx context.Context, filter SandboxFilter) ([]*Sandbox, error) {
	f := filters.NewArgs(filters.Arg("label", labelManagedBy+"="+labelValue))
	for k, v := range filter.Labels {
		f.Add("label", k+"="+v)
	}
	containers, err := b.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}

	var out []*Sandbox
	for _, c := range containers {
		info, err := b.cli.ContainerInspect(ctx, c.ID)
		if err != nil {
			continue
		}
		sb := b.toSandbox(&info)
		if filter.Matches(sb) {
			out = append(out, sb)
		}
	}
	return out, nil
}

func (b *DockerBackend) SandboxStats(ctx context.Context, id string) (*Stats, error) {
	cid, err := b.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	resp, err := b.cli.ContainerStatsOneShot(ctx, cid)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, ErrSandboxNotFound
		}
		return nil, fmt.Errorf("container stats: %w", err)
	}
	defer resp.Body.Close()

	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}

	s := &Stats{
		MemoryUsage: raw.MemoryStats.Usage,
		MemoryLimit: raw.MemoryStats.Limit,
	}
	if s.MemoryLimit > 0 {
		s.MemoryPercent = float64(s.MemoryUsage) / float64(s.MemoryLimit) * 100.0
	}
	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage - raw.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(raw.CPUStats.SystemUsage - raw.PreCPUStats.SystemUsage)
	if cpuDelta > 0 && sysDelta > 0 {
		cpus := float64(raw.CPUStats.OnlineCPUs)
		if cpus == 0 {
			cpus = float64(len(raw.CPUStats.CPUUsage.PercpuUsage))
		}
		s.CPUPercent = cpuDelta / sysDelta * cpus * 100.0
	}
	for _, nw := range raw.Networks {
		s.NetworkRx += nw.RxBytes
		s.NetworkTx += nw.TxBytes
	}
	for _, entry := range raw.BlkioStats.IoServiceBytesRecursive {
		switch strings.ToLower(entry.Op) {
		case "read":
			s.BlockRead += entry.Value
		case "write":
			s.BlockWrite += entry.Value
		}
	}
	return s, nil
}

func (b *DockerBackend) Exec(ctx context.Context, id string, command []string, opts ExecOptions) (*ExecResult, error) {
	cid, err := b.resolve(ctx, id)
	if err != nil {
		return nil, err
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	execCfg := container.ExecOptions{
		Cmd:          command,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  opts.Stdin != "",
		WorkingDir:   opts.WorkDir,
		Env:          opts.Env,
	}
	created, err := b.cli.ContainerExecCreate(ctx, cid, execCfg)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, ErrSandboxNotFound
		}
		return nil, fmt.Errorf("exec create: %w", err)
	}

	attach, err := b.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	if opts.Stdin != "" {
		go func() {
			defer attach.CloseWrite()
			io.Copy(attach.Conn, strings.NewReader(opts.Stdin))
		}()
	}

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil && err != io.EOF {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("exec read: %w", err)
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	inspect, err := b.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("exec inspect: %w", err)
	}
	return &ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

func (b *DockerBackend) Logs(ctx context.Context, id string, opts LogOptions) ([]string, error) {
	cid, err := b.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	logOpts := container.LogsOptions{ShowStdout: true, ShowStderr: true}
	if opts.Tail > 0 {
		logOpts.Tail = strconv.Itoa(opts.Tail)
	}
	reader, err := b.cli.ContainerLogs(ctx, cid, logOpts)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, ErrSandboxNotFound
		}
		return nil, fmt.Errorf("container logs: %w", err)
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil {
		return nil, fmt.Errorf("demux logs: %w", err)
	}
	return splitLines(buf.String()), nil
}

func (b *DockerBackend) StreamLogs(ctx context.Context, id string) (LogStream, error) {
	cid, err := b.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	streamCtx, cancel := context.WithCancel(ctx)
	reader, err := b.cli.ContainerLogs(streamCtx, cid, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		cancel()
		if errdefs.IsNotFound(err) {
			return nil, ErrSandboxNotFound
		}
		return nil, fmt.Errorf("container logs: %w", err)
	}

	stream := &dockerLogStream{
		lines:  make(chan string, 64),
		cancel: cancel,
		reader: reader,
	}
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, reader)
		pw.CloseWithError(err)
	}()
	go func() {
		defer close(stream.lines)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case stream.lines <- scanner.Text():
			case <-streamCtx.Done():
				return
			}
		}
	}()
	return stream, nil
}

type dockerLogStream struct {
	lines  chan string
	cancel context.CancelFunc
	reader io.ReadCloser
	once   sync.Once
}

func (s *dockerLogStream) Lines() <-chan string { return s.lines }

func (s *dockerLogStream) Close() error {
	s.once.Do(func() {
		s.cancel()
		s.reader.Close()
	})
	return nil
}

func (b *DockerBackend) PullImage(ctx context.Context, ref string, progress PullProgressFunc) error {
	if progress != nil {
		progress(ImagePullProgress{Status: "pulling " + ref})
	}

	exists, err := b.ImageExists(ctx, ref)
	if err == nil && exists {
		if progress != nil {
			progress(ImagePullProgress{Status: "already present"})
		}
		return nil
	}

	reader, err := b.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("image pull %s: %w", ref, err)
	}
	defer reader.Close()

	// The pull only completes once its JSON progress stream is drained.
	decoder := json.NewDecoder(reader)
	for {
		var msg struct {
			Status   string `json:"status"`
			Progress string `json:"progress"`
		}
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("pull progress: %w", err)
		}
		if progress != nil && msg.Status != "" {
			progress(ImagePullProgress{Status: msg.Status, Progress: msg.Progress})
		}
	}
	if progress != nil {
		progress(ImagePullProgress{Status: "pull complete"})
	}
	return nil
}

func (b *DockerBackend) ImageExists(ctx context.Context, ref string) (bool, error) {
	img, err := b.GetImage(ctx, ref)
	if err != nil {
		if err == ErrImageNotFound {
			return false, nil
		}
		return false, err
	}
	return img != nil, nil
}

func (b *DockerBackend) GetImage(ctx context.Context, ref string) (*ImageInfo, error) {
	f := filters.NewArgs(filters.Arg("reference", ref))
	images, err := b.cli.ImageList(ctx, image.ListOptions{Filters: f})
	if err != nil {
		return nil, fmt.Errorf("image list: %w", err)
	}
	if len(images) == 0 {
		return nil, ErrImageNotFound
	}
	return toImageInfo(images[0]), nil
}

func (b *DockerBackend) ListImages(ctx context.Context) ([]ImageInfo, error) {
	images, err := b.cli.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("image list: %w", err)
	}
	out := make([]ImageInfo, 0, len(images))
	for _, img := range images {
		out = append(out, *toImageInfo(img))
	}
	return out, nil
}

func (b *DockerBackend) RemoveImage(ctx context.Context, ref string) error {
	_, err := b.cli.ImageRemove(ctx, ref, image.RemoveOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return ErrImageNotFound
		}
		return fmt.Errorf("image remove: %w", err)
	}
	return nil
}

func (b *DockerBackend) EnsureNetwork(ctx context.Context, name string) (*NetworkInfo, error) {
	if nw, err := b.GetNetwork(ctx, name); err == nil {
		return nw, nil
	} else if err != ErrNetworkNotFound {
		return nil, err
	}
	resp, err := b.cli.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{labelManagedBy: labelValue},
	})
	if err != nil {
		// Lost a create race; the network now exists.
		if errdefs.IsConflict(err) {
			return b.GetNetwork(ctx, name)
		}
		return nil, fmt.Errorf("network create: %w", err)
	}
	return &NetworkInfo{ID: resp.ID, Name: name, Driver: "bridge"}, nil
}

func (b *DockerBackend) GetNetwork(ctx context.Context, name string) (*NetworkInfo, error) {
	nw, err := b.cli.NetworkInspect(ctx, name, network.InspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, ErrNetworkNotFound
		}
		return nil, fmt.Errorf("network inspect: %w", err)
	}
	return &NetworkInfo{ID: nw.ID, Name: nw.Name, Driver: nw.Driver}, nil
}

func (b *DockerBackend) HealthCheck(ctx context.Context) error {
	if _, err := b.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%v: %w", err, ErrUnavailable)
	}
	return nil
}

func (b *DockerBackend) Info(ctx context.Context) (*Info, error) {
	info, err := b.cli.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, ErrUnavailable)
	}
	return &Info{
		Version:           info.ServerVersion,
		APIVersion:        b.cli.ClientVersion(),
		OS:                info.OperatingSystem,
		Arch:              info.Architecture,
		CPUs:              info.NCPU,
		TotalMemory:       info.MemTotal,
		ContainersRunning: info.ContainersRunning,
		ContainersStopped: info.ContainersStopped,
		Images:            info.Images,
	}, nil
}

// RemoveOrphans force-removes managed containers whose sandbox id is not in
// known. Used at startup to clean leftovers from a previous run.
func (b *DockerBackend) RemoveOrphans(ctx context.Context, known []string) {
	keep := make(map[string]bool, len(known))
	for _, id := range known {
		keep[id] = true
	}
	f := filters.NewArgs(filters.Arg("label", labelManagedBy+"="+labelValue))
	containers, err := b.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return
	}
	for _, c := range containers {
		if keep[c.Labels[labelSandboxID]] {
			continue
		}
		b.cli.ContainerStop(ctx, c.ID, container.StopOptions{})
		b.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true})
	}
}

func (b *DockerBackend) Close() error {
	return b.cli.Close()
}

// resolve maps a sandbox id to its container id via the sandbox-id label.
func (b *DockerBackend) resolve(ctx context.Context, id string) (string, error) {
	f := filters.NewArgs(
		filters.Arg("label", labelManagedBy+"="+labelValue),
		filters.Arg("label", labelSandboxID+"="+id),
	)
	containers, err := b.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return "", fmt.Errorf("container list: %w", err)
	}
	if len(containers) == 0 {
		return "", ErrSandboxNotFound
	}
	return containers[0].ID, nil
}

func (b *DockerBackend) toSandbox(info *container.InspectResponse) *Sandbox {
	sb := &Sandbox{
		ContainerID: info.ID,
		Name:        strings.TrimPrefix(info.Name, "/"),
		State:       StateUnknown,
		URLs:        map[string]string{},
	}
	if info.Config != nil {
		sb.ID = info.Config.Labels[labelSandboxID]
		sb.Image = info.Config.Image
		sb.Labels = info.Config.Labels
	}
	if info.State != nil {
		switch {
		case info.State.Paused:
			sb.State = StatePaused
		case info.State.Running:
			sb.State = StateRunning
		case info.State.Status == "created":
			sb.State = StateCreated
		case info.State.Status == "exited":
			sb.State = StateStopped
		}
		if t, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil && !t.IsZero() {
			started := t
			sb.StartedAt = &started
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, info.Created); err == nil {
		sb.CreatedAt = t
	}
	if info.NetworkSettings != nil {
		for port, bindings := range info.NetworkSettings.Ports {
			if port.Proto() != "tcp" || len(bindings) == 0 {
				continue
			}
			sb.URLs["agent"] = fmt.Sprintf("http://%s:%s", b.cfg.HostAddr, bindings[0].HostPort)
		}
	}
	return sb
}

func toImageInfo(img image.Summary) *ImageInfo {
	return &ImageInfo{
		ID:      img.ID,
		Tags:    img.RepoTags,
		Size:    img.Size,
		Created: time.Unix(img.Created, 0),
	}
}

func stopOptions(timeout time.Duration) container.StopOptions {
	if timeout <= 0 {
		timeout = defaultStopTimeout
	}
	secs := int(timeout.Seconds())
	return container.StopOptions{Timeout: &secs}
}

func containerName(id string) string {
	return "agentbox-" + id
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return []string{}
	}
	return strings.Split(s, "\n")
}
