package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	units "github.com/docker/go-units"

	"github.com/jkaninda/runbox/internal/language"
	"github.com/jkaninda/runbox/internal/security"
)

const (
	labelManaged  = "runbox.sandbox"
	labelID       = "runbox.sandbox_id"
	labelLanguage = "runbox.language"

	workspaceDir = "/workspace"
	sandboxUser  = "65534:65534"
)

// DockerConfig configures the Docker backend.
type DockerConfig struct {
	// Host overrides DOCKER_HOST.
	Host string
	// Images maps language names to images, overriding the built-in table.
	Images       map[string]string
	DefaultImage string
	// PIDsLimit overrides the envelope's process cap when > 0.
	PIDsLimit int64
	// RestrictedNetwork is the Docker network used for the restricted mode. Empty = "bridge".
	RestrictedNetwork string
	PullMissing       bool
}

// DockerBackend runs each sandbox as a long-lived container with all
// capabilities dropped, a read-only root filesystem and a size-capped
// tmpfs workspace. Commands run through exec.
type DockerBackend struct {
	cli    *client.Client
	cfg    DockerConfig
	logger *slog.Logger
}

// NewDockerBackend connects to the Docker daemon.
func NewDockerBackend(cfg DockerConfig, logger *slog.Logger) (*DockerBackend, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if cfg.DefaultImage == "" {
		cfg.DefaultImage = language.DefaultImage
	}
	if cfg.RestrictedNetwork == "" {
		logger.Warn("restricted sandbox network falls back to bridge with unfiltered egress; set sandbox.docker.restricted_network to an egress-filtered network")
	}
	return &DockerBackend{cli: cli, cfg: cfg, logger: logger}, nil
}

func (b *DockerBackend) Name() string { return "docker" }

func (b *DockerBackend) Ping(ctx context.Context) error {
	if _, err := b.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

// Close releases the client connection.
func (b *DockerBackend) Close() error {
	return b.cli.Close()
}

// Provision creates and starts the sandbox container. PID 1 only sleeps,
// so killing every workload process leaves the container usable.
func (b *DockerBackend) Provision(ctx context.Context, req ProvisionRequest) (Instance, error) {
	img := req.Image
	if img == "" {
		img = language.ImageFor(req.Language, b.cfg.Images, b.cfg.DefaultImage)
	}
	if err := b.ensureImage(ctx, img); err != nil {
		return nil, err
	}

	lifetime := req.Lifetime
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	pids := int64(req.Limits.PIDs)
	if b.cfg.PIDsLimit > 0 {
		pids = b.cfg.PIDsLimit
	}
	memBytes := int64(req.Limits.MemoryMB) * units.MiB

	cfg := &container.Config{
		Image:      img,
		Entrypoint: []string{"sleep"},
		Cmd:        []string{strconv.Itoa(int(lifetime.Seconds()) + 60)},
		WorkingDir: workspaceDir,
		User:       sandboxUser,
		Env:        containerEnv(nil),
		Labels: map[string]string{
			labelManaged:  "true",
			labelID:       req.ID,
			labelLanguage: req.Language,
		},
		NetworkDisabled: req.Limits.Network == security.NetworkNone,
	}
	hostCfg := &container.HostConfig{
		NetworkMode:    container.NetworkMode(b.networkMode(req.Limits.Network)),
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			workspaceDir: fmt.Sprintf("rw,exec,nosuid,size=%dm,mode=1777", req.Limits.DiskMB),
			"/tmp":       "rw,noexec,nosuid,size=64m,mode=1777",
		},
		Resources: container.Resources{
			Memory:     memBytes,
			MemorySwap: memBytes,
			NanoCPUs:   int64(req.Limits.CPU * 1e9),
			PidsLimit:  &pids,
			Ulimits: []*units.Ulimit{
				{Name: "nofile", Soft: 1024, Hard: 1024},
				{Name: "core", Soft: 0, Hard: 0},
			},
		},
	}

	name := "runbox-" + req.ID
	resp, err := b.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	if err := b.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		b.remove(resp.ID)
		return nil, fmt.Errorf("starting container: %w", err)
	}

	b.logger.Debug("sandbox container started",
		slog.String("sandbox_id", req.ID),
		slog.String("container", resp.ID[:12]),
		slog.String("image", img),
		slog.String("memory", units.BytesSize(float64(memBytes))),
		slog.Float64("cpu", req.Limits.CPU),
	)
	return &dockerInstance{b: b, containerID: resp.ID, limits: req.Limits}, nil
}

func (b *DockerBackend) networkMode(mode security.NetworkMode) string {
	switch mode {
	case security.NetworkNone:
		return "none"
	case security.NetworkRestricted:
		if b.cfg.RestrictedNetwork != "" {
			return b.cfg.RestrictedNetwork
		}
		return "bridge"
	default:
		return "bridge"
	}
}

func (b *DockerBackend) ensureImage(ctx context.Context, ref string) error {
	if _, err := b.cli.ImageInspect(ctx, ref); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspecting image %s: %w", ref, err)
	}
	if !b.cfg.PullMissing {
		return fmt.Errorf("image %s not present and pulling is disabled", ref)
	}
	b.logger.Info("pulling sandbox image", slog.String("image", ref))
	rc, err := b.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", ref, err)
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return err
}

func (b *DockerBackend) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err := b.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		b.logger.Warn("failed to remove container",
			slog.String("container", containerID),
			slog.String("error", err.Error()),
		)
	}
}

// RemoveOrphans removes labelled containers whose sandbox ID is not kept,
// typically those left behind by a previous process.
func (b *DockerBackend) RemoveOrphans(ctx context.Context, keep func(string) bool) (int, error) {
	list, err := b.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManaged+"=true")),
	})
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}
	removed := 0
	for _, c := range list {
		if keep(c.Labels[labelID]) {
			continue
		}
		err := b.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		if err != nil && !client.IsErrNotFound(err) {
			b.logger.Warn("failed to remove orphan container",
				slog.String("container", c.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
	}
	return removed, nil
}

type dockerInstance struct {
	b           *DockerBackend
	containerID string
	limits      security.Envelope
}

func (d *dockerInstance) WriteFiles(ctx context.Context, files map[string][]byte) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	dirs := map[string]bool{}
	now := time.Now()
	for _, name := range names {
		for dir := path.Dir(name); dir != "." && dir != "/" && !dirs[dir]; dir = path.Dir(dir) {
			dirs[dir] = true
		}
	}
	dirList := make([]string, 0, len(dirs))
	for dir := range dirs {
		dirList = append(dirList, dir)
	}
	sort.Strings(dirList)
	for _, dir := range dirList {
		hdr := &tar.Header{Name: dir + "/", Typeflag: tar.TypeDir, Mode: 0o755, Uid: 65534, Gid: 65534, ModTime: now}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
	}
	for _, name := range names {
		data := files[name]
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(data)), Uid: 65534, Gid: 65534, ModTime: now}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if _, err := tw.Write(data); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := d.b.cli.CopyToContainer(ctx, d.containerID, workspaceDir, &buf, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copying files: %w", err)
	}
	return nil
}

func (d *dockerInstance) Exec(ctx context.Context, c Command) (*RunResult, error) {
	if len(c.Args) == 0 {
		return nil, errors.New("empty command")
	}
	created, err := d.b.cli.ContainerExecCreate(ctx, d.containerID, container.ExecOptions{
		Cmd:          c.Args,
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   path.Join(workspaceDir, c.Dir),
		Env:          containerEnv(c.Env),
		User:         sandboxUser,
	})
	if err != nil {
		return nil, fmt.Errorf("creating exec: %w", err)
	}
	attach, err := d.b.cli.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return nil, fmt.Errorf("attaching exec: %w", err)
	}
	defer attach.Close()

	stdout := newCappedBuffer(c.MaxOutput)
	stderr := newCappedBuffer(c.MaxOutput)
	start := time.Now()
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		done <- err
	}()

	res := &RunResult{}
	select {
	case err = <-done:
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("reading exec output: %w", err)
		}
	case <-ctx.Done():
		d.killWorkload()
		attach.Close()
		<-done
		res.TimedOut = true
	}
	res.WallTime = time.Since(start)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	res.StdoutTruncated = stdout.Truncated()
	res.StderrTruncated = stderr.Truncated()
	if res.TimedOut {
		res.ExitCode = ExitTimedOut
		return res, nil
	}

	inspectCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	info, err := d.b.cli.ContainerExecInspect(inspectCtx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("inspecting exec: %w", err)
	}
	res.ExitCode = info.ExitCode
	return res, nil
}

// killWorkload signals every process of the sandbox user. kill(-1) never
// reaches PID 1 inside the container's namespace.
func (d *dockerInstance) killWorkload() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	created, err := d.b.cli.ContainerExecCreate(ctx, d.containerID, container.ExecOptions{
		Cmd:  []string{"sh", "-c", "kill -9 -1"},
		User: sandboxUser,
	})
	if err == nil {
		err = d.b.cli.ContainerExecStart(ctx, created.ID, container.ExecStartOptions{Detach: true})
	}
	if err != nil {
		d.b.logger.Warn("failed to kill sandbox workload",
			slog.String("container", d.containerID),
			slog.String("error", err.Error()),
		)
	}
}

func (d *dockerInstance) ReadFiles(ctx context.Context, dir string, limits ReadLimits) (map[string][]byte, error) {
	limits = limits.withDefaults()
	rc, _, err := d.b.cli.CopyFromContainer(ctx, d.containerID, path.Join(workspaceDir, dir))
	if err != nil {
		return nil, fmt.Errorf("copying from container: %w", err)
	}
	defer rc.Close()

	out := make(map[string][]byte)
	var total int64
	tr := tar.NewReader(rc)
	for len(out) < limits.MaxFiles {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading archive: %w", err)
		}
		// Entries are prefixed with the base name of the copied directory.
		_, rel, ok := strings.Cut(hdr.Name, "/")
		if !ok || rel == "" || hdr.Typeflag != tar.TypeReg || inSkippedDir(rel) {
			continue
		}
		if total >= limits.MaxTotal {
			out[rel] = nil
			continue
		}
		data, err := io.ReadAll(io.LimitReader(tr, limits.MaxFileBytes))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", rel, err)
		}
		total += int64(len(data))
		out[rel] = data
	}
	return out, nil
}

func inSkippedDir(rel string) bool {
	parts := strings.Split(rel, "/")
	for _, p := range parts[:len(parts)-1] {
		if skipDirs[p] {
			return true
		}
	}
	return false
}

func (d *dockerInstance) Usage(ctx context.Context) (ResourceStats, error) {
	resp, err := d.b.cli.ContainerStatsOneShot(ctx, d.containerID)
	if err != nil {
		return ResourceStats{}, fmt.Errorf("container stats: %w", err)
	}
	defer resp.Body.Close()

	var st container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return ResourceStats{}, fmt.Errorf("decoding stats: %w", err)
	}
	peak := st.MemoryStats.MaxUsage
	if peak == 0 {
		peak = st.MemoryStats.Usage
	}
	out := ResourceStats{
		CPUTime:         time.Duration(st.CPUStats.CPUUsage.TotalUsage),
		CPUPercent:      cpuPercent(st),
		PeakMemoryBytes: int64(peak),
		MemoryLimitMB:   d.limits.MemoryMB,
		CapturedAt:      time.Now(),
	}
	for _, n := range st.Networks {
		out.NetworkRxBytes += int64(n.RxBytes)
		out.NetworkTxBytes += int64(n.TxBytes)
	}
	out.DiskBytes = d.diskUsage(ctx)
	return out, nil
}

func cpuPercent(st container.StatsResponse) float64 {
	cpuDelta := float64(st.CPUStats.CPUUsage.TotalUsage) - float64(st.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(st.CPUStats.SystemUsage) - float64(st.PreCPUStats.SystemUsage)
	if cpuDelta <= 0 || sysDelta <= 0 {
		return 0
	}
	cpus := float64(st.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = 1
	}
	return cpuDelta / sysDelta * cpus * 100
}

func (d *dockerInstance) diskUsage(ctx context.Context) int64 {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	res, err := d.Exec(ctx, Command{Args: []string{"du", "-sk", workspaceDir}, MaxOutput: 4096})
	if err != nil || res.ExitCode != 0 {
		return 0
	}
	fields := strings.Fields(res.Stdout)
	if len(fields) == 0 {
		return 0
	}
	kb, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0
	}
	return kb * 1024
}

func (d *dockerInstance) Destroy(ctx context.Context) error {
	err := d.b.cli.ContainerRemove(ctx, d.containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("removing container: %w", err)
	}
	return nil
}

func containerEnv(extra map[string]string) []string {
	env := []string{
		"HOME=" + workspaceDir,
		"TMPDIR=/tmp",
		"LANG=C.UTF-8",
		"PYTHONUNBUFFERED=1",
		"PYTHONDONTWRITEBYTECODE=1",
		"PIP_USER=1",
		"PIP_NO_CACHE_DIR=1",
		"GOPATH=" + workspaceDir + "/.go",
		"GOCACHE=" + workspaceDir + "/.cache/go",
		"CARGO_HOME=" + workspaceDir + "/.cargo",
		"npm_config_cache=" + workspaceDir + "/.npm",
		"CI=true",
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
