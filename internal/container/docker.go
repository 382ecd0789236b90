// Package container maps GPU processes to the Docker containers that own them.
package container

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"

	"github.com/worldland/energy-sensor/internal/domain"
)

const shortIDLen = 12

// ErrNotContainerized means the process runs outside any container
var ErrNotContainerized = errors.New("process is not in a container")

var containerIDPattern = regexp.MustCompile(`[0-9a-f]{64}`)

// DockerClient interface for Docker operations (mockable)
type DockerClient interface {
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	Close() error
}

// Compile-time interface check
var _ DockerClient = (*client.Client)(nil)

// Resolver finds the container of a process through /proc/<pid>/cgroup and
// names it through the Docker API. Names are cached per container id.
type Resolver struct {
	cli      DockerClient
	procRoot string
	timeout  time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	names map[string]string
}

// NewResolver creates a Resolver with a Docker client from the environment
func NewResolver(procRoot string, logger *slog.Logger) (*Resolver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return NewResolverWithClient(cli, procRoot, logger), nil
}

// NewResolverWithClient creates a Resolver with a provided client (for testing)
func NewResolverWithClient(cli DockerClient, procRoot string, logger *slog.Logger) *Resolver {
	if procRoot == "" {
		procRoot = "/proc"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		cli:      cli,
		procRoot: procRoot,
		timeout:  2 * time.Second,
		logger:   logger.With("component", "container"),
		names:    make(map[string]string),
	}
}

// ContainerID returns the full container id from the process cgroup file
func (r *Resolver) ContainerID(pid uint32) (string, error) {
	f, err := os.Open(filepath.Join(r.procRoot, strconv.FormatUint(uint64(pid), 10), "cgroup"))
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		// hierarchy-ID:controllers:path
		parts := strings.SplitN(scanner.Text(), ":", 3)
		if len(parts) != 3 {
			continue
		}
		if ids := containerIDPattern.FindAllString(parts[2], -1); len(ids) > 0 {
			return ids[len(ids)-1], nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", ErrNotContainerized
}

// Resolve returns the name of the container running pid
func (r *Resolver) Resolve(ctx context.Context, pid uint32) (string, error) {
	id, err := r.ContainerID(pid)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	name, ok := r.names[id]
	r.mu.Unlock()
	if ok {
		return name, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	inspect, err := r.cli.ContainerInspect(ctx, id)
	if err != nil {
		return id[:shortIDLen], fmt.Errorf("failed to inspect container: %w", err)
	}

	name = strings.TrimPrefix(inspect.Name, "/")
	if name == "" {
		name = id[:shortIDLen]
	}

	r.mu.Lock()
	r.names[id] = name
	r.mu.Unlock()
	return name, nil
}

// Annotate returns a copy of procs with Container set where it can be resolved
func (r *Resolver) Annotate(ctx context.Context, procs []domain.ProcessInfo) []domain.ProcessInfo {
	if procs == nil {
		return nil
	}
	out := make([]domain.ProcessInfo, len(procs))
	for i, p := range procs {
		out[i] = p
		name, err := r.Resolve(ctx, p.PID)
		if err != nil && !errors.Is(err, ErrNotContainerized) {
			r.logger.Debug("container lookup failed", "pid", p.PID, "err", err)
		}
		out[i].Container = name
	}
	return out
}

// Close closes the Docker client connection
func (r *Resolver) Close() error {
	if r.cli != nil {
		return r.cli.Close()
	}
	return nil
}
