package plugins

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	pb "github.com/mozilla-ai/mcpd-plugins-sdk-go/pkg/plugins/v1/plugins"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"

	pkg "github.com/peteski22/proxy-plugins/pkg/contract/plugin"
)

// Manager manages remote plugin processes. It starts plugins, maintains process control,
// and can force-kill them at any time. Plugins are untrusted third-party code.
// NOTE: Use NewManager to create a Manager.
type Manager struct {
	logger       hclog.Logger
	mu           sync.Mutex
	plugins      map[string]*runningPlugin
	startTimeout time.Duration
	callTimeout  time.Duration
}

// runningPlugin tracks a plugin process and its gRPC connection.
type runningPlugin struct {
	cmd     *exec.Cmd
	conn    *grpc.ClientConn
	client  pb.PluginClient
	remote  *RemotePlugin
	address string
	network string
}

// NewManager creates a new plugin manager.
func NewManager(logger hclog.Logger) *Manager {
	return &Manager{
		logger:       logger.Named("plugin-manager"),
		plugins:      make(map[string]*runningPlugin),
		startTimeout: 10 * time.Second,
		callTimeout:  defaultCallTimeout,
	}
}

// Discover returns the executable regular files directly inside dir, sorted by name.
func (m *Manager) Discover(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading plugin directory: %w", err)
	}

	var binaries []string
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			m.logger.Warn("skipping unreadable plugin", "name", e.Name(), "error", err)
			continue
		}
		if runtime.GOOS != "windows" && info.Mode().Perm()&0o111 == 0 {
			m.logger.Debug("skipping non-executable file", "name", e.Name())
			continue
		}
		binaries = append(binaries, filepath.Join(dir, e.Name()))
	}
	slices.Sort(binaries)
	return binaries, nil
}

// Start launches a plugin binary, connects to it, and returns a RemotePlugin running at step.
// The manager maintains control of the process and can kill it at any time.
func (m *Manager) Start(ctx context.Context, binaryPath string, step pkg.Step) (*RemotePlugin, error) {
	m.logger.Info("starting plugin", "path", binaryPath, "step", step)

	address, network := m.generateAddress()
	m.logger.Debug("transport selected", "network", network, "address", address)

	cmd := exec.CommandContext(ctx, binaryPath, "--address", address, "--network", network)
	cmd.Stdout = m.logger.StandardWriter(&hclog.StandardLoggerOptions{InferLevels: true})
	cmd.Stderr = m.logger.StandardWriter(&hclog.StandardLoggerOptions{InferLevels: true})

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	m.logger.Debug("plugin process started", "pid", cmd.Process.Pid, "address", address)

	kill := func() {
		if err := cmd.Process.Kill(); err != nil {
			m.logger.Warn("failed to kill plugin process", "error", err)
		}
		_ = cmd.Wait()
	}

	dialCtx, cancel := context.WithTimeout(ctx, m.startTimeout)
	defer cancel()

	if err := m.waitForSocket(dialCtx, network, address); err != nil {
		kill()
		return nil, fmt.Errorf("plugin didn't start in time: %w", err)
	}

	dialAddr := address
	if network == "unix" {
		dialAddr = "unix://" + address
	}

	conn, err := grpc.NewClient(dialAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		kill()
		return nil, fmt.Errorf("failed to connect to plugin: %w", err)
	}

	client := pb.NewPluginClient(conn)

	metaCtx, metaCancel := context.WithTimeout(ctx, m.callTimeout)
	defer metaCancel()

	remote, err := NewRemotePlugin(metaCtx, client, step, WithCallTimeout(m.callTimeout))
	if err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			m.logger.Warn("failed to close connection", "error", closeErr)
		}
		kill()
		return nil, fmt.Errorf("creating remote plugin: %w", err)
	}

	m.logger.Info("plugin started",
		"name", remote.Name(),
		"version", remote.Version(),
		"pid", cmd.Process.Pid)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.plugins[remote.Name()]; exists {
		_ = conn.Close()
		kill()
		return nil, fmt.Errorf("%w: plugin %s already running", ErrInvalidConfig, remote.Name())
	}
	m.plugins[remote.Name()] = &runningPlugin{
		cmd:     cmd,
		conn:    conn,
		client:  client,
		remote:  remote,
		address: address,
		network: network,
	}

	return remote, nil
}

// Running returns the names of the started plugins, sorted.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.plugins))
	for name := range m.plugins {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// StopAll stops all running plugins. Force-kills any that don't stop gracefully.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	running := make([]*runningPlugin, 0, len(m.plugins))
	for _, rp := range m.plugins {
		running = append(running, rp)
	}
	m.plugins = make(map[string]*runningPlugin)
	m.mu.Unlock()

	for _, rp := range running {
		if err := m.stopPlugin(ctx, rp); err != nil {
			m.logger.Error("error stopping plugin", "plugin", rp.remote.Name(), "error", err)
		}
	}
}

func (m *Manager) stopPlugin(ctx context.Context, rp *runningPlugin) error {
	name := rp.remote.Name()
	m.logger.Info("stopping plugin", "plugin", name)

	stopCtx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()

	if _, err := rp.client.Stop(stopCtx, &emptypb.Empty{}); err != nil {
		m.logger.Warn("graceful stop failed, force killing", "error", err)
	}

	if err := rp.conn.Close(); err != nil {
		m.logger.Warn("error closing connection", "error", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- rp.cmd.Wait()
	}()

	select {
	case <-time.After(2 * time.Second):
		m.logger.Warn("plugin didn't exit, force killing", "plugin", name)
		if err := rp.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("failed to kill process: %w", err)
		}
		<-done
	case err := <-done:
		if err != nil {
			m.logger.Debug("plugin process exited with error", "error", err)
		}
	}

	if rp.network == "unix" {
		if err := os.Remove(rp.address); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("failed to remove socket file", "path", rp.address, "error", err)
		}
	}

	m.logger.Info("plugin stopped", "plugin", name)
	return nil
}

// generateAddress picks a fresh listen address for a plugin process.
func (m *Manager) generateAddress() (address string, network string) {
	if runtime.GOOS == "windows" {
		port := 50000 + (time.Now().UnixNano() % 10000)
		return fmt.Sprintf("localhost:%d", port), "tcp"
	}
	return filepath.Join(os.TempDir(), "plugin-"+uuid.NewString()+".sock"), "unix"
}

func (m *Manager) waitForSocket(ctx context.Context, network, address string) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			conn, err := net.DialTimeout(network, address, 100*time.Millisecond)
			if err == nil {
				_ = conn.Close()
				return nil
			}
		}
	}
}
