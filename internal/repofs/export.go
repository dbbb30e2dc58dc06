package repofs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"runtime"
	"strconv"
	"sync"

	billy "github.com/go-git/go-billy/v5"
	"github.com/rs/zerolog"
	nfs "github.com/willscott/go-nfs"
	nfshelper "github.com/willscott/go-nfs/helpers"
)

// DefaultHandleCache is the number of NFS file handles an export remembers.
const DefaultHandleCache = 4096

// Export serves a repository filesystem read-only over NFSv3 with null auth.
type Export struct {
	ln   net.Listener
	log  zerolog.Logger
	done chan struct{}

	closeOnce sync.Once
	serveErr  error
}

// ExportOption configures an Export.
type ExportOption func(*exportConfig)

type exportConfig struct {
	log     zerolog.Logger
	handles int
}

// WithExportLogger sets the logger for export lifecycle events.
func WithExportLogger(log zerolog.Logger) ExportOption {
	return func(c *exportConfig) { c.log = log }
}

// WithHandleCache bounds the file handle cache.
func WithHandleCache(n int) ExportOption {
	return func(c *exportConfig) {
		if n > 0 {
			c.handles = n
		}
	}
}

// Serve listens on addr (port 0 picks a free one) and exports fs until Close.
func Serve(fs billy.Filesystem, addr string, opts ...ExportOption) (*Export, error) {
	cfg := exportConfig{log: zerolog.Nop(), handles: DefaultHandleCache}
	for _, opt := range opts {
		opt(&cfg)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("nfs export on %s: %w", addr, err)
	}
	e := &Export{ln: ln, log: cfg.log, done: make(chan struct{})}
	handler := nfshelper.NewCachingHandler(nfshelper.NewNullAuthHandler(fs), cfg.handles)
	go func() {
		defer close(e.done)
		if err := nfs.Serve(ln, handler); err != nil && !errors.Is(err, net.ErrClosed) {
			e.serveErr = err
		}
	}()
	e.log.Info().Stringer("addr", ln.Addr()).Int("handles", cfg.handles).Msg("nfs export listening")
	return e, nil
}

// Addr is the bound listen address.
func (e *Export) Addr() *net.TCPAddr {
	return e.ln.Addr().(*net.TCPAddr)
}

// Port is the bound TCP port, which the mount uses for both nfs and mountd.
func (e *Export) Port() int {
	return e.Addr().Port
}

// Close stops accepting connections and waits for the accept loop to exit.
// It returns the loop's error, if it failed for a reason other than Close.
func (e *Export) Close() error {
	e.closeOnce.Do(func() {
		_ = e.ln.Close()
		<-e.done
		if e.serveErr != nil {
			e.log.Warn().Err(e.serveErr).Msg("nfs export stopped")
			return
		}
		e.log.Debug().Msg("nfs export closed")
	})
	return e.serveErr
}

// MountOptions describes a local read-only mount of an export.
type MountOptions struct {
	Host       string // default "localhost"
	Port       int
	Mountpoint string
}

// Args returns the mount(8) argument list for the running platform.
func (m MountOptions) Args() ([]string, error) {
	return m.argsFor(runtime.GOOS)
}

func (m MountOptions) argsFor(goos string) ([]string, error) {
	if m.Port <= 0 {
		return nil, fmt.Errorf("mount %s: invalid port %d", m.Mountpoint, m.Port)
	}
	if m.Mountpoint == "" {
		return nil, errors.New("mount: no mountpoint")
	}
	host := m.Host
	if host == "" {
		host = "localhost"
	}
	port := strconv.Itoa(m.Port)
	var flags string
	switch goos {
	case "darwin":
		flags = "port=" + port + ",mountport=" + port + ",vers=3,tcp,locallocks,noresvport,rdonly"
	case "linux":
		flags = "port=" + port + ",mountport=" + port + ",vers=3,tcp,local_lock=all,nolock,ro"
	default:
		return nil, fmt.Errorf("mount: unsupported OS %s", goos)
	}
	return []string{"mount", "-t", "nfs", "-o", flags, host + ":/", m.Mountpoint}, nil
}

// Mount runs the mount through sudo.
func Mount(ctx context.Context, m MountOptions) error {
	args, err := m.Args()
	if err != nil {
		return err
	}
	if out, err := exec.CommandContext(ctx, "sudo", args...).CombinedOutput(); err != nil {
		return fmt.Errorf("mount %s: %w\n%s", m.Mountpoint, err, out)
	}
	return nil
}

// Unmount detaches mountpoint. On macOS diskutil is tried first since it
// needs no sudo for user mounts.
func Unmount(ctx context.Context, mountpoint string) error {
	if runtime.GOOS == "darwin" && exec.CommandContext(ctx, "diskutil", "unmount", mountpoint).Run() == nil {
		return nil
	}
	if out, err := exec.CommandContext(ctx, "sudo", "umount", mountpoint).CombinedOutput(); err != nil {
		return fmt.Errorf("unmount %s: %w\n%s", mountpoint, err, out)
	}
	return nil
}
