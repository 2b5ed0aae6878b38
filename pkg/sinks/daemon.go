package sinks

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"

	"github.com/shakenfist/occystrap/pkg/element"
)

// Loader is the slice of the Docker Engine API the daemon sink needs.
type Loader interface {
	ImageLoad(ctx context.Context, input io.Reader, opts ...client.ImageLoadOption) (image.LoadResponse, error)
}

// Daemon loads an image into a local Docker or Podman daemon: it
// builds a v1.2 tarball in a scratch file and POSTs it to
// /images/load, the same as docker load.
type Daemon struct {
	Log    *logrus.Entry
	Loader Loader

	ctx         context.Context
	scratchPath string
	tarball     *Tarball
}

// NewDaemon connects to the daemon socket and prepares the scratch
// tarball.
func NewDaemon(ctx context.Context, log *logrus.Entry, image, tag, socketPath, scratchDir string) (*Daemon, error) {
	cli, err := client.NewClientWithOpts(
		client.WithHost("unix://"+socketPath),
		client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connecting to daemon at %s: %w", socketPath, err)
	}
	return newDaemon(ctx, log.WithField("socket", socketPath), cli, image, tag, scratchDir)
}

func newDaemon(ctx context.Context, log *logrus.Entry, loader Loader, image, tag, scratchDir string) (*Daemon, error) {
	if scratchDir == "" {
		scratchDir = os.TempDir()
	}
	scratchPath := filepath.Join(scratchDir, fmt.Sprintf("occystrap-load-%d.tar", os.Getpid()))
	tarball, err := NewTarball(log, image, tag, scratchPath)
	if err != nil {
		return nil, err
	}
	return &Daemon{
		Log:         log.WithFields(logrus.Fields{"image": image, "tag": tag}),
		Loader:      loader,
		ctx:         ctx,
		scratchPath: scratchPath,
		tarball:     tarball,
	}, nil
}

func (s *Daemon) Want(digest string) bool { return true }

func (s *Daemon) Accept(kind element.Kind, name string, data io.ReadSeeker) error {
	return s.tarball.Accept(kind, name, data)
}

// Finalize completes the scratch tarball and loads it into the daemon.
func (s *Daemon) Finalize() error {
	if err := s.tarball.Finalize(); err != nil {
		return err
	}
	defer os.Remove(s.scratchPath)

	f, err := os.Open(s.scratchPath)
	if err != nil {
		return err
	}
	defer f.Close()

	s.Log.Info("loading image into daemon")
	resp, err := s.Loader.ImageLoad(s.ctx, f)
	if err != nil {
		return fmt.Errorf("loading image into daemon: %w", err)
	}
	if resp.Body != nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}
	s.Log.Info("image loaded")
	return nil
}
