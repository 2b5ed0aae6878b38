package sinks

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	rspec "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/sirupsen/logrus"

	"github.com/shakenfist/occystrap/pkg/element"
)

// OCIBundle writes a single image as an OCI runtime bundle: the merged
// rootfs under rootfs/ plus a config.json a runtime like runc can
// start directly. It is the directory sink restricted to one image,
// with the intermediate layer data removed afterwards.
type OCIBundle struct {
	Log *logrus.Entry

	dir        *Directory
	path       string
	configName string
	configData []byte
}

// NewOCIBundle creates the bundle directory and the sink that fills
// it.
func NewOCIBundle(log *logrus.Entry, image, tag, path string) (*OCIBundle, error) {
	dir, err := NewDirectory(log, image, tag, path, false, true)
	if err != nil {
		return nil, err
	}
	dir.MergedName = "rootfs"
	return &OCIBundle{
		Log:  log.WithFields(logrus.Fields{"image": image, "tag": tag, "bundle": path}),
		dir:  dir,
		path: path,
	}, nil
}

func (s *OCIBundle) Want(digest string) bool { return true }

func (s *OCIBundle) Accept(kind element.Kind, name string, data io.ReadSeeker) error {
	if kind == element.ConfigFile && data != nil {
		configData, err := io.ReadAll(data)
		if err != nil {
			return err
		}
		s.configName = configFileName(name)
		s.configData = configData
		if _, err := data.Seek(0, io.SeekStart); err != nil {
			return err
		}
	}
	return s.dir.Accept(kind, name, data)
}

// imageConfig is the slice of the image configuration the runtime spec
// is synthesized from.
type imageConfig struct {
	Config struct {
		Entrypoint []string `json:"Entrypoint"`
		Cmd        []string `json:"Cmd"`
		Env        []string `json:"Env"`
		WorkingDir string   `json:"WorkingDir"`
	} `json:"config"`
}

// Finalize strips the bundle down to rootfs/, container-config.json
// and a synthesized runtime config.json.
func (s *OCIBundle) Finalize() error {
	if s.configData == nil {
		return fmt.Errorf("no config file was processed")
	}

	// The per-layer data served its purpose building the rootfs and
	// is not part of an OCI bundle.
	var errs *multierror.Error
	for _, layerFile := range s.dir.manifest.Layers {
		layerDir := filepath.Dir(layerFile)
		if err := os.RemoveAll(filepath.Join(s.path, layerDir)); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return err
	}

	// The image configuration moves to a well known name. Not part
	// of the OCI spec, but convenient.
	containerConfig := filepath.Join(s.path, "container-config.json")
	if err := os.Rename(filepath.Join(s.path, s.configName), containerConfig); err != nil {
		return err
	}

	var imgConf imageConfig
	if err := json.Unmarshal(s.configData, &imgConf); err != nil {
		return fmt.Errorf("decoding image config: %w", err)
	}

	spec := runtimeSpec(imgConf)
	encoded, err := json.MarshalIndent(spec, "", "    ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(s.path, "config.json"), append(encoded, '\n'), 0o644); err != nil {
		return err
	}

	s.Log.Info("bundle written")
	return nil
}

var bundleCapabilities = []string{
	"CAP_AUDIT_WRITE",
	"CAP_KILL",
	"CAP_NET_BIND_SERVICE",
}

// runtimeSpec synthesizes a runc-compatible runtime specification for
// the image: process arguments from Entrypoint plus Cmd, the image's
// environment and working directory, and the default namespaces,
// mounts and masked paths.
func runtimeSpec(imgConf imageConfig) *rspec.Spec {
	args := append([]string{}, imgConf.Config.Entrypoint...)
	args = append(args, imgConf.Config.Cmd...)
	if len(args) == 0 {
		args = []string{"sh"}
	}

	env := imgConf.Config.Env
	if len(env) == 0 {
		env = []string{
			"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
			"TERM=xterm",
		}
	}

	cwd := imgConf.Config.WorkingDir
	if cwd == "" {
		cwd = "/"
	}

	return &rspec.Spec{
		Version:  rspec.Version,
		Hostname: "occystrap",
		Root: &rspec.Root{
			Path:     "rootfs",
			Readonly: true,
		},
		Process: &rspec.Process{
			Terminal: false,
			User:     rspec.User{UID: 0, GID: 0},
			Args:     args,
			Env:      env,
			Cwd:      cwd,
			Capabilities: &rspec.LinuxCapabilities{
				Bounding:    bundleCapabilities,
				Effective:   bundleCapabilities,
				Inheritable: bundleCapabilities,
				Permitted:   bundleCapabilities,
				Ambient:     bundleCapabilities,
			},
			Rlimits: []rspec.POSIXRlimit{
				{Type: "RLIMIT_NOFILE", Hard: 1024, Soft: 1024},
			},
			NoNewPrivileges: true,
		},
		Mounts: []rspec.Mount{
			{Destination: "/proc", Type: "proc", Source: "proc"},
			{Destination: "/dev", Type: "tmpfs", Source: "tmpfs",
				Options: []string{"nosuid", "strictatime", "mode=755", "size=65536k"}},
			{Destination: "/dev/pts", Type: "devpts", Source: "devpts",
				Options: []string{"nosuid", "noexec", "newinstance", "ptmxmode=0666", "mode=0620", "gid=5"}},
			{Destination: "/dev/shm", Type: "tmpfs", Source: "shm",
				Options: []string{"nosuid", "noexec", "nodev", "mode=1777", "size=65536k"}},
			{Destination: "/dev/mqueue", Type: "mqueue", Source: "mqueue",
				Options: []string{"nosuid", "noexec", "nodev"}},
			{Destination: "/sys", Type: "sysfs", Source: "sysfs",
				Options: []string{"nosuid", "noexec", "nodev", "ro"}},
			{Destination: "/sys/fs/cgroup", Type: "cgroup", Source: "cgroup",
				Options: []string{"nosuid", "noexec", "nodev", "relatime", "ro"}},
		},
		Linux: &rspec.Linux{
			Resources: &rspec.LinuxResources{
				Devices: []rspec.LinuxDeviceCgroup{
					{Allow: false, Access: "rwm"},
				},
			},
			Namespaces: []rspec.LinuxNamespace{
				{Type: rspec.PIDNamespace},
				{Type: rspec.NetworkNamespace},
				{Type: rspec.IPCNamespace},
				{Type: rspec.UTSNamespace},
				{Type: rspec.MountNamespace},
				{Type: rspec.CgroupNamespace},
			},
			MaskedPaths: []string{
				"/proc/acpi",
				"/proc/asound",
				"/proc/kcore",
				"/proc/keys",
				"/proc/latency_stats",
				"/proc/timer_list",
				"/proc/timer_stats",
				"/proc/sched_debug",
				"/sys/firmware",
				"/proc/scsi",
			},
			ReadonlyPaths: []string{
				"/proc/bus",
				"/proc/fs",
				"/proc/irq",
				"/proc/sys",
				"/proc/sysrq-trigger",
			},
		},
	}
}
