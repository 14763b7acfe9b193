// Package files implements the Workload-Files Creator: it materializes
// a workload's declared files on the host before the runtime connector
// is invoked, and tears them down atomically on any failure. Generalized
// from a tmpfs-secret-mount handler to this agent's workload-file content
// model (inline text or base64 binary), keyed by WorkloadInstanceName
// instead of task ID.
package files

import (
	"encoding/base64"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/cuemby/ankaios-agent/pkg/runtime"
	"github.com/cuemby/ankaios-agent/pkg/types"
)

// Fixed mount points the control-interface FIFO pair is bound to inside
// a workload, matching the paths a workload's control-interface client
// library expects to find them at.
const (
	controlInterfaceContainerOutput = "/run/ankaios/control_interface/output"
	controlInterfaceContainerInput  = "/run/ankaios/control_interface/input"
)

// Creator materializes workload files under a run directory.
type Creator struct {
	runDir string
}

// NewCreator returns a Creator rooted at runDir (the agent's
// <run> directory, e.g. /tmp/ankaios).
func NewCreator(runDir string) *Creator {
	return &Creator{runDir: runDir}
}

// FilesDir returns "<run>/<wl_name>.<cfg_hash>/files" for instance.
func (c *Creator) FilesDir(instance types.WorkloadInstanceName) string {
	return filepath.Join(c.runDir, instance.DirName(), "files")
}

// Create writes every file in spec.Files under FilesDir, decoding base64
// binary content, and returns the host↔container mount mapping the
// runtime connector should bind read-only. On any failure it removes the
// whole files subdirectory (I3: a workload's files always live under its
// own subdirectory, so deleting it removes all of them) and returns a
// *types.WorkloadFileError.
func (c *Creator) Create(instance types.WorkloadInstanceName, declared []types.WorkloadFile) ([]runtime.HostFileMapping, error) {
	if len(declared) == 0 {
		return nil, nil
	}

	base := c.FilesDir(instance)
	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, &types.WorkloadFileError{Kind: types.FileErrorIO, Err: err}
	}

	var mappings []runtime.HostFileMapping
	for _, f := range declared {
		hostPath, err := c.writeOne(base, f)
		if err != nil {
			_ = c.Cleanup(instance)
			return nil, err
		}
		mappings = append(mappings, runtime.HostFileMapping{HostPath: hostPath, ContainerPath: f.MountPoint})
	}

	return mappings, nil
}

func (c *Creator) writeOne(base string, f types.WorkloadFile) (string, error) {
	rel := strings.TrimPrefix(f.MountPoint, "/")
	hostPath := filepath.Join(base, rel)

	if !strings.HasPrefix(hostPath, filepath.Clean(base)+string(os.PathSeparator)) && hostPath != filepath.Clean(base) {
		return "", &types.WorkloadFileError{Kind: types.FileErrorPathEscape, MountPoint: f.MountPoint,
			Err: os.ErrPermission}
	}

	if err := os.MkdirAll(filepath.Dir(hostPath), 0755); err != nil {
		return "", &types.WorkloadFileError{Kind: types.FileErrorIO, MountPoint: f.MountPoint, Err: err}
	}

	var data []byte
	if f.Content.IsBase64Binary {
		decoded, err := base64.StdEncoding.DecodeString(f.Content.Base64Binary)
		if err != nil {
			return "", &types.WorkloadFileError{Kind: types.FileErrorDecode, MountPoint: f.MountPoint, Err: err}
		}
		data = decoded
	} else {
		data = []byte(f.Content.Text)
	}

	if err := os.WriteFile(hostPath, data, 0644); err != nil {
		return "", &types.WorkloadFileError{Kind: types.FileErrorIO, MountPoint: f.MountPoint, Err: err}
	}

	return hostPath, nil
}

// Cleanup removes the entire files subdirectory for instance.
func (c *Creator) Cleanup(instance types.WorkloadInstanceName) error {
	return os.RemoveAll(c.FilesDir(instance))
}

// CleanupInstanceDir removes "<run>/<wl_name>.<cfg_hash>" entirely,
// used by the WCL when an update changes instance identity (§4.3).
func (c *Creator) CleanupInstanceDir(instance types.WorkloadInstanceName) error {
	return os.RemoveAll(filepath.Join(c.runDir, instance.DirName()))
}

// ControlInterfaceDir returns "<run>/<agent>_io/<wl>.<hash>", the
// session directory a workload's control-interface FIFO pair lives
// under.
func (c *Creator) ControlInterfaceDir(agentName types.AgentName, instance types.WorkloadInstanceName) string {
	return filepath.Join(c.runDir, string(agentName)+"_io", instance.DirName())
}

// CreateControlInterface creates the control_interface/{input,output}
// named-pipe pair for instance and opens both ends from the gateway's
// side: output for reading (the workload writes its requests there),
// input for writing (the workload reads responses from it). Both are
// opened O_RDWR so the open call itself never blocks on the workload's
// peer end showing up first. It also returns the host↔container mount
// mappings the runtime connector must bind into the workload alongside
// its declared files.
func (c *Creator) CreateControlInterface(agentName types.AgentName, instance types.WorkloadInstanceName) (output io.ReadCloser, input io.WriteCloser, mappings []runtime.HostFileMapping, err error) {
	dir := filepath.Join(c.ControlInterfaceDir(agentName, instance), "control_interface")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, nil, &types.WorkloadFileError{Kind: types.FileErrorIO, Err: err}
	}

	outputPath := filepath.Join(dir, "output")
	inputPath := filepath.Join(dir, "input")
	for _, p := range []string{outputPath, inputPath} {
		if err := syscall.Mkfifo(p, 0600); err != nil && !os.IsExist(err) {
			_ = os.RemoveAll(dir)
			return nil, nil, nil, &types.WorkloadFileError{Kind: types.FileErrorIO, Err: err}
		}
	}

	outputFile, err := os.OpenFile(outputPath, os.O_RDWR, 0)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, nil, nil, &types.WorkloadFileError{Kind: types.FileErrorIO, Err: err}
	}
	inputFile, err := os.OpenFile(inputPath, os.O_RDWR, 0)
	if err != nil {
		_ = outputFile.Close()
		_ = os.RemoveAll(dir)
		return nil, nil, nil, &types.WorkloadFileError{Kind: types.FileErrorIO, Err: err}
	}

	return outputFile, inputFile, []runtime.HostFileMapping{
		{HostPath: outputPath, ContainerPath: controlInterfaceContainerOutput},
		{HostPath: inputPath, ContainerPath: controlInterfaceContainerInput},
	}, nil
}

// CleanupControlInterface removes a workload's entire control-interface
// session directory.
func (c *Creator) CleanupControlInterface(agentName types.AgentName, instance types.WorkloadInstanceName) error {
	return os.RemoveAll(c.ControlInterfaceDir(agentName, instance))
}
