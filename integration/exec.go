package integration

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
)

var (
	// compileMtx guards access to the executable path so that the project is
	// only compiled once.
	compileMtx sync.Mutex

	// executablePath is the path to the compiled executable.
	executablePath string
)

// nameserverExecutablePath returns a path to the nameserver executable.
// The binary is compiled the first time it is called and reused afterwards.
func nameserverExecutablePath(baseDir string) (string, error) {
	compileMtx.Lock()
	defer compileMtx.Unlock()

	if len(executablePath) != 0 {
		return executablePath, nil
	}

	outputPath := filepath.Join(baseDir, "nameserver")
	if runtime.GOOS == "windows" {
		outputPath += ".exe"
	}

	cmd := exec.Command(
		"go", "build", "-o", outputPath, "github.com/spacemeshos/nameserver",
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("failed to build nameserver: %w\n%s", err, out)
	}

	executablePath = outputPath
	return executablePath, nil
}
