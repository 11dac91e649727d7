package procman

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// PIDFile records, inside an installation, the terminal started for it.
// Managers in other processes consult it before launching or deleting.
const PIDFile = ".mtgate.pid"

func writeOwner(dir string, pid int) error {
	return os.WriteFile(filepath.Join(dir, PIDFile), []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

// readOwner returns the recorded pid of dir's terminal, or 0.
func readOwner(dir string) (int, error) {
	data, err := os.ReadFile(filepath.Join(dir, PIDFile))
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, nil
	}
	return pid, nil
}

// clearOwner removes the record if it still names pid.
func clearOwner(dir string, pid int) {
	if cur, err := readOwner(dir); err == nil && cur == pid {
		_ = os.Remove(filepath.Join(dir, PIDFile))
	}
}

// liveOwner returns the pid of a running terminal recorded in dir that this
// manager did not start, or 0.
func (m *Manager) liveOwner(accountID string) (int, error) {
	pid, err := readOwner(m.Dir(accountID))
	if err != nil || pid == 0 {
		return 0, err
	}
	m.mu.Lock()
	p, ours := m.procs[accountID]
	m.mu.Unlock()
	if ours && p.PID == pid && p.alive() {
		return 0, nil
	}
	if !processAlive(pid) {
		return 0, nil
	}
	return pid, nil
}
