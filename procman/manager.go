// Package procman installs, launches and removes one private terminal
// installation per account.
//
// Each account gets <BaseDir>/<account>, a copy of a shared template
// installation. The manager owns the *exec.Cmd of every terminal it starts
// and always stops a process before deleting its directory. The pid of a
// launched terminal is also written to the installation, so a manager in
// another process refuses to launch a second one or delete it underneath.
package procman

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/mtgate/terminal"
)

const (
	DefaultExe            = "terminal64.exe"
	DefaultTerminateGrace = 10 * time.Second
	DefaultReclaimRetries = 3
	DefaultReclaimBackoff = 500 * time.Millisecond
)

// DefaultArgs start the terminal with its data kept inside its own
// directory.
var DefaultArgs = []string{"/portable"}

type Config struct {
	BaseDir     string
	TemplateDir string
	Exe         string
	Args        []string

	TerminateGrace time.Duration
	ReclaimRetries int
	ReclaimBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.Exe == "" {
		c.Exe = DefaultExe
	}
	if c.Args == nil {
		c.Args = DefaultArgs
	}
	if c.TerminateGrace <= 0 {
		c.TerminateGrace = DefaultTerminateGrace
	}
	if c.ReclaimRetries <= 0 {
		c.ReclaimRetries = DefaultReclaimRetries
	}
	if c.ReclaimBackoff <= 0 {
		c.ReclaimBackoff = DefaultReclaimBackoff
	}
	return c
}

// Instance describes a running terminal.
type Instance struct {
	AccountID string    `json:"account_id"`
	Dir       string    `json:"dir"`
	Exe       string    `json:"exe"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

type proc struct {
	Instance
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *proc) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

type Manager struct {
	cfg Config
	log *zap.Logger

	// all is held shared by per-account operations and exclusively by
	// ReclaimAll.
	all sync.RWMutex

	mu    sync.Mutex
	procs map[string]*proc
	locks map[string]*sync.Mutex

	remove func(string) error
}

func New(cfg Config, log *zap.Logger) (*Manager, error) {
	cfg = cfg.withDefaults()
	if cfg.BaseDir == "" {
		return nil, errors.New("procman: base dir is required")
	}
	if cfg.TemplateDir == "" {
		return nil, errors.New("procman: template dir is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		cfg:    cfg,
		log:    log.Named("procman"),
		procs:  make(map[string]*proc),
		locks:  make(map[string]*sync.Mutex),
		remove: os.RemoveAll,
	}, nil
}

var accountIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidAccountID reports whether id is safe to use as a directory name.
func ValidAccountID(id string) bool {
	return accountIDPattern.MatchString(id)
}

func (m *Manager) lock(accountID string) (func(), error) {
	if !ValidAccountID(accountID) {
		return nil, terminal.Errorf(terminal.KindValidation, "invalid account id %q", accountID)
	}
	m.all.RLock()
	m.mu.Lock()
	l, ok := m.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[accountID] = l
	}
	m.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		m.all.RUnlock()
	}, nil
}

// Dir returns the installation directory of accountID.
func (m *Manager) Dir(accountID string) string {
	return filepath.Join(m.cfg.BaseDir, accountID)
}

// ExePath returns the terminal executable inside accountID's installation.
func (m *Manager) ExePath(accountID string) string {
	return filepath.Join(m.Dir(accountID), m.cfg.Exe)
}

// Provision makes sure accountID has an installation. An existing directory
// is reused as is; created reports whether the template was copied.
func (m *Manager) Provision(ctx context.Context, accountID string) (dir string, created bool, err error) {
	unlock, err := m.lock(accountID)
	if err != nil {
		return "", false, err
	}
	defer unlock()
	return m.provision(ctx, accountID)
}

func (m *Manager) provision(ctx context.Context, accountID string) (string, bool, error) {
	dir := m.Dir(accountID)
	if fi, err := os.Stat(dir); err == nil {
		if !fi.IsDir() {
			return "", false, terminal.Errorf(terminal.KindProvision, "%s exists and is not a directory", dir)
		}
		return dir, false, nil
	}

	if fi, err := os.Stat(m.cfg.TemplateDir); err != nil || !fi.IsDir() {
		return "", false, terminal.Errorf(terminal.KindProvision, "template directory %s not found", m.cfg.TemplateDir)
	}
	if err := os.MkdirAll(m.cfg.BaseDir, 0o755); err != nil {
		return "", false, terminal.Wrap(terminal.KindProvision, err, "create base dir")
	}
	if err := copyTree(ctx, m.cfg.TemplateDir, dir); err != nil {
		_ = os.RemoveAll(dir)
		return "", false, terminal.Wrap(terminal.KindProvision, err, "copy template for %s", accountID)
	}

	m.log.Info("provisioned terminal", zap.String("account", accountID), zap.String("dir", dir))
	return dir, true, nil
}

// Launch provisions accountID and starts its terminal. If the account's
// terminal is already running the existing instance is returned.
func (m *Manager) Launch(ctx context.Context, accountID string) (Instance, error) {
	unlock, err := m.lock(accountID)
	if err != nil {
		return Instance{}, err
	}
	defer unlock()
	return m.launch(ctx, accountID)
}

func (m *Manager) launch(ctx context.Context, accountID string) (Instance, error) {
	m.mu.Lock()
	p, ok := m.procs[accountID]
	m.mu.Unlock()
	if ok && p.alive() {
		return p.Instance, nil
	}
	if pid, err := m.liveOwner(accountID); err != nil {
		return Instance{}, terminal.Wrap(terminal.KindProvision, err, "read owner of %s", accountID)
	} else if pid != 0 {
		return Instance{}, terminal.Errorf(terminal.KindProvision, "terminal for %s is already running as pid %d", accountID, pid)
	}

	dir, _, err := m.provision(ctx, accountID)
	if err != nil {
		return Instance{}, err
	}
	exe := m.ExePath(accountID)
	if _, err := os.Stat(exe); err != nil {
		return Instance{}, terminal.Errorf(terminal.KindProvision, "terminal executable %s not found", exe)
	}

	// The process must outlive the request that started it.
	cmd := exec.Command(exe, m.cfg.Args...)
	cmd.Dir = dir
	if err := cmd.Start(); err != nil {
		return Instance{}, terminal.Wrap(terminal.KindProvision, err, "start terminal for %s", accountID)
	}
	if err := writeOwner(dir, cmd.Process.Pid); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return Instance{}, terminal.Wrap(terminal.KindProvision, err, "record pid for %s", accountID)
	}

	p = &proc{
		Instance: Instance{
			AccountID: accountID,
			Dir:       dir,
			Exe:       exe,
			PID:       cmd.Process.Pid,
			StartedAt: time.Now(),
		},
		cmd:  cmd,
		done: make(chan struct{}),
	}
	m.mu.Lock()
	m.procs[accountID] = p
	m.mu.Unlock()

	go m.wait(p)

	m.log.Info("launched terminal",
		zap.String("account", accountID),
		zap.Int("pid", p.PID),
		zap.String("exe", exe),
	)
	return p.Instance, nil
}

func (m *Manager) wait(p *proc) {
	err := p.cmd.Wait()
	clearOwner(p.Dir, p.PID)
	close(p.done)

	m.mu.Lock()
	if m.procs[p.AccountID] == p {
		delete(m.procs, p.AccountID)
	}
	m.mu.Unlock()

	m.log.Info("terminal exited",
		zap.String("account", p.AccountID),
		zap.Int("pid", p.PID),
		zap.Error(err),
	)
}

// Terminate stops accountID's terminal: a polite signal first, then a kill
// once the grace period runs out. Nothing running is not an error.
func (m *Manager) Terminate(ctx context.Context, accountID string) error {
	unlock, err := m.lock(accountID)
	if err != nil {
		return err
	}
	defer unlock()
	return m.terminate(ctx, accountID)
}

func (m *Manager) terminate(ctx context.Context, accountID string) error {
	m.mu.Lock()
	p, ok := m.procs[accountID]
	m.mu.Unlock()
	if !ok || !p.alive() {
		return nil
	}
	return m.stop(ctx, p)
}

func (m *Manager) stop(ctx context.Context, p *proc) error {
	if err := interrupt(p.cmd.Process); err != nil {
		m.log.Debug("interrupt failed, killing", zap.String("account", p.AccountID), zap.Error(err))
	} else {
		grace := time.NewTimer(m.cfg.TerminateGrace)
		defer grace.Stop()
		select {
		case <-p.done:
			return nil
		case <-grace.C:
		case <-ctx.Done():
		}
	}

	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		m.log.Warn("kill failed", zap.String("account", p.AccountID), zap.Error(err))
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(m.cfg.TerminateGrace):
		return fmt.Errorf("terminal %d for %s did not exit", p.PID, p.AccountID)
	}
}

// Reclaim stops accountID's terminal and deletes its installation.
func (m *Manager) Reclaim(ctx context.Context, accountID string) error {
	unlock, err := m.lock(accountID)
	if err != nil {
		return err
	}
	defer unlock()
	return m.reclaim(ctx, accountID)
}

func (m *Manager) reclaim(ctx context.Context, accountID string) error {
	if err := m.terminate(ctx, accountID); err != nil {
		return terminal.Wrap(terminal.KindReclaim, err, "terminate %s", accountID)
	}
	if err := m.refuseForeign(accountID); err != nil {
		return err
	}
	if err := m.removeAll(ctx, m.Dir(accountID)); err != nil {
		return terminal.Wrap(terminal.KindReclaim, err, "remove installation of %s", accountID)
	}
	m.log.Info("reclaimed terminal", zap.String("account", accountID))
	return nil
}

func (m *Manager) refuseForeign(accountID string) error {
	pid, err := m.liveOwner(accountID)
	if err != nil {
		return terminal.Wrap(terminal.KindReclaim, err, "read owner of %s", accountID)
	}
	if pid != 0 {
		return terminal.Errorf(terminal.KindReclaim, "terminal for %s is running as pid %d in another process", accountID, pid)
	}
	return nil
}

// removeAll retries because a just-stopped terminal may still hold files
// open for a moment.
func (m *Manager) removeAll(ctx context.Context, dir string) error {
	var err error
	for attempt := 0; attempt <= m.cfg.ReclaimRetries; attempt++ {
		if err = m.remove(dir); err == nil {
			return nil
		}
		m.log.Debug("remove failed", zap.String("dir", dir), zap.Int("attempt", attempt+1), zap.Error(err))
		if attempt == m.cfg.ReclaimRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.ReclaimBackoff):
		}
	}
	return err
}

// Reset reinstalls accountID from the template, starts its terminal and
// attaches conn to it.
func (m *Manager) Reset(ctx context.Context, accountID string, conn terminal.Initializer) error {
	unlock, err := m.lock(accountID)
	if err != nil {
		return err
	}
	defer unlock()

	if err := m.reclaim(ctx, accountID); err != nil {
		return err
	}
	inst, err := m.launch(ctx, accountID)
	if err != nil {
		return err
	}
	if conn == nil {
		return nil
	}
	if err := conn.Initialize(ctx, inst.Exe); err != nil {
		return fmt.Errorf("initialize %s: %w", accountID, err)
	}
	return nil
}

// ReclaimAll stops every tracked terminal and deletes the whole base
// directory. No per-account operation runs while the directory is removed.
func (m *Manager) ReclaimAll(ctx context.Context) error {
	if err := m.Shutdown(ctx); err != nil {
		return terminal.Wrap(terminal.KindReclaim, err, "terminate terminals")
	}

	m.all.Lock()
	defer m.all.Unlock()

	installed, err := m.Installed()
	if err != nil {
		return terminal.Wrap(terminal.KindReclaim, err, "list %s", m.cfg.BaseDir)
	}
	for _, id := range installed {
		if err := m.refuseForeign(id); err != nil {
			return err
		}
	}
	if err := m.removeAll(ctx, m.cfg.BaseDir); err != nil {
		return terminal.Wrap(terminal.KindReclaim, err, "remove %s", m.cfg.BaseDir)
	}
	m.log.Info("reclaimed all terminals", zap.String("dir", m.cfg.BaseDir))
	return nil
}

// Instances lists the running terminals, ordered by account.
func (m *Manager) Instances() []Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Instance, 0, len(m.procs))
	for _, p := range m.procs {
		if p.alive() {
			out = append(out, p.Instance)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// Installed lists the account directories under the base directory.
func (m *Manager) Installed() ([]string, error) {
	entries, err := os.ReadDir(m.cfg.BaseDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && ValidAccountID(e.Name()) {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// Shutdown terminates every tracked terminal.
func (m *Manager) Shutdown(ctx context.Context) error {
	var errs []error
	for _, inst := range m.Instances() {
		if err := m.Terminate(ctx, inst.AccountID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
