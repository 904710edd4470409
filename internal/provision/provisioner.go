// Package provision runs asynchronous install jobs for servers drawn from
// the manifest: validate requirements, execute the install recipe, then hand
// the new server spec to the session manager.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcpgateway/mcp-gateway/internal/config"
	"github.com/mcpgateway/mcp-gateway/internal/manifest"
	"github.com/mcpgateway/mcp-gateway/internal/store"
)

// Job states.
const (
	StatePending    = "pending"
	StateInstalling = "installing"
	StateStarting   = "starting"
	StateCompleted  = "completed"
	StateFailed     = "failed"
)

// Provision error kinds.
var (
	ErrFailed      = errors.New("provision failed")
	ErrJobNotFound = errors.New("job not found")
)

const (
	workerCount  = 2
	jobRetention = 15 * time.Minute
	sweepEvery   = time.Minute
	installStep  = 10 * time.Minute
)

// Job is one asynchronous install.
type Job struct {
	ID        string    `json:"job_id"`
	Server    string    `json:"server_name"`
	State     string    `json:"state"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// env is the caller-supplied overlay, carried to the worker only.
	env map[string]string
}

func (j Job) terminal() bool {
	return j.State == StateCompleted || j.State == StateFailed
}

// Adopter receives the freshly installed server spec; in the gateway this is
// the session manager plus a catalog rebuild.
type Adopter func(ctx context.Context, spec config.ServerSpec) error

// Provisioner owns the job table and the bounded worker pool.
type Provisioner struct {
	manifest *manifest.Manifest
	adopt    Adopter
	db       *store.Store
	logger   *slog.Logger

	mu   sync.Mutex
	jobs map[string]*Job

	queue  chan string
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New starts the worker pool and the retention sweeper. The store may be nil
// (jobs then live in memory only).
func New(m *manifest.Manifest, adopt Adopter, db *store.Store, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Provisioner{
		manifest: m,
		adopt:    adopt,
		db:       db,
		logger:   logger,
		jobs:     make(map[string]*Job),
		queue:    make(chan string, 32),
		ctx:      ctx,
		cancel:   cancel,
	}
	for i := 0; i < workerCount; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	p.wg.Add(1)
	go p.sweeper()
	return p
}

// Close cancels the provisioner context, which kills any install command
// still running, and waits for the workers and the sweeper to return.
func (p *Provisioner) Close() {
	p.cancel()
	p.wg.Wait()
}

// Provision validates the request and enqueues an install job. Validation
// failures (unknown server, missing environment) return an error and create
// no job.
func (p *Provisioner) Provision(server string, env map[string]string) (string, error) {
	entry, err := p.manifest.Get(server)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFailed, err)
	}
	if missing := entry.MissingEnv(env); len(missing) > 0 {
		return "", fmt.Errorf("%w: missing required environment: %s", ErrFailed, strings.Join(missing, ", "))
	}

	job := &Job{
		ID:        "prov-" + uuid.NewString()[:12],
		Server:    server,
		State:     StatePending,
		Message:   "queued",
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
		env:       cloneEnv(env),
	}
	p.mu.Lock()
	p.jobs[job.ID] = job
	p.mu.Unlock()
	p.persist(job)

	select {
	case p.queue <- job.ID:
	default:
		p.fail(job.ID, "provision queue is full")
		return "", fmt.Errorf("%w: provision queue is full", ErrFailed)
	}
	return job.ID, nil
}

// Status returns the current job snapshot, falling back to the persisted row
// for jobs evicted from memory.
func (p *Provisioner) Status(jobID string) (Job, error) {
	p.mu.Lock()
	job, ok := p.jobs[jobID]
	if ok {
		snapshot := *job
		p.mu.Unlock()
		return snapshot, nil
	}
	p.mu.Unlock()

	if p.db != nil {
		row, err := p.db.GetJob(jobID)
		if err == nil {
			return Job{
				ID: row.ID, Server: row.Server, State: row.State,
				Message: row.Message, CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt,
			}, nil
		}
	}
	return Job{}, fmt.Errorf("%q: %w", jobID, ErrJobNotFound)
}

func (p *Provisioner) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case jobID := <-p.queue:
			p.run(jobID)
		}
	}
}

func (p *Provisioner) run(jobID string) {
	p.mu.Lock()
	job, ok := p.jobs[jobID]
	if !ok {
		p.mu.Unlock()
		return
	}
	server := job.Server
	env := job.env
	p.mu.Unlock()

	entry, err := p.manifest.Get(server)
	if err != nil {
		p.fail(jobID, err.Error())
		return
	}

	p.update(jobID, StateInstalling, "running install recipe")
	for i, argv := range entry.Install {
		if len(argv) == 0 {
			continue
		}
		p.update(jobID, StateInstalling, fmt.Sprintf("step %d/%d: %s", i+1, len(entry.Install), strings.Join(argv, " ")))
		stepCtx, cancel := context.WithTimeout(p.ctx, installStep)
		cmd := exec.CommandContext(stepCtx, argv[0], argv[1:]...)
		out, err := cmd.CombinedOutput()
		cancel()
		if err != nil {
			p.fail(jobID, fmt.Sprintf("install step %d (%s) failed: %v: %s",
				i+1, strings.Join(argv, " "), err, tail(out)))
			return
		}
	}

	p.update(jobID, StateStarting, "starting server")
	spec := config.ServerSpec{
		Name:    server,
		Command: entry.Command,
		Args:    append([]string(nil), entry.Args...),
		Env:     env,
		Source:  config.SourceCustom,
	}
	if err := p.adopt(p.ctx, spec); err != nil {
		p.fail(jobID, fmt.Sprintf("start failed: %v", err))
		return
	}
	p.update(jobID, StateCompleted, "server running")
	p.logger.Info("provision completed", "server", server, "job", jobID)
}

func (p *Provisioner) update(jobID, state, message string) {
	p.mu.Lock()
	job, ok := p.jobs[jobID]
	if ok {
		job.State = state
		job.Message = message
		job.UpdatedAt = time.Now()
	}
	var snapshot Job
	if ok {
		snapshot = *job
	}
	p.mu.Unlock()
	if ok {
		p.persist(&snapshot)
	}
}

func (p *Provisioner) fail(jobID, message string) {
	p.update(jobID, StateFailed, message)
	p.logger.Warn("provision failed", "job", jobID, "error", message)
}

func (p *Provisioner) persist(job *Job) {
	if p.db == nil {
		return
	}
	err := p.db.SaveJob(store.JobRow{
		ID: job.ID, Server: job.Server, State: job.State,
		Message: job.Message, CreatedAt: job.CreatedAt, UpdatedAt: job.UpdatedAt,
	})
	if err != nil {
		p.logger.Warn("persist job failed", "job", job.ID, "error", err)
	}
}

// sweeper evicts terminal jobs once they outlive the retention window.
func (p *Provisioner) sweeper() {
	defer p.wg.Done()
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-jobRetention)
			p.mu.Lock()
			for id, job := range p.jobs {
				if job.terminal() && job.UpdatedAt.Before(cutoff) {
					delete(p.jobs, id)
				}
			}
			p.mu.Unlock()
			if p.db != nil {
				if err := p.db.PruneJobs(cutoff, []string{StateCompleted, StateFailed}); err != nil {
					p.logger.Warn("prune jobs failed", "error", err)
				}
			}
		}
	}
}

func cloneEnv(env map[string]string) map[string]string {
	if len(env) == 0 {
		return nil
	}
	clone := make(map[string]string, len(env))
	for k, v := range env {
		clone[k] = v
	}
	return clone
}

func tail(out []byte) string {
	const max = 400
	s := strings.TrimSpace(string(out))
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max:]
}
