package domain

import (
	"context"
	"errors"
	"time"
)

var ErrProjectNotFound = errors.New("project not found")

type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

type ProjectKind string

const (
	ProjectFrontend ProjectKind = "frontend"
	ProjectBackend  ProjectKind = "backend"
	ProjectJava     ProjectKind = "java"
)

// GitAuthMethod selects how the source repository is accessed when it is
// not publicly cloneable.
type GitAuthMethod string

const (
	GitAuthNone   GitAuthMethod = ""
	GitAuthToken  GitAuthMethod = "token"
	GitAuthBasic  GitAuthMethod = "basic"
	GitAuthSSHKey GitAuthMethod = "ssh_key"
)

type HealthCheckKind string

const (
	HealthCheckHTTP    HealthCheckKind = "http"
	HealthCheckTCP     HealthCheckKind = "tcp"
	HealthCheckCommand HealthCheckKind = "command"
)

// HealthCheckConfig describes the post-deploy verification of a project.
type HealthCheckConfig struct {
	Enabled  bool            `json:"enabled"`
	Kind     HealthCheckKind `json:"kind"`
	URL      string          `json:"url,omitempty"`
	Port     int             `json:"port,omitempty"`
	Command  string          `json:"command,omitempty"`
	Timeout  time.Duration   `json:"timeout"`
	Retries  int             `json:"retries"`
	Interval time.Duration   `json:"interval"`
}

// Project is the build and restart recipe for one deployable application.
// The orchestrator takes a read-only snapshot of it when a deployment
// starts; edits made mid-flight never affect a running deployment.
type Project struct {
	ID          int64       `json:"id"`
	Name        string      `json:"name"`
	Kind        ProjectKind `json:"kind"`
	RepoURL     string      `json:"repo_url"`
	Environment Environment `json:"environment"`

	// Git access for private repositories. The secret itself lives in
	// the credentials store under GitCredentialRef and never leaves the
	// server.
	GitAuthMethod    GitAuthMethod `json:"git_auth_method,omitempty"`
	GitUsername      string        `json:"git_username,omitempty"`
	GitCredentialRef string        `json:"-"`

	BuildCommand   string `json:"build_command"`
	InstallCommand string `json:"install_command,omitempty"`
	AutoInstall    bool   `json:"auto_install"`
	OutputDir      string `json:"output_dir"`

	RestartScript     string `json:"restart_script"`
	RestartOnlyScript string `json:"restart_only_script,omitempty"`

	HealthCheck HealthCheckConfig `json:"health_check"`

	CreatedAt time.Time `json:"created_at"`
}

type ProjectRepository interface {
	GetByID(ctx context.Context, projectID int64) (*Project, error)
	List(ctx context.Context) ([]Project, error)
}
