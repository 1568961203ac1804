package build

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/ouyangCL/remote-build/internal/domain"
	"github.com/ouyangCL/remote-build/internal/logger"
)

// errorTailLimit bounds how much captured output ends up in a failure
// message; the full output is always in the deployment log.
const errorTailLimit = 2000

type Builder struct {
	workDir      string
	artifactsDir string
	log          logger.Logger
}

func New(workDir, artifactsDir string, log logger.Logger) *Builder {
	return &Builder{
		workDir:      workDir,
		artifactsDir: artifactsDir,
		log:          log,
	}
}

// SourceDir is the scratch working tree for one deployment. It is created
// by Fetch and removed by Cleanup on every exit path.
func (b *Builder) SourceDir(deploymentID int64) string {
	return filepath.Join(b.workDir, fmt.Sprintf("deploy-%d", deploymentID))
}

// GitAuth carries the resolved credential material for cloning a private
// repository. The zero value means anonymous cloning.
type GitAuth struct {
	Method   domain.GitAuthMethod
	Username string
	Secret   string
}

// Fetch clones the project source into the deployment's working tree and
// returns its path. An existing tree from a crashed earlier run is removed
// first. Credential material never reaches the deployment log or error
// messages.
func (b *Builder) Fetch(ctx context.Context, deploymentID int64, repoURL, branch string, auth GitAuth, onLine StreamHandler) (string, error) {
	dir := b.SourceDir(deploymentID)

	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("clean working tree: %w", err)
	}
	if err := os.MkdirAll(b.workDir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}

	cloneURL, env, cleanup, err := b.cloneAccess(deploymentID, repoURL, auth)
	if err != nil {
		return "", err
	}
	defer cleanup()

	script := "git clone --depth 1"
	if branch != "" {
		script += " --branch " + shellWord(branch)
	}
	script += " " + shellWord(cloneURL) + " " + shellWord(dir)

	if auth.Secret != "" && onLine != nil {
		inner := onLine
		onLine = func(line string, isErr bool) {
			inner(redactSecret(line, auth.Secret), isErr)
		}
	}

	output, exitCode, err := NewShell(b.workDir, script).WithEnv(env...).Run(ctx, onLine)
	if err != nil {
		return "", fmt.Errorf("clone source: %w", err)
	}
	if exitCode != 0 {
		return "", fmt.Errorf("clone source exited with code %d: %s",
			exitCode, redactSecret(tail(output), auth.Secret))
	}

	return dir, nil
}

// cloneAccess prepares the clone URL and extra environment for the
// configured auth method. The returned cleanup removes any key material
// written to disk.
func (b *Builder) cloneAccess(deploymentID int64, repoURL string, auth GitAuth) (cloneURL string, env []string, cleanup func(), err error) {
	cleanup = func() {}

	switch auth.Method {
	case domain.GitAuthToken:
		cloneURL, err = injectUserInfo(repoURL, url.User(auth.Secret))
	case domain.GitAuthBasic:
		cloneURL, err = injectUserInfo(repoURL, url.UserPassword(auth.Username, auth.Secret))
	case domain.GitAuthSSHKey:
		keyPath := filepath.Join(b.workDir, fmt.Sprintf("deploy-%d.key", deploymentID))
		if writeErr := os.WriteFile(keyPath, []byte(auth.Secret), 0o600); writeErr != nil {
			return "", nil, cleanup, fmt.Errorf("write deploy key: %w", writeErr)
		}
		cleanup = func() { _ = os.Remove(keyPath) }
		env = append(env, "GIT_SSH_COMMAND=ssh -i "+keyPath+" -o IdentitiesOnly=yes -o StrictHostKeyChecking=accept-new")
		cloneURL = repoURL
	default:
		cloneURL = repoURL
	}

	return cloneURL, env, cleanup, err
}

// injectUserInfo embeds credentials into an http(s) repository URL.
func injectUserInfo(repoURL string, user *url.Userinfo) (string, error) {
	u, err := url.Parse(repoURL)
	if err != nil {
		return "", fmt.Errorf("parse repository url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("git credentials require an http(s) repository url, got scheme %q", u.Scheme)
	}
	u.User = user
	return u.String(), nil
}

// redactSecret masks credential material in output that reaches users.
func redactSecret(s, secret string) string {
	if secret == "" {
		return s
	}
	return strings.ReplaceAll(s, secret, "***")
}

// HeadCommit reports the checked-out commit of a fetched working tree as
// "hash author: subject".
func (b *Builder) HeadCommit(ctx context.Context, sourceDir string) (string, error) {
	output, exitCode, err := NewShell(sourceDir, "git log -1 --pretty=format:'%h %an: %s'").Run(ctx)
	if err != nil {
		return "", fmt.Errorf("read head commit: %w", err)
	}
	if exitCode != 0 {
		return "", fmt.Errorf("read head commit exited with code %d", exitCode)
	}
	return strings.TrimSpace(output), nil
}

// InstallCommand resolves the effective dependency-install command: an
// explicit project command wins, otherwise the project kind's default.
func InstallCommand(p *domain.Project) string {
	if p.InstallCommand != "" {
		return p.InstallCommand
	}

	switch p.Kind {
	case domain.ProjectFrontend:
		return "npm install"
	case domain.ProjectJava:
		return "mvn dependency:resolve"
	case domain.ProjectBackend:
		return ""
	}
	return ""
}

// Run executes the optional install command and then the build command in
// the source tree. An install failure is logged as a warning and the build
// proceeds; a build failure is fatal and returns ErrBuildFailed with the
// output tail.
func (b *Builder) Run(ctx context.Context, p *domain.Project, sourceDir string, onLine StreamHandler) error {
	if p.AutoInstall {
		if install := InstallCommand(p); install != "" {
			output, exitCode, err := NewShell(sourceDir, install).Run(ctx, onLine)
			if err != nil {
				return fmt.Errorf("install command: %w", err)
			}
			if exitCode != 0 {
				b.log.Warn("install command failed, continuing to build",
					"project_id", p.ID,
					"exit_code", exitCode,
					"output", tail(output),
				)
			}
		}
	}

	output, exitCode, err := NewShell(sourceDir, p.BuildCommand).Run(ctx, onLine)
	if err != nil {
		return fmt.Errorf("build command: %w", err)
	}
	if exitCode != 0 {
		return fmt.Errorf("%w: exit code %d: %s", domain.ErrBuildFailed, exitCode, tail(output))
	}

	return nil
}

// Package zips the project's output directory into the artifacts dir and
// returns the artifact record with size and SHA-256 checksum.
func (b *Builder) Package(p *domain.Project, deploymentID int64, sourceDir string) (*domain.Artifact, error) {
	outputDir := filepath.Join(sourceDir, p.OutputDir)
	if info, err := os.Stat(outputDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("output directory %s not found after build", p.OutputDir)
	}

	projectDir := filepath.Join(b.artifactsDir, fmt.Sprintf("project-%d", p.ID))
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifacts dir: %w", err)
	}

	artifactPath := filepath.Join(projectDir, uuid.NewString()+".zip")

	checksum, size, err := zipDirectory(outputDir, artifactPath)
	if err != nil {
		_ = os.Remove(artifactPath)
		return nil, fmt.Errorf("package artifact: %w", err)
	}

	return &domain.Artifact{
		DeploymentID: deploymentID,
		Path:         artifactPath,
		Size:         size,
		Checksum:     checksum,
	}, nil
}

// StoreUpload persists an externally supplied artifact the same way a
// built one is stored.
func (b *Builder) StoreUpload(projectID, deploymentID int64, r io.Reader) (*domain.Artifact, error) {
	projectDir := filepath.Join(b.artifactsDir, fmt.Sprintf("project-%d", projectID))
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifacts dir: %w", err)
	}

	artifactPath := filepath.Join(projectDir, uuid.NewString()+".zip")

	f, err := os.Create(artifactPath)
	if err != nil {
		return nil, fmt.Errorf("create artifact file: %w", err)
	}
	defer f.Close()

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hasher), r)
	if err != nil {
		_ = os.Remove(artifactPath)
		return nil, fmt.Errorf("store uploaded artifact: %w", err)
	}

	return &domain.Artifact{
		DeploymentID: deploymentID,
		Path:         artifactPath,
		Size:         size,
		Checksum:     hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// CleanupOld removes every artifact of a project except the given path,
// keeping only the newest one on disk after a successful deployment.
func (b *Builder) CleanupOld(projectID int64, keepPath string) error {
	projectDir := filepath.Join(b.artifactsDir, fmt.Sprintf("project-%d", projectID))

	entries, err := os.ReadDir(projectDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read artifacts dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(projectDir, entry.Name())
		if path == keepPath {
			continue
		}
		if err := os.Remove(path); err != nil {
			b.log.Warn("failed to remove old artifact", "path", path, "error", err)
		}
	}

	return nil
}

// Cleanup removes the deployment's scratch working tree.
func (b *Builder) Cleanup(deploymentID int64) {
	dir := b.SourceDir(deploymentID)
	if err := os.RemoveAll(dir); err != nil {
		b.log.Warn("failed to remove working tree", "dir", dir, "error", err)
	}
}

func zipDirectory(dir, destPath string) (checksum string, size int64, err error) {
	f, err := os.Create(destPath)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	hasher := sha256.New()
	counter := &countingWriter{}
	zw := zip.NewWriter(io.MultiWriter(f, hasher, counter))

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		header.Method = zip.Deflate

		w, err := zw.CreateHeader(header)
		if err != nil {
			return err
		}

		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()

		_, err = io.Copy(w, src)
		return err
	})
	if err != nil {
		_ = zw.Close()
		return "", 0, err
	}

	if err := zw.Close(); err != nil {
		return "", 0, err
	}

	return hex.EncodeToString(hasher.Sum(nil)), counter.n, nil
}

type countingWriter struct{ n int64 }

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	return len(p), nil
}

// shellWord quotes a value for interpolation into the clone command.
func shellWord(s string) string {
	if s == "" {
		return "''"
	}
	for _, r := range s {
		if !strings.ContainsRune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789._-/:@", r) {
			return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
		}
	}
	return s
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= errorTailLimit {
		return s
	}
	return "..." + s[len(s)-errorTailLimit:]
}
