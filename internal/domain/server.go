package domain

import (
	"context"
	"errors"
)

var ErrServerGroupNotFound = errors.New("server group not found")

type AuthMethod string

const (
	AuthPassword AuthMethod = "password"
	AuthSSHKey   AuthMethod = "ssh_key"
)

// Server is one reachable deploy target. CredentialRef is an opaque token;
// the secret behind it is resolved by a CredentialProvider and never stored
// on this struct.
type Server struct {
	ID            int64       `json:"id"`
	Name          string      `json:"name"`
	Host          string      `json:"host"`
	Port          int         `json:"port"`
	Username      string      `json:"username"`
	AuthMethod    AuthMethod  `json:"auth_method"`
	CredentialRef string      `json:"-"`
	DeployPath    string      `json:"deploy_path"`
	Environment   Environment `json:"environment"`
	Active        bool        `json:"active"`
}

// ServerGroup is a named set of servers deployed to together.
type ServerGroup struct {
	ID          int64       `json:"id"`
	Name        string      `json:"name"`
	Environment Environment `json:"environment"`
	Servers     []Server    `json:"servers"`
}

type ServerGroupRepository interface {
	GetByID(ctx context.Context, groupID int64) (*ServerGroup, error)
	ListByIDs(ctx context.Context, groupIDs []int64) ([]ServerGroup, error)
}

// CredentialProvider resolves an opaque credential reference into the
// secret the SSH layer authenticates with (password or private key).
type CredentialProvider interface {
	Resolve(ctx context.Context, ref string) (string, error)
}
