package server

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Version is stamped at build time via -ldflags.
var Version = "0.0.0-dev"

const LockfileName = "daemon.lock"

type Lockfile struct {
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"startedAt"`
	Version   string    `json:"version"`
}

// WriteLockfile records this daemon's pid and port at a well-known path so
// sibling processes (the cli, mostly) can find it.
func WriteLockfile(home string, port int) (path string, err error) {
	if err = os.MkdirAll(home, 0755); err != nil {
		return "", errors.Wrapf(err, "failed to create daemon home %#v", home)
	}

	path = filepath.Join(home, LockfileName)

	data, err := json.MarshalIndent(&Lockfile{
		PID:       os.Getpid(),
		Port:      port,
		StartedAt: time.Now(),
		Version:   Version,
	}, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal lockfile")
	}

	if err = os.WriteFile(path, data, 0644); err != nil {
		return "", errors.Wrapf(err, "failed to write lockfile %#v", path)
	}

	return path, nil
}

func RemoveLockfile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("failed to remove lockfile")
	}
}

// ReadLockfile loads the lockfile at home, if a daemon has written one.
func ReadLockfile(home string) (*Lockfile, error) {
	data, err := os.ReadFile(filepath.Join(home, LockfileName))
	if err != nil {
		return nil, err
	}

	var lf Lockfile
	if err = json.Unmarshal(data, &lf); err != nil {
		return nil, errors.Wrap(err, "lockfile is malformed")
	}
	return &lf, nil
}
