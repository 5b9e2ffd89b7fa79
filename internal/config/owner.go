package config

import (
	"fmt"
	"os/user"
	"strconv"

	"github.com/schaermu/serversync/internal/syncerr"
)

// Owner is the numeric ownership applied to every deployed path.
type Owner struct {
	UID int
	GID int
}

func (o Owner) String() string {
	return fmt.Sprintf("%d:%d", o.UID, o.GID)
}

// Swapped in tests.
var (
	lookupUser  = user.Lookup
	lookupGroup = user.LookupGroup
)

// resolveOwner prefers the numeric UID/GID and falls back to resolving the
// USER/GROUP names.
func resolveOwner(get func(string) string) (Owner, error) {
	uid, err := resolveID(get, EnvUID, EnvUser, func(name string) (string, error) {
		u, err := lookupUser(name)
		if err != nil {
			return "", err
		}
		return u.Uid, nil
	})
	if err != nil {
		return Owner{}, err
	}

	gid, err := resolveID(get, EnvGID, EnvGroup, func(name string) (string, error) {
		g, err := lookupGroup(name)
		if err != nil {
			return "", err
		}
		return g.Gid, nil
	})
	if err != nil {
		return Owner{}, err
	}

	return Owner{UID: uid, GID: gid}, nil
}

func resolveID(get func(string) string, idKey, nameKey string, lookup func(string) (string, error)) (int, error) {
	if raw := get(idKey); raw != "" {
		id, err := strconv.Atoi(raw)
		if err != nil {
			return 0, &syncerr.ConfigError{Key: idKey, Err: err}
		}
		return id, nil
	}

	name := get(nameKey)
	if name == "" {
		return 0, syncerr.Configf(idKey, "%s or %s is required", idKey, nameKey)
	}
	raw, err := lookup(name)
	if err != nil {
		return 0, &syncerr.ConfigError{Key: nameKey, Err: err}
	}
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &syncerr.ConfigError{Key: nameKey, Err: fmt.Errorf("non-numeric id %q for %q", raw, name)}
	}
	return id, nil
}
