//nolint:revive,nolintlint // Package name "common" is intentional for shared helpers.
package common

import (
	"errors"
	"os"
	"os/user"
	"strings"

	"github.com/oshokin/lambda-deployer/internal/domain/deploy"
)

// unknownActor is recorded when neither the host nor the user can be determined.
const unknownActor = "unknown"

var errActorUndetected = errors.New("neither hostname nor username could be detected")

// DetectActor gathers host and user information for the deployment history.
// CI runners often lack a passwd entry, so the username falls back to $USER or
// $USERNAME. An error is returned only when both values are missing; the
// returned actor is usable either way.
func DetectActor() (*deploy.Actor, error) {
	actor := &deploy.Actor{
		Hostname: unknownActor,
		Username: unknownActor,
	}

	hostname, hostErr := os.Hostname()
	if hostErr == nil && hostname != "" {
		actor.Hostname = hostname
	}

	username := usernameFromEnv()
	if currentUser, err := user.Current(); err == nil && currentUser.Username != "" {
		username = currentUser.Username
	}

	if username != "" {
		actor.Username = username
	}

	if actor.Hostname == unknownActor && actor.Username == unknownActor {
		return actor, errActorUndetected
	}

	return actor, nil
}

func usernameFromEnv() string {
	for _, key := range []string{"USER", "USERNAME"} {
		if value := strings.TrimSpace(os.Getenv(key)); value != "" {
			return value
		}
	}

	return ""
}
