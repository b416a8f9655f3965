package auth

import (
	"errors"
	"net/http"
	"strings"
)

var ErrForbidden = errors.New("forbidden")

// Role ladder for production requests. Users may read everything,
// managers create and edit requests, administrators additionally
// delete them.
const (
	RoleUser          = "user"
	RoleManager       = "manager"
	RoleAdministrator = "administrator"
)

var roleLevels = map[string]int{
	RoleUser:          1,
	RoleManager:       2,
	RoleAdministrator: 3,
}

func HasAtLeast(roles []string, required string) bool {
	requiredLevel := roleLevels[strings.ToLower(required)]
	if requiredLevel == 0 {
		return false
	}
	maxLevel := 0
	for _, role := range roles {
		level := roleLevels[strings.ToLower(strings.TrimSpace(role))]
		if level > maxLevel {
			maxLevel = level
		}
	}
	return maxLevel >= requiredLevel
}

func RequiredRoleForRequest(r *http.Request) string {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return RoleUser
	case http.MethodDelete:
		return RoleAdministrator
	default:
		return RoleManager
	}
}
