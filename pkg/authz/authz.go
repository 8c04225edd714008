// Package authz maps inbound requests to (resource, action) pairs and checks
// them against an API key's permission set.
//
// The check is pure: no I/O, no clock, no shared state. Unknown resources and
// actions are rejected at the boundary instead of being silently denied, so a
// typo in a route registration fails loudly.
package authz

import (
	"fmt"
	"net/http"
	"strings"
)

// Resource is the closed set of API resources the gateway exposes.
type Resource string

const (
	ResourceProperties     Resource = "properties"
	ResourceOffers         Resource = "offers"
	ResourceUsers          Resource = "users"
	ResourceTasks          Resource = "tasks"
	ResourceDocuments      Resource = "documents"
	ResourceCommunications Resource = "communications"
	ResourceTemplates      Resource = "templates"
	ResourceAnalytics      Resource = "analytics"
	ResourceWebhooks       Resource = "webhooks"
)

// Action is the closed set of operations on a resource.
type Action string

const (
	ActionRead   Action = "read"
	ActionList   Action = "list"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

var resources = map[Resource]bool{
	ResourceProperties:     true,
	ResourceOffers:         true,
	ResourceUsers:          true,
	ResourceTasks:          true,
	ResourceDocuments:      true,
	ResourceCommunications: true,
	ResourceTemplates:      true,
	ResourceAnalytics:      true,
	ResourceWebhooks:       true,
}

var actions = map[Action]bool{
	ActionRead:   true,
	ActionList:   true,
	ActionCreate: true,
	ActionUpdate: true,
	ActionDelete: true,
}

// ParseResource validates a resource name against the closed enumeration.
func ParseResource(s string) (Resource, error) {
	r := Resource(strings.ToLower(s))
	if !resources[r] {
		return "", fmt.Errorf("unknown resource %q", s)
	}
	return r, nil
}

// ParseAction validates an action name against the closed enumeration.
func ParseAction(s string) (Action, error) {
	a := Action(strings.ToLower(s))
	if !actions[a] {
		return "", fmt.Errorf("unknown action %q", s)
	}
	return a, nil
}

// Route derives the (resource, action) pair for a request.
//
// The resource is the first path segment. The action follows the HTTP method:
// GET with a secondary segment is a read, GET on the bare resource is a list,
// POST creates, PUT/PATCH update, DELETE deletes.
func Route(method, path string) (Resource, Action, error) {
	segments := splitPath(path)
	if len(segments) == 0 {
		return "", "", fmt.Errorf("empty request path")
	}

	resource, err := ParseResource(segments[0])
	if err != nil {
		return "", "", err
	}

	switch strings.ToUpper(method) {
	case http.MethodGet:
		if len(segments) > 1 {
			return resource, ActionRead, nil
		}
		return resource, ActionList, nil
	case http.MethodPost:
		return resource, ActionCreate, nil
	case http.MethodPut, http.MethodPatch:
		return resource, ActionUpdate, nil
	case http.MethodDelete:
		return resource, ActionDelete, nil
	default:
		return "", "", fmt.Errorf("unsupported method %q", method)
	}
}

func splitPath(path string) []string {
	var segments []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	return segments
}

// Permission grants a set of actions on one resource.
type Permission struct {
	Resource Resource `json:"resource" yaml:"resource"`
	Actions  []Action `json:"actions" yaml:"actions"`
}

// PermissionSet is the ordered list of permissions attached to an API key.
// Absence of an entry for a resource means implicit deny.
type PermissionSet []Permission

// Allows reports whether the set grants action on resource.
func (ps PermissionSet) Allows(resource Resource, action Action) bool {
	for _, p := range ps {
		if p.Resource != resource {
			continue
		}
		for _, a := range p.Actions {
			if a == action {
				return true
			}
		}
	}
	return false
}

// Validate rejects permissions that reference unknown resources or actions.
func (ps PermissionSet) Validate() error {
	for _, p := range ps {
		if !resources[p.Resource] {
			return fmt.Errorf("unknown resource %q", p.Resource)
		}
		if len(p.Actions) == 0 {
			return fmt.Errorf("resource %q has no actions", p.Resource)
		}
		for _, a := range p.Actions {
			if !actions[a] {
				return fmt.Errorf("unknown action %q for resource %q", a, p.Resource)
			}
		}
	}
	return nil
}
