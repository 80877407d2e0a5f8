// Copyright 2026 The Heimdall Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package permission

// Resource types known to the permission engine. Grants naming any other
// type are rejected at write time, so a typo can never silently create a
// grant nobody can match.
const (
	ResourceDocuments = "documents"
	ResourceProjects  = "projects"
	ResourceUsers     = "users"
	ResourceClients   = "clients"
	ResourceTenants   = "tenants"
	ResourceReports   = "reports"
	ResourceSettings  = "settings"
)

// Action vocabulary per resource type
var registry = map[string][]string{
	ResourceDocuments: {"read", "write", "delete", "share"},
	ResourceProjects:  {"read", "write", "delete", "manage"},
	ResourceUsers:     {"read", "invite", "manage", "deactivate"},
	ResourceClients:   {"read", "register", "manage", "revoke"},
	ResourceTenants:   {"read", "create", "move", "delete"},
	ResourceReports:   {"read", "export"},
	ResourceSettings:  {"read", "write"},
}

// ValidResourceType reports whether the resource type is registered
func ValidResourceType(resourceType string) bool {
	_, ok := registry[resourceType]
	return ok
}

// ValidAction reports whether the action belongs to the resource type's
// vocabulary
func ValidAction(resourceType, action string) bool {
	for _, a := range registry[resourceType] {
		if a == action {
			return true
		}
	}
	return false
}

// ActionsFor returns the allowed actions for a resource type
func ActionsFor(resourceType string) []string {
	actions := registry[resourceType]
	out := make([]string, len(actions))
	copy(out, actions)
	return out
}
