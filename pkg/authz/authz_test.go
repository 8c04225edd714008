package authz

import (
	"testing"
)

func TestRoute(t *testing.T) {
	tests := []struct {
		name         string
		method       string
		path         string
		wantResource Resource
		wantAction   Action
		wantErr      bool
	}{
		{
			name:         "get collection is list",
			method:       "GET",
			path:         "/properties",
			wantResource: ResourceProperties,
			wantAction:   ActionList,
		},
		{
			name:         "get with id is read",
			method:       "GET",
			path:         "/properties/123",
			wantResource: ResourceProperties,
			wantAction:   ActionRead,
		},
		{
			name:         "post is create",
			method:       "POST",
			path:         "/offers",
			wantResource: ResourceOffers,
			wantAction:   ActionCreate,
		},
		{
			name:         "put is update",
			method:       "PUT",
			path:         "/tasks/42",
			wantResource: ResourceTasks,
			wantAction:   ActionUpdate,
		},
		{
			name:         "patch is update",
			method:       "PATCH",
			path:         "/users/7",
			wantResource: ResourceUsers,
			wantAction:   ActionUpdate,
		},
		{
			name:         "delete",
			method:       "DELETE",
			path:         "/documents/9",
			wantResource: ResourceDocuments,
			wantAction:   ActionDelete,
		},
		{
			name:         "lowercase method",
			method:       "get",
			path:         "/analytics",
			wantResource: ResourceAnalytics,
			wantAction:   ActionList,
		},
		{
			name:         "trailing slash ignored",
			method:       "GET",
			path:         "/webhooks/",
			wantResource: ResourceWebhooks,
			wantAction:   ActionList,
		},
		{
			name:    "unknown resource rejected",
			method:  "GET",
			path:    "/invoices",
			wantErr: true,
		},
		{
			name:    "empty path rejected",
			method:  "GET",
			path:    "/",
			wantErr: true,
		},
		{
			name:    "unsupported method rejected",
			method:  "OPTIONS",
			path:    "/properties",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resource, action, err := Route(tt.method, tt.path)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Route(%s, %s) expected error, got %s/%s", tt.method, tt.path, resource, action)
				}
				return
			}
			if err != nil {
				t.Fatalf("Route(%s, %s) unexpected error: %v", tt.method, tt.path, err)
			}
			if resource != tt.wantResource || action != tt.wantAction {
				t.Errorf("Route(%s, %s) = %s/%s, want %s/%s", tt.method, tt.path, resource, action, tt.wantResource, tt.wantAction)
			}
		})
	}
}

func TestPermissionSetAllows(t *testing.T) {
	set := PermissionSet{
		{Resource: ResourceProperties, Actions: []Action{ActionRead, ActionList}},
		{Resource: ResourceOffers, Actions: []Action{ActionCreate}},
	}

	tests := []struct {
		name     string
		resource Resource
		action   Action
		want     bool
	}{
		{"granted read", ResourceProperties, ActionRead, true},
		{"granted list", ResourceProperties, ActionList, true},
		{"action not granted", ResourceProperties, ActionCreate, false},
		{"other resource granted", ResourceOffers, ActionCreate, true},
		{"resource absent is implicit deny", ResourceTasks, ActionRead, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := set.Allows(tt.resource, tt.action); got != tt.want {
				t.Errorf("Allows(%s, %s) = %v, want %v", tt.resource, tt.action, got, tt.want)
			}
		})
	}
}

func TestPermissionSetValidate(t *testing.T) {
	valid := PermissionSet{{Resource: ResourceProperties, Actions: []Action{ActionRead}}}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}

	tests := []struct {
		name string
		set  PermissionSet
	}{
		{"unknown resource", PermissionSet{{Resource: "invoices", Actions: []Action{ActionRead}}}},
		{"unknown action", PermissionSet{{Resource: ResourceProperties, Actions: []Action{"export"}}}},
		{"empty actions", PermissionSet{{Resource: ResourceProperties}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.set.Validate(); err == nil {
				t.Error("Validate() expected error, got nil")
			}
		})
	}
}

func TestParseResource(t *testing.T) {
	if _, err := ParseResource("Properties"); err != nil {
		t.Errorf("ParseResource should be case-insensitive: %v", err)
	}
	if _, err := ParseResource("bogus"); err == nil {
		t.Error("ParseResource accepted unknown resource")
	}
}
