package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"signet.org/internal/auth"
)

type createApplicationRequest struct {
	Name string `json:"name"`
	Code string `json:"code"`
}

type createRoleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Default     bool   `json:"default"`
}

type assignMembershipRequest struct {
	UserID string `json:"user_id"`
	RoleID string `json:"role_id,omitempty"`
}

type changeRoleRequest struct {
	RoleID string `json:"role_id"`
}

type setActiveRequest struct {
	Active bool `json:"active"`
}

type linkPermissionRequest struct {
	PermissionID string `json:"permission_id"`
}

type declarePermissionsRequest struct {
	Permissions []struct {
		Key         string `json:"key"`
		Description string `json:"description"`
	} `json:"permissions"`
}

type createSystemRoleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type assignSystemRoleRequest struct {
	RoleID string `json:"role_id"`
}

func (a *API) handleApplications(w http.ResponseWriter, r *http.Request) {
	if !a.requireAdmin(w, r) {
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req createApplicationRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		app, apiKey, err := a.reg.CreateApplication(r.Context(), req.Name, req.Code)
		if err != nil {
			handleCoreError(w, r, err)
			return
		}
		w.Header().Set("Location", fmt.Sprintf("/v1/applications/%s", app.ID))
		writeJSON(w, http.StatusCreated, map[string]any{
			"application": app,
			"api_key":     apiKey,
		})
	case http.MethodGet:
		apps, err := a.reg.List(r.Context())
		if err != nil {
			handleCoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"applications": apps})
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) handleApplicationScoped(w http.ResponseWriter, r *http.Request) {
	if !a.requireAdmin(w, r) {
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/v1/applications/")
	path = strings.Trim(path, "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	appID := parts[0]
	switch {
	case len(parts) == 1:
		a.handleApplication(w, r, appID)
	case len(parts) == 2 && parts[1] == "rotate-key":
		a.handleRotateKey(w, r, appID)
	case len(parts) == 2 && parts[1] == "active":
		a.handleApplicationActive(w, r, appID)
	case len(parts) == 2 && parts[1] == "roles":
		a.handleApplicationRoles(w, r, appID)
	case len(parts) == 2 && parts[1] == "memberships":
		a.handleApplicationMemberships(w, r, appID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleApplication(w http.ResponseWriter, r *http.Request, appID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	app, err := a.reg.Find(r.Context(), appID)
	if err != nil {
		handleCoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (a *API) handleRotateKey(w http.ResponseWriter, r *http.Request, appID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	apiKey, err := a.reg.RotateAPIKey(r.Context(), appID)
	if err != nil {
		handleCoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"api_key": apiKey})
}

func (a *API) handleApplicationActive(w http.ResponseWriter, r *http.Request, appID string) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	var req setActiveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.reg.SetActive(r.Context(), appID, req.Active); err != nil {
		handleCoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleApplicationRoles(w http.ResponseWriter, r *http.Request, appID string) {
	switch r.Method {
	case http.MethodPost:
		var req createRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := a.cat.CreateRole(r.Context(), appID, req.Name, req.Description, req.Default)
		if err != nil {
			handleCoreError(w, r, err)
			return
		}
		w.Header().Set("Location", fmt.Sprintf("/v1/roles/%s", role.ID))
		writeJSON(w, http.StatusCreated, role)
	case http.MethodGet:
		roles, err := a.cat.ListRoles(r.Context(), appID)
		if err != nil {
			handleCoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) handleApplicationMemberships(w http.ResponseWriter, r *http.Request, appID string) {
	switch r.Method {
	case http.MethodPost:
		var req assignMembershipRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		m, err := a.mem.Assign(r.Context(), req.UserID, appID, req.RoleID)
		if err != nil {
			handleCoreError(w, r, err)
			return
		}
		w.Header().Set("Location", fmt.Sprintf("/v1/users/%s/memberships/%s", m.UserID, appID))
		writeJSON(w, http.StatusCreated, m)
	case http.MethodGet:
		page, err := pageFromQuery(r)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		views, total, err := a.mem.ListForApplication(r.Context(), appID, page)
		if err != nil {
			handleCoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"memberships": views,
			"total":       total,
			"page":        page.Number,
			"size":        page.Size,
		})
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) handleRoleResource(w http.ResponseWriter, r *http.Request) {
	if !a.requireAdmin(w, r) {
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/v1/roles/")
	path = strings.Trim(path, "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	roleID := parts[0]
	switch {
	case len(parts) == 1:
		a.handleRole(w, r, roleID)
	case len(parts) == 2 && parts[1] == "default":
		a.handleRoleDefault(w, r, roleID)
	case len(parts) == 2 && parts[1] == "active":
		a.handleRoleActive(w, r, roleID)
	case len(parts) == 2 && parts[1] == "permissions":
		a.handleRolePermissions(w, r, roleID)
	case len(parts) == 3 && parts[1] == "permissions":
		a.handleRolePermission(w, r, roleID, parts[2])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleRole(w http.ResponseWriter, r *http.Request, roleID string) {
	switch r.Method {
	case http.MethodGet:
		role, err := a.cat.FindRole(r.Context(), roleID)
		if err != nil {
			handleCoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, role)
	case http.MethodDelete:
		if err := a.cat.DeleteRole(r.Context(), roleID); err != nil {
			handleCoreError(w, r, err)
			return
		}
		a.audit(r.Context(), "role.deleted", "role", roleID, nil)
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
	}
}

func (a *API) handleRoleDefault(w http.ResponseWriter, r *http.Request, roleID string) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	if err := a.cat.SetAsDefault(r.Context(), roleID); err != nil {
		handleCoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRoleActive(w http.ResponseWriter, r *http.Request, roleID string) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	var req setActiveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.cat.SetRoleActive(r.Context(), roleID, req.Active); err != nil {
		handleCoreError(w, r, err)
		return
	}
	a.audit(r.Context(), "role.active_changed", "role", roleID, map[string]string{
		"active": strconv.FormatBool(req.Active),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRolePermissions(w http.ResponseWriter, r *http.Request, roleID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req linkPermissionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.PermissionID = strings.TrimSpace(req.PermissionID)
	if req.PermissionID == "" {
		writeError(w, r, http.StatusBadRequest, "permission_id is required")
		return
	}
	if err := a.cat.AddPermission(r.Context(), roleID, req.PermissionID); err != nil {
		handleCoreError(w, r, err)
		return
	}
	a.audit(r.Context(), "role.permission_added", "role", roleID, map[string]string{
		"permission_id": req.PermissionID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRolePermission(w http.ResponseWriter, r *http.Request, roleID, permissionID string) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	if err := a.cat.RemovePermission(r.Context(), roleID, permissionID); err != nil {
		handleCoreError(w, r, err)
		return
	}
	a.audit(r.Context(), "role.permission_removed", "role", roleID, map[string]string{
		"permission_id": permissionID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handlePermissions(w http.ResponseWriter, r *http.Request) {
	if !a.requireAdmin(w, r) {
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req declarePermissionsRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		perms := make([]auth.Permission, 0, len(req.Permissions))
		for _, p := range req.Permissions {
			perms = append(perms, auth.Permission{Key: p.Key, Description: p.Description})
		}
		if err := a.cat.DeclarePermissions(r.Context(), perms); err != nil {
			handleCoreError(w, r, err)
			return
		}
		a.audit(r.Context(), "permissions.declared", "permission", "", map[string]string{
			"count": strconv.Itoa(len(perms)),
		})
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		perms, err := a.cat.ListPermissions(r.Context())
		if err != nil {
			handleCoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) handleSystemRoles(w http.ResponseWriter, r *http.Request) {
	if !a.requireAdmin(w, r) {
		return
	}
	switch r.Method {
	case http.MethodPost:
		var req createSystemRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := a.cat.CreateSystemRole(r.Context(), req.Name, req.Description)
		if err != nil {
			handleCoreError(w, r, err)
			return
		}
		a.audit(r.Context(), "system_role.created", "system_role", role.ID, map[string]string{
			"name": role.Name,
		})
		w.Header().Set("Location", fmt.Sprintf("/v1/system-roles/%s", role.ID))
		writeJSON(w, http.StatusCreated, role)
	case http.MethodGet:
		roles, err := a.cat.ListSystemRoles(r.Context())
		if err != nil {
			handleCoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"system_roles": roles})
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) handleSystemRoleResource(w http.ResponseWriter, r *http.Request) {
	if !a.requireAdmin(w, r) {
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/v1/system-roles/")
	path = strings.Trim(path, "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	roleID := parts[0]
	switch {
	case len(parts) == 1:
		if r.Method != http.MethodDelete {
			methodNotAllowed(w, r, http.MethodDelete)
			return
		}
		if err := a.cat.DeleteSystemRole(r.Context(), roleID); err != nil {
			handleCoreError(w, r, err)
			return
		}
		a.audit(r.Context(), "system_role.deleted", "system_role", roleID, nil)
		w.WriteHeader(http.StatusNoContent)
	case len(parts) == 2 && parts[1] == "active":
		if r.Method != http.MethodPut {
			methodNotAllowed(w, r, http.MethodPut)
			return
		}
		var req setActiveRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.cat.SetSystemRoleActive(r.Context(), roleID, req.Active); err != nil {
			handleCoreError(w, r, err)
			return
		}
		a.audit(r.Context(), "system_role.active_changed", "system_role", roleID, map[string]string{
			"active": strconv.FormatBool(req.Active),
		})
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	if !a.requireAdmin(w, r) {
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/v1/users/")
	path = strings.Trim(path, "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	userID := parts[0]
	switch {
	case len(parts) == 2 && parts[1] == "active":
		a.handleUserActive(w, r, userID)
	case len(parts) == 2 && parts[1] == "confirm-email":
		a.handleUserConfirmEmail(w, r, userID)
	case len(parts) == 2 && parts[1] == "memberships":
		a.handleUserMemberships(w, r, userID)
	case len(parts) == 3 && parts[1] == "memberships":
		a.handleUserMembership(w, r, userID, parts[2])
	case len(parts) == 4 && parts[1] == "memberships" && parts[3] == "active":
		a.handleUserMembershipActive(w, r, userID, parts[2])
	case len(parts) == 2 && parts[1] == "system-roles":
		a.handleUserSystemRoles(w, r, userID)
	case len(parts) == 3 && parts[1] == "system-roles":
		a.handleUserSystemRole(w, r, userID, parts[2])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleUserActive(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	var req setActiveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.SetUserActive(r.Context(), userID, req.Active); err != nil {
		handleCoreError(w, r, err)
		return
	}
	a.audit(r.Context(), "user.active_changed", "user", userID, map[string]string{
		"active": strconv.FormatBool(req.Active),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleUserConfirmEmail(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := a.svc.ConfirmEmail(r.Context(), userID); err != nil {
		handleCoreError(w, r, err)
		return
	}
	a.audit(r.Context(), "user.email_confirmed", "user", userID, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleUserMemberships(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	views, err := a.mem.ListForUser(r.Context(), userID)
	if err != nil {
		handleCoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"memberships": views})
}

func (a *API) handleUserMembership(w http.ResponseWriter, r *http.Request, userID, appID string) {
	switch r.Method {
	case http.MethodPut:
		var req changeRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		req.RoleID = strings.TrimSpace(req.RoleID)
		if req.RoleID == "" {
			writeError(w, r, http.StatusBadRequest, "role_id is required")
			return
		}
		if err := a.mem.ChangeRole(r.Context(), userID, appID, req.RoleID); err != nil {
			handleCoreError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodDelete:
		if err := a.mem.Remove(r.Context(), userID, appID); err != nil {
			handleCoreError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodPut, http.MethodDelete)
	}
}

func (a *API) handleUserMembershipActive(w http.ResponseWriter, r *http.Request, userID, appID string) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	var req setActiveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.mem.SetActive(r.Context(), userID, appID, req.Active); err != nil {
		handleCoreError(w, r, err)
		return
	}
	a.audit(r.Context(), "membership.active_changed", "membership", userID, map[string]string{
		"application_id": appID,
		"active":         strconv.FormatBool(req.Active),
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleUserSystemRoles(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req assignSystemRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req.RoleID = strings.TrimSpace(req.RoleID)
	if req.RoleID == "" {
		writeError(w, r, http.StatusBadRequest, "role_id is required")
		return
	}
	if err := a.cat.AssignSystemRole(r.Context(), userID, req.RoleID); err != nil {
		handleCoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleUserSystemRole(w http.ResponseWriter, r *http.Request, userID, roleID string) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	if err := a.cat.UnassignSystemRole(r.Context(), userID, roleID); err != nil {
		handleCoreError(w, r, err)
		return
	}
	a.audit(r.Context(), "system_role.unassigned", "user", userID, map[string]string{
		"role_id": roleID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func pageFromQuery(r *http.Request) (auth.Page, error) {
	page := auth.Page{Number: 1, Size: 20, Search: strings.TrimSpace(r.URL.Query().Get("search"))}
	if raw := strings.TrimSpace(r.URL.Query().Get("page")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return auth.Page{}, fmt.Errorf("page must be an integer")
		}
		page.Number = n
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("size")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return auth.Page{}, fmt.Errorf("size must be an integer")
		}
		page.Size = n
	}
	return page, nil
}
