// Package api exposes projects, rooms and login over HTTP.
package api

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/manpreetbhatti/codelattice/internal/auth"
	"github.com/manpreetbhatti/codelattice/internal/db"
	"github.com/manpreetbhatti/codelattice/internal/project"
	"github.com/manpreetbhatti/codelattice/internal/ratelimit"
	"github.com/manpreetbhatti/codelattice/internal/room"
	"github.com/manpreetbhatti/codelattice/internal/template"
	"github.com/manpreetbhatti/codelattice/internal/ws"
)

const maxRequestBody = 64 << 10

type Deps struct {
	Database  *db.Database
	Projects  *project.Service
	Registry  *room.Registry
	Templates *template.Cache
	Sockets   *ws.Handler
	// Auth is nil when GitHub login is not configured.
	Auth auth.Authenticator
	// ProvisionLimits throttles project creation per client address.
	ProvisionLimits *ratelimit.Pool
	Logger          *slog.Logger
}

type API struct {
	database  *db.Database
	projects  *project.Service
	registry  *room.Registry
	templates *template.Cache
	sockets   *ws.Handler
	auth      auth.Authenticator
	limits    *ratelimit.Pool
	log       *slog.Logger
}

func New(d Deps) *API {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &API{
		database:  d.Database,
		projects:  d.Projects,
		registry:  d.Registry,
		templates: d.Templates,
		sockets:   d.Sockets,
		auth:      d.Auth,
		limits:    d.ProvisionLimits,
		log:       d.Logger.With("component", "api"),
	}
}

// Router wires every route behind access logging and CORS.
func (a *API) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(a.logRequests)

	r.Methods(http.MethodGet).Path("/health").HandlerFunc(a.HealthHandler)
	r.Methods(http.MethodGet).Path("/api/stats").HandlerFunc(a.StatsHandler)
	r.Methods(http.MethodPost).Path("/api/projects").HandlerFunc(a.CreateProjectHandler)
	r.Methods(http.MethodGet).Path("/api/projects/{id}").HandlerFunc(a.GetProjectHandler)
	r.Methods(http.MethodGet).Path("/api/users/{id}").HandlerFunc(a.GetUserHandler)
	r.Methods(http.MethodGet).Path("/api/users/{id}/projects").HandlerFunc(a.ListUserProjectsHandler)
	r.Methods(http.MethodGet).Path("/api/rooms").HandlerFunc(a.ListRoomsHandler)
	r.Methods(http.MethodGet).Path("/ws/{project_id}").HandlerFunc(a.WebSocketHandler)
	r.Methods(http.MethodGet).Path("/auth/github").HandlerFunc(a.GitHubLoginHandler)
	r.Methods(http.MethodGet).Path("/auth/github/callback").HandlerFunc(a.GitHubCallbackHandler)

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errorResponse(w, http.StatusNotFound, "Not found")
	})

	return corsMiddleware(r)
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		a.log.Info("handled", "method", r.Method, "url", r.URL.Path, "duration", m.Duration, "status", m.Code)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding JSON response", "err", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"active_rooms": a.registry.Len(),
		"active_peers": a.registry.Peers(),
		"templates":    a.templates.Stats(),
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	}

	dbStats, err := a.database.GetStats(r.Context())
	if err == nil {
		stats["total_projects"] = dbStats["project_count"]
		stats["total_users"] = dbStats["user_count"]
	} else {
		a.log.Warn("datastore stats unavailable", "err", err)
	}

	jsonResponse(w, http.StatusOK, stats)
}

// Project handlers

type ProjectResponse struct {
	*db.Project
	ActiveUsers int64 `json:"active_users"`
}

func (a *API) CreateProjectHandler(w http.ResponseWriter, r *http.Request) {
	if a.limits != nil && !a.limits.Get(clientAddr(r)).Allow() {
		errorResponse(w, http.StatusTooManyRequests, "Too many requests")
		return
	}

	var req project.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		errorResponse(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	p, err := a.projects.Provision(r.Context(), req)
	switch {
	case err == nil:
	case errors.Is(err, project.ErrInvalidRequest):
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, template.ErrUnsupportedFramework):
		errorResponse(w, http.StatusBadRequest, "Unsupported framework")
		return
	default:
		a.log.Error("provision failed", "owner", req.UserID, "framework", req.Framework, "err", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to create project")
		return
	}

	jsonResponse(w, http.StatusCreated, ProjectResponse{Project: p})
}

func (a *API) GetProjectHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	p, err := a.database.GetProject(r.Context(), id)
	if err != nil {
		a.log.Error("get project failed", "project_id", id, "err", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to get project")
		return
	}
	if p == nil {
		errorResponse(w, http.StatusNotFound, "Project not found")
		return
	}

	resp := ProjectResponse{Project: p}
	if rm, ok := a.registry.Lookup(id); ok {
		resp.ActiveUsers = rm.Peers()
	}
	jsonResponse(w, http.StatusOK, resp)
}

func (a *API) GetUserHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	u, err := a.database.GetUser(r.Context(), id)
	if err != nil {
		a.log.Error("get user failed", "user_id", id, "err", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to get user")
		return
	}
	if u == nil {
		errorResponse(w, http.StatusNotFound, "User not found")
		return
	}
	jsonResponse(w, http.StatusOK, u)
}

func (a *API) ListUserProjectsHandler(w http.ResponseWriter, r *http.Request) {
	owner := mux.Vars(r)["id"]

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	projects, err := a.database.ListProjectsByOwner(r.Context(), owner, limit, offset)
	if err != nil {
		a.log.Error("list projects failed", "owner", owner, "err", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to list projects")
		return
	}
	if projects == nil {
		projects = []db.Project{}
	}

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"projects": projects,
		"limit":    limit,
		"offset":   offset,
	})
}

// Room handlers

type RoomResponse struct {
	ID          string `json:"id"`
	ActiveUsers int64  `json:"active_users"`
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	rooms := []RoomResponse{}
	a.registry.Range(func(rm *room.Room) bool {
		rooms = append(rooms, RoomResponse{ID: rm.ID, ActiveUsers: rm.Peers()})
		return true
	})
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })

	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"rooms": rooms,
	})
}

func (a *API) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	a.sockets.Serve(w, r, mux.Vars(r)["project_id"])
}

// Login handlers

func (a *API) GitHubLoginHandler(w http.ResponseWriter, r *http.Request) {
	if a.auth == nil {
		errorResponse(w, http.StatusNotFound, "GitHub login is not configured")
		return
	}

	url, err := a.auth.LoginURL(r.Context())
	if err != nil {
		a.log.Error("start login failed", "err", err)
		errorResponse(w, http.StatusInternalServerError, "Failed to start login")
		return
	}
	http.Redirect(w, r, url, http.StatusTemporaryRedirect)
}

func (a *API) GitHubCallbackHandler(w http.ResponseWriter, r *http.Request) {
	if a.auth == nil {
		errorResponse(w, http.StatusNotFound, "GitHub login is not configured")
		return
	}

	q := r.URL.Query()
	user, err := a.auth.Callback(r.Context(), q.Get("state"), q.Get("code"))
	if errors.Is(err, auth.ErrInvalidState) {
		errorResponse(w, http.StatusBadRequest, "Invalid or expired login state")
		return
	}
	if err != nil {
		a.log.Error("login callback failed", "err", err)
		errorResponse(w, http.StatusBadGateway, "Login failed")
		return
	}

	jsonResponse(w, http.StatusOK, user)
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
