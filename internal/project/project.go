// Package project provisions new projects from framework templates.
package project

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/manpreetbhatti/codelattice/internal/db"
	"github.com/manpreetbhatti/codelattice/internal/room"
	"github.com/manpreetbhatti/codelattice/internal/snapshot"
	"github.com/manpreetbhatti/codelattice/internal/template"
)

const maxNameLength = 100

var ErrInvalidRequest = errors.New("invalid request")

type Request struct {
	UserID      string `json:"user_id"`
	ProjectName string `json:"project_name"`
	Framework   string `json:"framework"`
}

func (r Request) Validate() error {
	switch {
	case strings.TrimSpace(r.UserID) == "":
		return errors.Wrap(ErrInvalidRequest, "user_id is required")
	case strings.TrimSpace(r.ProjectName) == "":
		return errors.Wrap(ErrInvalidRequest, "project_name is required")
	case len(r.ProjectName) > maxNameLength:
		return errors.Wrapf(ErrInvalidRequest, "project_name longer than %d characters", maxNameLength)
	case strings.TrimSpace(r.Framework) == "":
		return errors.Wrap(ErrInvalidRequest, "framework is required")
	}
	return nil
}

type Templates interface {
	Fetch(ctx context.Context, framework string) (template.Files, error)
}

type Store interface {
	CreateProject(ctx context.Context, p *db.Project) error
}

type SnapshotSaver interface {
	Save(ctx context.Context, projectID string, src snapshot.Source) error
}

type Service struct {
	templates Templates
	projects  Store
	registry  *room.Registry
	snapshots SnapshotSaver
	now       func() time.Time
	log       *slog.Logger
}

func NewService(templates Templates, projects Store, registry *room.Registry, snapshots SnapshotSaver, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		templates: templates,
		projects:  projects,
		registry:  registry,
		snapshots: snapshots,
		now:       time.Now,
		log:       logger.With("component", "project"),
	}
}

// Provision creates a project from its framework's template: it stores the
// record, seeds a room with an empty entry per template file and persists
// the room's first snapshot so the project can be opened after a restart.
func (s *Service) Provision(ctx context.Context, req Request) (*db.Project, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	framework := strings.ToLower(strings.TrimSpace(req.Framework))
	files, err := s.templates.Fetch(ctx, framework)
	if err != nil {
		return nil, errors.Wrap(err, "fetch template")
	}

	p := &db.Project{
		ID:        uuid.NewString(),
		OwnerID:   strings.TrimSpace(req.UserID),
		Name:      strings.TrimSpace(req.ProjectName),
		Framework: framework,
		CreatedAt: s.now().UTC().Truncate(time.Millisecond),
		Files:     files.Clone(),
	}
	if err := s.projects.CreateProject(ctx, p); err != nil {
		return nil, errors.Wrap(err, "create project")
	}

	r, err := s.registry.GetOrCreate(p.ID, files.Paths())
	if err != nil {
		return nil, errors.Wrap(err, "create room")
	}
	if err := s.snapshots.Save(ctx, p.ID, r); err != nil {
		return nil, errors.Wrap(err, "persist initial snapshot")
	}

	s.log.Info("project provisioned", "project_id", p.ID, "owner", p.OwnerID, "framework", framework, "files", len(files))
	return p, nil
}
