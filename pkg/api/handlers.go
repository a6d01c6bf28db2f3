package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/RobPruzan/zenbu-daemon/pkg/launcher"
	"github.com/RobPruzan/zenbu-daemon/pkg/procmgr"
	"github.com/RobPruzan/zenbu-daemon/pkg/warmpool"
)

// Project is the public view of an assigned process
type Project struct {
	Name string `json:"name"`
	Port int    `json:"port"`
	PID  int    `json:"pid"`
	Cwd  string `json:"cwd"`
}

// Process is the detailed view returned by /processes
type Process struct {
	InstanceID string    `json:"instance_id"`
	Name       string    `json:"name,omitempty"`
	Role       string    `json:"role"`
	Port       int       `json:"port"`
	PID        int       `json:"pid"`
	Cwd        string    `json:"cwd"`
	Template   string    `json:"template,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// CreateProjectRequest is the optional POST /projects body
type CreateProjectRequest struct {
	Name     string `json:"name"`
	Template string `json:"template"`
}

func toProject(p procmgr.ManagedProcess) Project {
	return Project{Name: p.Name, Port: p.Port, PID: p.PID, Cwd: p.Dir}
}

func toProcess(p procmgr.ManagedProcess) Process {
	return Process{
		InstanceID: p.InstanceID,
		Name:       p.Name,
		Role:       p.Role.String(),
		Port:       p.Port,
		PID:        p.PID,
		Cwd:        p.Dir,
		Template:   p.Template,
		CreatedAt:  p.CreatedAt,
	}
}

func (s *Server) listProjects(c *gin.Context) {
	projects := s.pool.ListProjects()
	out := make([]Project, 0, len(projects))
	for _, p := range projects {
		out = append(out, toProject(p))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) createProject(c *gin.Context) {
	var req CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		s.respondError(c, launcher.ErrInvalidRequest("body", "", err.Error()))
		return
	}

	p, err := s.pool.CreateProject(c.Request.Context(), warmpool.CreateRequest{
		Name:     req.Name,
		Template: req.Template,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, toProject(p))
}

func (s *Server) deleteProject(c *gin.Context) {
	if err := s.pool.DeleteProject(c.Request.Context(), c.Param("name")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) killProject(c *gin.Context) {
	if err := s.pool.KillProject(c.Request.Context(), c.Param("name")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listProcesses(c *gin.Context) {
	var (
		procs []procmgr.ManagedProcess
		err   error
	)
	switch c.Query("source") {
	case "", "table":
		procs = s.pool.ListProcesses()
	case "os":
		procs, err = s.pool.ListOS(c.Request.Context())
		if err != nil {
			s.respondError(c, launcher.NewError(launcher.ErrorCodeInternalError, "Failed to list OS processes").WithCause(err))
			return
		}
	default:
		s.respondError(c, launcher.ErrInvalidRequest("source", c.Query("source"), "must be 'table' or 'os'"))
		return
	}

	out := make([]Process, 0, len(procs))
	for _, p := range procs {
		out = append(out, toProcess(p))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, s.pool.Health())
}

// respondError maps error codes to HTTP statuses
func (s *Server) respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", c.Request.Method, "path", c.Request.URL.Path, "error", err)
	}
	c.Error(err)
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch launcher.GetErrorCode(err) {
	case launcher.ErrorCodeInvalidRequest:
		return http.StatusBadRequest
	case launcher.ErrorCodeProjectNotFound:
		return http.StatusNotFound
	case launcher.ErrorCodeProjectExists:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
