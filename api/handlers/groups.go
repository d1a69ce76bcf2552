// Package handlers exposes the coordinator over HTTP.
package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/justSteve/claude-flow/consensus"
	"github.com/justSteve/claude-flow/core"
	"github.com/justSteve/claude-flow/distributor"
	"github.com/justSteve/claude-flow/observability"
	"github.com/justSteve/claude-flow/registry"
	"github.com/justSteve/claude-flow/swarm"
	"github.com/justSteve/claude-flow/topology"
)

// Handlers binds the HTTP surface to one coordinator.
type Handlers struct {
	Coord *swarm.Coordinator
	Sink  *observability.Sink
}

// RegisterRoutes mounts all routes on the router.
func (h *Handlers) RegisterRoutes(r *gin.Engine) {
	r.POST("/groups", h.CreateGroup)
	r.GET("/groups/:id/status", h.GetStatus)
	r.DELETE("/groups/:id", h.DeleteGroup)
	r.POST("/groups/:id/agents", h.SpawnAgent)
	r.POST("/groups/:id/agents/:agentID/heartbeat", h.Heartbeat)
	r.POST("/groups/:id/tasks", h.SubmitTask)
	r.GET("/ws", h.HandleWebSocket)
}

type createGroupRequest struct {
	GroupID                string `json:"group_id"`
	Topology               string `json:"topology"`
	Consensus              string `json:"consensus"`
	ConsensusGuardedAssign bool   `json:"consensus_guarded_assign"`
	SweepIntervalMS        int    `json:"sweep_interval_ms"`
}

// CreateGroup initializes a coordination group.
func (h *Handlers) CreateGroup(c *gin.Context) {
	var req createGroupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	opts := swarm.Options{
		Topology:               topology.Kind(req.Topology),
		Consensus:              core.ProtocolKind(req.Consensus),
		Engine:                 consensus.DefaultEngineConfig(),
		Membership:             registry.DefaultConfig(),
		Distributor:            distributor.DefaultConfig(),
		ConsensusGuardedAssign: req.ConsensusGuardedAssign,
		SweepInterval:          time.Duration(req.SweepIntervalMS) * time.Millisecond,
	}
	g, err := h.Coord.InitGroup(req.GroupID, opts)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"group_id": g.ID()})
}

// GetStatus returns the group snapshot.
func (h *Handlers) GetStatus(c *gin.Context) {
	status, err := h.Coord.Status(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

// DeleteGroup shuts a group down.
func (h *Handlers) DeleteGroup(c *gin.Context) {
	if err := h.Coord.Shutdown(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "shutdown"})
}

type spawnAgentRequest struct {
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
}

// SpawnAgent registers a new agent in the group.
func (h *Handlers) SpawnAgent(c *gin.Context) {
	var req spawnAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	agent, err := h.Coord.SpawnAgent(c.Param("id"), req.Name, req.Capabilities)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, core.ErrNotFound):
			status = http.StatusNotFound
		case errors.Is(err, core.ErrDuplicateAgent):
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, agent)
}

// Heartbeat records an agent's liveness signal.
func (h *Handlers) Heartbeat(c *gin.Context) {
	g, err := h.Coord.Group(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err := g.Membership.Heartbeat(c.Param("agentID"), time.Now()); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// SubmitTask enqueues a task and kicks the distributor.
func (h *Handlers) SubmitTask(c *gin.Context) {
	g, err := h.Coord.Group(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	var task core.Task
	if err := c.ShouldBindJSON(&task); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	id, err := g.SubmitTask(task)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	assigned, err := g.Pump(c.Request.Context())
	if err != nil {
		// Accepted but queued: assignment resumes once the partition heals.
		c.JSON(http.StatusAccepted, gin.H{"task_id": id, "assigned": 0, "warning": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": id, "assigned": len(assigned)})
}
