package api

import (
	"context"
	"io"
	"net/http"
	"slices"
	"strconv"
	"time"

	"codeberg.org/mutker/rpmd/internal/errors"
	"codeberg.org/mutker/rpmd/internal/logger"
	"codeberg.org/mutker/rpmd/internal/storage"
	"codeberg.org/mutker/rpmd/internal/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WaitingForData is the status timestamp of a machine with no frame yet.
const WaitingForData = "Waiting for Data..."

// Store is the storage side of the read API.
type Store interface {
	RecentFrames(ctx context.Context, id telemetry.MachineID, limit int) ([]telemetry.Frame, error)
	Machines(ctx context.Context) ([]storage.Machine, error)
	Authenticate(ctx context.Context, username, password string) (bool, error)
	MarkActive(ctx context.Context, id telemetry.MachineID) error
}

// Streams serves machine connections and reports which are live. Ingest
// runs one posted frame through the same path a stream message takes.
type Streams interface {
	ServeMachine(w http.ResponseWriter, r *http.Request, id telemetry.MachineID)
	Ingest(id telemetry.MachineID, data []byte) (bool, error)
	ActiveIDs() []telemetry.MachineID
}

type HistoryConfig struct {
	DefaultLimit int
	MaxLimit     int
}

func DefaultHistoryConfig() HistoryConfig {
	return HistoryConfig{
		DefaultLimit: 50,
		MaxLimit:     100,
	}
}

// clamp resolves a raw ?limit= value.
func (c HistoryConfig) clamp(raw string) int {
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return c.DefaultLimit
	}
	return max(1, min(limit, c.MaxLimit))
}

type Deps struct {
	Cache    *telemetry.Cache
	Targets  *telemetry.Targets
	Store    Store
	Streams  Streams
	Gatherer prometheus.Gatherer
	History  HistoryConfig
	// StoreTimeout bounds each storage call made by a request.
	StoreTimeout time.Duration
	Log          logger.Logger
}

type server struct {
	Deps
}

// NewRouter builds the HTTP surface: status, history, commands, the
// machine stream endpoint, health and metrics.
func NewRouter(d Deps) *gin.Engine {
	if d.Log == nil {
		d.Log = logger.Nop()
	}
	if d.History == (HistoryConfig{}) {
		d.History = DefaultHistoryConfig()
	}
	if d.StoreTimeout <= 0 {
		d.StoreTimeout = 5 * time.Second
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	s := &server{Deps: d}

	router := gin.New()
	router.Use(requestID())
	router.Use(requestLogger(d.Log))
	router.Use(recovery(d.Log))
	router.Use(cors())

	router.GET("/health", s.health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))

	router.GET("/data/:id", s.status)
	router.GET("/history/:id", s.history)
	router.POST("/update-machine/:id", s.updateMachine)
	router.POST("/set-motor/:id", s.setMotor)
	router.PUT("/machines/:id/target", s.setTarget)
	router.GET("/machines", s.machines)
	router.POST("/login", s.login)

	router.GET("/ws/machine/:id", s.stream)

	return router
}

func (s *server) machineID(c *gin.Context) (telemetry.MachineID, bool) {
	id, err := telemetry.ParseMachineID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": ErrInvalidMachineID})
		return "", false
	}
	return id, true
}

func (s *server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"service":  "rpmd",
		"machines": s.Cache.Len(),
		"sessions": len(s.Streams.ActiveIDs()),
	})
}

// status never touches storage.
func (s *server) status(c *gin.Context) {
	id, ok := s.machineID(c)
	if !ok {
		return
	}

	f, ok := s.Cache.Get(id)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"timestamp": WaitingForData})
		return
	}
	c.JSON(http.StatusOK, f)
}

// history answers with an empty list whenever storage cannot.
func (s *server) history(c *gin.Context) {
	id, ok := s.machineID(c)
	if !ok {
		return
	}
	limit := s.History.clamp(c.Query("limit"))

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.StoreTimeout)
	defer cancel()

	frames, err := s.Store.RecentFrames(ctx, id, limit)
	if err != nil {
		s.Log.Warn().
			Err(err).
			Str("machine_id", string(id)).
			Str("error_code", string(errors.CodeOf(err))).
			Msg("History unavailable, returning empty")
		frames = nil
	}
	if frames == nil {
		frames = []telemetry.Frame{}
	}
	c.JSON(http.StatusOK, frames)
}

// maxIngestBytes caps a posted frame.
const maxIngestBytes = 4096

// updateMachine is the HTTP ingest path for machines that cannot hold a
// stream open. The roster row is marked active whenever a frame is queued
// for storage, so the update follows the persistence cadence.
func (s *server) updateMachine(c *gin.Context) {
	id, ok := s.machineID(c)
	if !ok {
		return
	}

	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxIngestBytes+1))
	if err != nil || len(data) > maxIngestBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable or oversized body", "code": ErrInvalidArgument})
		return
	}

	queued, err := s.Streams.Ingest(id, data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": ErrDecode})
		return
	}

	if queued {
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.StoreTimeout)
		defer cancel()
		if err := s.Store.MarkActive(ctx, id); err != nil {
			s.Log.Warn().
				Err(err).
				Str("machine_id", string(id)).
				Str("error_code", string(errors.CodeOf(err))).
				Msg("Could not mark machine active")
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":          "accepted",
		"machine_id":      id,
		"persisted":       queued,
		"actuator_target": s.Targets.Get(id),
	})
}

type motorRequest struct {
	Speed *float64 `json:"speed"`
}

type targetRequest struct {
	ActuatorTarget *float64 `json:"actuator_target"`
}

func (s *server) setMotor(c *gin.Context) {
	var req motorRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Speed == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "speed must be a number", "code": ErrInvalidArgument})
		return
	}
	s.applyTarget(c, *req.Speed)
}

func (s *server) setTarget(c *gin.Context) {
	var req targetRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ActuatorTarget == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "actuator_target must be a number", "code": ErrInvalidArgument})
		return
	}
	s.applyTarget(c, *req.ActuatorTarget)
}

func (s *server) applyTarget(c *gin.Context, target float64) {
	id, ok := s.machineID(c)
	if !ok {
		return
	}

	s.Targets.Set(id, target)
	s.Log.Info().
		Str("machine_id", string(id)).
		Float64("actuator_target", target).
		Msg("Actuator target set")

	c.JSON(http.StatusOK, gin.H{
		"status":          "updated",
		"machine_id":      id,
		"actuator_target": target,
	})
}

type machineStatus struct {
	storage.Machine
	Online bool `json:"online"`
}

// machines falls back to the ids this process has seen when the roster
// cannot be read.
func (s *server) machines(c *gin.Context) {
	active := s.Streams.ActiveIDs()

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.StoreTimeout)
	defer cancel()

	roster, err := s.Store.Machines(ctx)
	if err != nil {
		s.Log.Warn().
			Err(err).
			Str("error_code", string(errors.CodeOf(err))).
			Msg("Roster unavailable, using in-memory view")

		ids := append(s.Cache.IDs(), active...)
		slices.Sort(ids)
		ids = slices.Compact(ids)

		roster = make([]storage.Machine, 0, len(ids))
		for _, id := range ids {
			roster = append(roster, storage.Machine{ID: id, Active: true})
		}
	}

	out := make([]machineStatus, 0, len(roster))
	for _, m := range roster {
		out = append(out, machineStatus{
			Machine: m,
			Online:  slices.Contains(active, m.ID),
		})
	}
	c.JSON(http.StatusOK, out)
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *server) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required", "code": ErrInvalidArgument})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.StoreTimeout)
	defer cancel()

	ok, err := s.Store.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		s.Log.Warn().
			Err(err).
			Str("error_code", string(errors.CodeOf(err))).
			Msg("Login check failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"authenticated": false, "code": ErrStorageUnavailable})
		return
	}
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"authenticated": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"authenticated": true, "username": req.Username})
}

func (s *server) stream(c *gin.Context) {
	id, ok := s.machineID(c)
	if !ok {
		return
	}
	s.Streams.ServeMachine(c.Writer, c.Request, id)
}
