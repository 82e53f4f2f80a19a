package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"waschedule/internal/gateway"
	"waschedule/internal/markdown"
	"waschedule/internal/model"
	"waschedule/internal/mstore"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/useinsider/go-pkg/inslogger"
	"github.com/useinsider/go-pkg/insredis"
)

const (
	historyCacheKey = "schedules:history"
	historyCacheTTL = 5 * time.Minute
	workerStateKey  = "worker:state"
)

// WorkerController is the lifecycle surface the handler drives; the real
// delivery worker implements it.
type WorkerController interface {
	Start() bool
	Stop() bool
	IsRunning() bool
}

type ScheduleHandler struct {
	store       mstore.ScheduleStore
	worker      WorkerController
	sender      gateway.Sender
	logger      inslogger.Interface
	redisClient insredis.RedisInterface
	uploadsDir  string
}

func NewScheduleHandler(
	store mstore.ScheduleStore,
	worker WorkerController,
	sender gateway.Sender,
	logger inslogger.Interface,
	redisClient insredis.RedisInterface,
	uploadsDir string,
) *ScheduleHandler {
	return &ScheduleHandler{
		store:       store,
		worker:      worker,
		sender:      sender,
		logger:      logger,
		redisClient: redisClient,
		uploadsDir:  uploadsDir,
	}
}

// Routes registers the API surface on the given engine.
func (h *ScheduleHandler) Routes(router *gin.Engine) {
	api := router.Group("/api")

	api.GET("/health", h.Health)

	api.POST("/schedules", h.CreateSchedule)
	api.POST("/schedules/bulk", h.CreateBulkSchedules)
	api.GET("/schedules", h.ListSchedules)
	api.GET("/schedules/:id", h.GetSchedule)
	api.PUT("/schedules/:id", h.UpdateSchedule)
	api.DELETE("/schedules/:id", h.DeleteSchedule)
	api.POST("/schedules/:id/retry", h.RetrySchedule)

	api.GET("/history", h.GetHistory)

	api.POST("/uploads/image", h.UploadImage)
	api.POST("/debug/send", h.DebugSend)

	api.POST("/worker/start", h.StartWorker)
	api.POST("/worker/stop", h.StopWorker)
	api.GET("/worker/status", h.WorkerStatus)
}

func (h *ScheduleHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// CreateSchedule creates a schedule.
// @Summary Create a scheduled message
// @Description Queue a message (text or image with caption) for future delivery
// @Tags schedules
// @Accept json
// @Produce json
// @Param schedule body model.ScheduleCreateRequest true "Schedule payload"
// @Success 201 {object} model.Schedule
// @Failure 400 {object} map[string]interface{}
// @Router /api/schedules [post]
func (h *ScheduleHandler) CreateSchedule(c *gin.Context) {
	var req model.ScheduleCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Errorf("Invalid schedule payload: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload"})
		return
	}

	s := newSchedule(req)
	if err := h.store.Insert(c.Request.Context(), &s); err != nil {
		h.logger.Errorf("Failed to create schedule: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create schedule"})
		return
	}

	h.logger.Logf("Created schedule %s for %s", s.ID, s.SendAt)
	c.JSON(http.StatusCreated, s)
}

// CreateBulkSchedules creates many schedules in one call.
// @Summary Bulk create scheduled messages
// @Tags schedules
// @Accept json
// @Produce json
// @Param schedules body model.BulkCreateRequest true "Bulk payload"
// @Success 201 {array} model.Schedule
// @Failure 400 {object} map[string]interface{}
// @Router /api/schedules/bulk [post]
func (h *ScheduleHandler) CreateBulkSchedules(c *gin.Context) {
	var req model.BulkCreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Errorf("Invalid bulk payload: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload"})
		return
	}

	schedules := make([]model.Schedule, 0, len(req.Schedules))
	for _, item := range req.Schedules {
		schedules = append(schedules, newSchedule(item))
	}

	if err := h.store.InsertMany(c.Request.Context(), schedules); err != nil {
		h.logger.Errorf("Bulk create failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create schedules"})
		return
	}

	h.logger.Logf("Created %d schedules via bulk add", len(schedules))
	c.JSON(http.StatusCreated, schedules)
}

// ListSchedules lists schedules with an optional status filter.
// @Summary List schedules
// @Tags schedules
// @Produce json
// @Param status query string false "Status filter"
// @Param limit query int false "Maximum rows" default(100)
// @Success 200 {array} model.Schedule
// @Router /api/schedules [get]
func (h *ScheduleHandler) ListSchedules(c *gin.Context) {
	status := model.Status(c.Query("status"))
	limit := parseLimit(c.Query("limit"), 100)

	schedules, err := h.store.List(c.Request.Context(), status, limit)
	if err != nil {
		h.logger.Errorf("Failed to list schedules: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list schedules"})
		return
	}
	if schedules == nil {
		schedules = []model.Schedule{}
	}
	c.JSON(http.StatusOK, schedules)
}

// GetSchedule fetches one schedule by id.
// @Summary Get a schedule
// @Tags schedules
// @Produce json
// @Param id path string true "Schedule ID"
// @Success 200 {object} model.Schedule
// @Failure 404 {object} map[string]interface{}
// @Router /api/schedules/{id} [get]
func (h *ScheduleHandler) GetSchedule(c *gin.Context) {
	s, err := h.store.FindByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, mstore.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Schedule not found"})
			return
		}
		h.logger.Errorf("Failed to get schedule: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get schedule"})
		return
	}
	c.JSON(http.StatusOK, s)
}

// UpdateSchedule applies partial edits to a schedule.
// @Summary Update a schedule
// @Description Edit schedule fields; message_md is re-rendered when message_html changes
// @Tags schedules
// @Accept json
// @Produce json
// @Param id path string true "Schedule ID"
// @Param update body model.ScheduleUpdateRequest true "Fields to update"
// @Success 200 {object} model.Schedule
// @Failure 404 {object} map[string]interface{}
// @Router /api/schedules/{id} [put]
func (h *ScheduleHandler) UpdateSchedule(c *gin.Context) {
	var req model.ScheduleUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Errorf("Invalid update payload: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload"})
		return
	}

	id := c.Param("id")
	fields := mstore.Fields{}
	if req.Phone != nil {
		fields["phone"] = *req.Phone
	}
	if req.MessageHTML != nil {
		fields["message_html"] = *req.MessageHTML
		fields["message_md"] = markdown.FromHTML(*req.MessageHTML)
	}
	if req.ImagePath != nil {
		fields["image_path"] = *req.ImagePath
	}
	if req.SendAt != nil {
		fields["send_at"] = req.SendAt.UTC()
	}
	if req.Status != nil {
		fields["status"] = *req.Status
	}

	if err := h.store.UpdateFields(c.Request.Context(), id, fields); err != nil {
		if errors.Is(err, mstore.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Schedule not found"})
			return
		}
		h.logger.Errorf("Failed to update schedule %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update schedule"})
		return
	}

	h.invalidateHistoryCache()

	s, err := h.store.FindByID(c.Request.Context(), id)
	if err != nil {
		h.logger.Errorf("Failed to reload schedule %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to reload schedule"})
		return
	}

	h.logger.Logf("Updated schedule %s", id)
	c.JSON(http.StatusOK, s)
}

// DeleteSchedule removes a schedule.
// @Summary Delete a schedule
// @Tags schedules
// @Produce json
// @Param id path string true "Schedule ID"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} map[string]interface{}
// @Router /api/schedules/{id} [delete]
func (h *ScheduleHandler) DeleteSchedule(c *gin.Context) {
	id := c.Param("id")
	deleted, err := h.store.Delete(c.Request.Context(), id)
	if err != nil {
		h.logger.Errorf("Failed to delete schedule %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete schedule"})
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "Schedule not found"})
		return
	}

	h.invalidateHistoryCache()
	h.logger.Logf("Deleted schedule %s", id)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// RetrySchedule queues a failed schedule for another delivery attempt.
// @Summary Retry a schedule
// @Description Reset the schedule to "scheduled" with send_at = now; the worker picks it up on its next cycle
// @Tags schedules
// @Produce json
// @Param id path string true "Schedule ID"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} map[string]interface{}
// @Router /api/schedules/{id}/retry [post]
func (h *ScheduleHandler) RetrySchedule(c *gin.Context) {
	id := c.Param("id")

	err := h.store.UpdateFields(c.Request.Context(), id, mstore.Fields{
		"status":  model.StatusScheduled,
		"send_at": time.Now().UTC(),
	})
	if err != nil {
		if errors.Is(err, mstore.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Schedule not found"})
			return
		}
		h.logger.Errorf("Failed to queue retry for %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to queue retry"})
		return
	}

	h.invalidateHistoryCache()
	h.logger.Logf("Retry queued for schedule %s", id)
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Schedule queued for retry"})
}

// GetHistory lists schedules that reached a terminal status.
// @Summary Get delivery history
// @Tags history
// @Produce json
// @Param status query string false "Status filter (sent, failed, canceled)"
// @Param limit query int false "Maximum rows" default(100)
// @Success 200 {array} model.Schedule
// @Router /api/history [get]
func (h *ScheduleHandler) GetHistory(c *gin.Context) {
	status := model.Status(c.Query("status"))
	limit := parseLimit(c.Query("limit"), 100)

	cacheKey := fmt.Sprintf("%s:%s:%d", historyCacheKey, status, limit)
	if h.redisClient != nil {
		cached, err := h.redisClient.Get(cacheKey).Result()
		if err == nil && cached != "" {
			h.logger.Log("Cache hit for history")
			c.Data(http.StatusOK, "application/json", []byte(cached))
			return
		}
		if err != nil && err.Error() != "redis: nil" {
			h.logger.Warnf("Redis error while reading history cache: %v", err)
		}
	}

	schedules, err := h.store.History(c.Request.Context(), status, limit)
	if err != nil {
		h.logger.Errorf("Failed to get history: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get history"})
		return
	}
	if schedules == nil {
		schedules = []model.Schedule{}
	}

	if h.redisClient != nil {
		if body, err := json.Marshal(schedules); err == nil {
			if err := h.redisClient.Set(cacheKey, body, historyCacheTTL).Err(); err != nil {
				h.logger.Warnf("Failed to cache history: %v", err)
			}
		}
	}

	c.JSON(http.StatusOK, schedules)
}

// UploadImage stores an uploaded image under the uploads directory and
// returns the path the gateway later resolves.
// @Summary Upload an image
// @Tags uploads
// @Accept multipart/form-data
// @Produce json
// @Param file formData file true "Image file"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{}
// @Router /api/uploads/image [post]
func (h *ScheduleHandler) UploadImage(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing file"})
		return
	}
	if file.Size == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File is empty"})
		return
	}

	name := fmt.Sprintf("%s_%s", time.Now().UTC().Format("20060102_150405"), filepath.Base(file.Filename))
	dst := filepath.Join(h.uploadsDir, name)
	if err := c.SaveUploadedFile(file, dst); err != nil {
		h.logger.Errorf("Failed to store upload: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store upload"})
		return
	}

	h.logger.Logf("Image uploaded: %s (%d bytes)", dst, file.Size)
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"filename":   name,
		"image_path": dst,
		"size":       file.Size,
	})
}

// DebugSend sends a message immediately, bypassing the store.
// @Summary Send a message now (debug)
// @Tags debug
// @Accept json
// @Produce json
// @Param message body model.DebugSendRequest true "Message payload"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} map[string]interface{}
// @Router /api/debug/send [post]
func (h *ScheduleHandler) DebugSend(c *gin.Context) {
	var req model.DebugSendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload"})
		return
	}

	var res gateway.Result
	if req.ImagePath != nil && *req.ImagePath != "" {
		res = h.sender.SendImage(c.Request.Context(), req.Phone, *req.ImagePath, req.Message)
	} else {
		res = h.sender.SendText(c.Request.Context(), req.Phone, req.Message)
	}

	c.JSON(http.StatusOK, gin.H{"success": res.Success(), "result": res})
}

// StartWorker starts the delivery worker.
// @Summary Start the delivery worker
// @Tags worker
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /api/worker/start [post]
func (h *ScheduleHandler) StartWorker(c *gin.Context) {
	h.worker.Start()

	if h.redisClient != nil {
		if err := h.redisClient.Set(workerStateKey, "running", 0).Err(); err != nil {
			h.logger.Warnf("Failed to cache worker state: %v", err)
		}
	}

	c.JSON(http.StatusOK, gin.H{"running": h.worker.IsRunning()})
}

// StopWorker stops the delivery worker, draining the in-flight cycle.
// @Summary Stop the delivery worker
// @Tags worker
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /api/worker/stop [post]
func (h *ScheduleHandler) StopWorker(c *gin.Context) {
	h.worker.Stop()

	if h.redisClient != nil {
		if err := h.redisClient.Del(workerStateKey).Err(); err != nil {
			h.logger.Warnf("Failed to clear worker state: %v", err)
		}
	}

	c.JSON(http.StatusOK, gin.H{"running": h.worker.IsRunning()})
}

// WorkerStatus reports whether the delivery worker is running.
// @Summary Delivery worker status
// @Tags worker
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /api/worker/status [get]
func (h *ScheduleHandler) WorkerStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"running": h.worker.IsRunning()})
}

func (h *ScheduleHandler) invalidateHistoryCache() {
	if h.redisClient == nil {
		return
	}
	// Terminal rows changed; drop the default cache entry so the next read
	// refreshes. Filtered variants expire on their own TTL.
	key := fmt.Sprintf("%s::%d", historyCacheKey, 100)
	if err := h.redisClient.Del(key).Err(); err != nil {
		h.logger.Warnf("Failed to invalidate history cache: %v", err)
	}
}

func newSchedule(req model.ScheduleCreateRequest) model.Schedule {
	now := time.Now().UTC()
	return model.Schedule{
		ID:          uuid.NewString(),
		Phone:       req.Phone,
		MessageHTML: req.MessageHTML,
		MessageMD:   markdown.FromHTML(req.MessageHTML),
		ImagePath:   req.ImagePath,
		SendAt:      req.SendAt.UTC(),
		Status:      model.StatusScheduled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func parseLimit(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
