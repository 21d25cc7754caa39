package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/carecircle/backend/internal/circles"
	"github.com/carecircle/backend/internal/mail"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const requestIDHeader = "X-Request-ID"

var (
	errMissingCirclesService = errors.New("circles service dependency required")
	errMissingMailer         = errors.New("mailer dependency required")
)

// Dependencies carries the collaborators wired into the HTTP façade.
type Dependencies struct {
	Circles       *circles.Service
	Mailer        mail.Mailer
	InviteBaseURL string
	Logger        *zap.Logger
}

// NewHTTPHandler builds the gin router serving the cache API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Circles == nil {
		return nil, errMissingCirclesService
	}
	if deps.Mailer == nil {
		return nil, errMissingMailer
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestID())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		circles:       deps.Circles,
		mailer:        deps.Mailer,
		inviteBaseURL: strings.TrimRight(deps.InviteBaseURL, "/"),
		logger:        logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/circles/upsert", handler.handleUpsertCircle)
	router.GET("/circles/:id", handler.handleGetCircle)
	router.GET("/circles/:id/stats", handler.handleCircleStats)
	router.GET("/circles/:id/members", handler.handleListMembers)
	router.GET("/circles/:id/tasks", handler.handleListTasks)
	router.POST("/members/upsert", handler.handleUpsertMember)
	router.POST("/tasks/upsert", handler.handleUpsertTask)
	router.POST("/invitations/send", handler.handleSendInvitation)
	router.POST("/invitations/:token/accept", handler.handleAcceptInvitation)

	return router, nil
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Writer.Header().Set(requestIDHeader, id)
		c.Next()
	}
}

type httpHandler struct {
	circles       *circles.Service
	mailer        mail.Mailer
	inviteBaseURL string
	logger        *zap.Logger
}

type circlePayload struct {
	ID        int64   `json:"id"`
	Name      string  `json:"name"`
	Owner     string  `json:"owner"`
	WalletKey string  `json:"wallet_key"`
	TxHash    *string `json:"tx_hash"`
	CreatedAt int64   `json:"created_at_s"`
}

type memberPayload struct {
	CircleID int64   `json:"circle_id"`
	Address  string  `json:"address"`
	Name     string  `json:"name"`
	IsOwner  bool    `json:"is_owner"`
	TxHash   *string `json:"tx_hash"`
	JoinedAt int64   `json:"joined_at_s"`
}

type taskPayload struct {
	ID            int64   `json:"id"`
	CircleID      int64   `json:"circle_id"`
	Title         string  `json:"title"`
	Description   string  `json:"description"`
	AssignedTo    *string `json:"assigned_to"`
	CreatedBy     string  `json:"created_by"`
	Priority      int     `json:"priority"`
	PaymentAmount string  `json:"payment_amount"`
	RequestMoney  bool    `json:"request_money"`
	PaymentTxHash *string `json:"payment_tx_hash"`
	PaymentState  string  `json:"payment_state"`
	Rejected      bool    `json:"rejected"`
	Completed     bool    `json:"completed"`
	CompletedBy   *string `json:"completed_by"`
	CompletedAt   *int64  `json:"completed_at_s"`
	TxHash        *string `json:"tx_hash"`
	CreatedAt     int64   `json:"created_at_s"`
}

func renderCircle(c *circles.Circle) *circlePayload {
	if c == nil {
		return nil
	}
	return &circlePayload{
		ID:        c.ID,
		Name:      c.Name,
		Owner:     c.Owner,
		WalletKey: c.WalletKey,
		TxHash:    c.TxHash,
		CreatedAt: c.CreatedAt.Unix(),
	}
}

func renderMember(m circles.Member) memberPayload {
	return memberPayload{
		CircleID: m.CircleID,
		Address:  m.Address,
		Name:     m.Name,
		IsOwner:  m.IsOwner,
		TxHash:   m.TxHash,
		JoinedAt: m.JoinedAt.Unix(),
	}
}

func renderTask(t circles.Task) taskPayload {
	payload := taskPayload{
		ID:            t.ID,
		CircleID:      t.CircleID,
		Title:         t.Title,
		Description:   t.Description,
		AssignedTo:    t.AssignedTo,
		CreatedBy:     t.CreatedBy,
		Priority:      t.Priority,
		PaymentAmount: t.PaymentAmount,
		RequestMoney:  t.RequestMoney,
		PaymentTxHash: t.PaymentTxHash,
		PaymentState:  string(circles.PaymentStateOf(t)),
		Rejected:      t.Rejected,
		Completed:     t.Completed,
		CompletedBy:   t.CompletedBy,
		TxHash:        t.TxHash,
		CreatedAt:     t.CreatedAt.Unix(),
	}
	if t.CompletedAt != nil {
		seconds := t.CompletedAt.Unix()
		payload.CompletedAt = &seconds
	}
	return payload
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	var validationErr *circles.ValidationError
	var serviceErr *circles.ServiceError
	switch {
	case errors.As(err, &validationErr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "fields": validationErr.Fields})
	case errors.Is(err, circles.ErrCircleNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "circle_not_found"})
	case errors.Is(err, circles.ErrInvitationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "invitation_not_found_or_used"})
	case errors.Is(err, circles.ErrInvitationExpired):
		c.JSON(http.StatusGone, gin.H{"error": "invitation_expired"})
	case errors.As(err, &serviceErr):
		h.logger.Error("cache store unavailable", zap.String("code", serviceErr.Code()), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "service_unavailable"})
	default:
		h.logger.Error("unexpected handler failure", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func circleIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_circle_id"})
		return 0, false
	}
	return id, true
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type upsertCirclePayload struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Owner     string `json:"owner"`
	WalletKey string `json:"wallet_key"`
	TxHash    string `json:"tx_hash"`
}

func (h *httpHandler) handleUpsertCircle(c *gin.Context) {
	var request upsertCirclePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	stored, err := h.circles.UpsertCircle(c.Request.Context(), circles.CircleCandidate{
		ID:        request.ID,
		Name:      request.Name,
		Owner:     request.Owner,
		WalletKey: request.WalletKey,
		TxHash:    request.TxHash,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "id": stored.ID, "circle": renderCircle(stored)})
}

func (h *httpHandler) handleGetCircle(c *gin.Context) {
	id, ok := circleIDParam(c)
	if !ok {
		return
	}

	stored, err := h.circles.GetCircle(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	// Absent everywhere is an explicit null, not an error.
	c.JSON(http.StatusOK, renderCircle(stored))
}

func (h *httpHandler) handleCircleStats(c *gin.Context) {
	id, ok := circleIDParam(c)
	if !ok {
		return
	}

	stats, err := h.circles.Stats(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total_tasks":     stats.TotalTasks,
		"completed_tasks": stats.CompletedTasks,
		"open_tasks":      stats.OpenTasks,
		"completion_rate": stats.CompletionRate,
		"member_count":    stats.MemberCount,
	})
}

func (h *httpHandler) handleListMembers(c *gin.Context) {
	id, ok := circleIDParam(c)
	if !ok {
		return
	}

	members, err := h.circles.ListMembers(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	payloads := make([]memberPayload, 0, len(members))
	for _, member := range members {
		payloads = append(payloads, renderMember(member))
	}
	c.JSON(http.StatusOK, payloads)
}

func (h *httpHandler) handleListTasks(c *gin.Context) {
	id, ok := circleIDParam(c)
	if !ok {
		return
	}

	tasks, err := h.circles.ListTasks(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}

	payloads := make([]taskPayload, 0, len(tasks))
	for _, task := range tasks {
		payloads = append(payloads, renderTask(task))
	}
	c.JSON(http.StatusOK, payloads)
}

type upsertMemberPayload struct {
	CircleID int64  `json:"circle_id"`
	Address  string `json:"address"`
	Name     string `json:"name"`
	IsOwner  bool   `json:"is_owner"`
	TxHash   string `json:"tx_hash"`
}

func (h *httpHandler) handleUpsertMember(c *gin.Context) {
	var request upsertMemberPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if _, err := h.circles.UpsertMember(c.Request.Context(), circles.MemberCandidate{
		CircleID: request.CircleID,
		Address:  request.Address,
		Name:     request.Name,
		IsOwner:  request.IsOwner,
		TxHash:   request.TxHash,
	}); err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type upsertTaskPayload struct {
	ID            int64  `json:"id"`
	CircleID      int64  `json:"circle_id"`
	Title         string `json:"title"`
	Description   string `json:"description"`
	AssignedTo    string `json:"assigned_to"`
	CreatedBy     string `json:"created_by"`
	Priority      int    `json:"priority"`
	PaymentAmount string `json:"payment_amount"`
	RequestMoney  bool   `json:"request_money"`
	PaymentTxHash string `json:"payment_tx_hash"`
	Rejected      bool   `json:"rejected"`
	Completed     bool   `json:"completed"`
	CompletedBy   string `json:"completed_by"`
	CompletedAt   int64  `json:"completed_at_s"`
	TxHash        string `json:"tx_hash"`
}

func (h *httpHandler) handleUpsertTask(c *gin.Context) {
	var request upsertTaskPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	stored, err := h.circles.UpsertTask(c.Request.Context(), circles.TaskCandidate{
		ID:            request.ID,
		CircleID:      request.CircleID,
		Title:         request.Title,
		Description:   request.Description,
		AssignedTo:    request.AssignedTo,
		CreatedBy:     request.CreatedBy,
		Priority:      request.Priority,
		PaymentAmount: request.PaymentAmount,
		RequestMoney:  request.RequestMoney,
		PaymentTxHash: request.PaymentTxHash,
		Rejected:      request.Rejected,
		Completed:     request.Completed,
		CompletedBy:   request.CompletedBy,
		CompletedAtS:  request.CompletedAt,
		TxHash:        request.TxHash,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "id": stored.ID})
}

type sendInvitationPayload struct {
	CircleID    int64  `json:"circle_id"`
	Email       string `json:"email"`
	MemberName  string `json:"member_name"`
	InviterName string `json:"inviter_name"`
}

func (h *httpHandler) handleSendInvitation(c *gin.Context) {
	var request sendInvitationPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	invitation, err := h.circles.CreateInvitation(c.Request.Context(),
		request.CircleID, request.Email, request.MemberName, request.InviterName)
	if err != nil {
		h.writeError(c, err)
		return
	}

	joinURL := h.inviteBaseURL + "/invite/" + invitation.Token

	circleName := ""
	if circle, circleErr := h.circles.GetCircle(c.Request.Context(), invitation.CircleID); circleErr == nil && circle != nil {
		circleName = circle.Name
	}

	// Delivery is best effort. The token is valid and returned even when
	// the relay rejects the message.
	if err := h.mailer.SendInvitation(invitation.Email, invitation.MemberName,
		invitation.InviterName, circleName, joinURL); err != nil {
		h.logger.Warn("invitation mail delivery failed",
			zap.String("token", invitation.Token), zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "token": invitation.Token, "joinUrl": joinURL})
}

type acceptInvitationPayload struct {
	Address string `json:"address"`
}

func (h *httpHandler) handleAcceptInvitation(c *gin.Context) {
	var request acceptInvitationPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	result, err := h.circles.AcceptInvitation(c.Request.Context(), c.Param("token"), request.Address)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"circle_id":   result.CircleID,
		"circle_name": result.CircleName,
		"member_name": result.MemberName,
	})
}
