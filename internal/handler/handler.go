// Package handler содержит HTTP-обработчики API волонтёрской платформы.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/akovalyov/volunteerhub-system/internal/middleware"
	"github.com/akovalyov/volunteerhub-system/internal/model"
	"github.com/akovalyov/volunteerhub-system/internal/repository"
	"github.com/akovalyov/volunteerhub-system/internal/service"
	"github.com/akovalyov/volunteerhub-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, login, password string, role model.Role) (int64, error)
	AuthenticateUser(ctx context.Context, login, password string) (*model.User, error)

	CreateOpportunity(ctx context.Context, p model.Principal, o *model.Opportunity) (*model.Opportunity, error)
	GetOpportunity(ctx context.Context, id int64) (*model.Opportunity, error)
	ListOpportunities(ctx context.Context) ([]model.Opportunity, error)
	PublishOpportunity(ctx context.Context, p model.Principal, id int64) (*model.Opportunity, error)
	CancelOpportunity(ctx context.Context, p model.Principal, id int64) (*model.Opportunity, error)

	Apply(ctx context.Context, p model.Principal, opportunityID int64, message string) (*model.Application, error)
	ApplicationsByVolunteer(ctx context.Context, p model.Principal) ([]model.Application, error)
	Approve(ctx context.Context, p model.Principal, applicationID int64) (*model.Application, error)
	Reject(ctx context.Context, p model.Principal, applicationID int64) (*model.Application, error)
	Complete(ctx context.Context, p model.Principal, applicationID int64) (*model.Application, error)
	CancelApplication(ctx context.Context, p model.Principal, applicationID int64) (*model.Application, error)
	ApprovedCount(ctx context.Context, opportunityID int64) (int, error)

	CreateReward(ctx context.Context, p model.Principal, rw *model.Reward) (*model.Reward, error)
	ListRewards(ctx context.Context) ([]model.Reward, error)
	Redeem(ctx context.Context, p model.Principal, rewardID int64) (*model.Redemption, error)
	RedemptionsByVolunteer(ctx context.Context, p model.Principal) ([]model.Redemption, error)
	UseRedemption(ctx context.Context, p model.Principal, code string) (*model.Redemption, error)
	GetBalance(ctx context.Context, p model.Principal) (*model.Balance, error)
}

// Handler реализует HTTP-обработчики API волонтёрской платформы.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	validate       *validator.Validate
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		validate:       validator.New(),
	}
}

// handleError переводит ошибки ядра в HTTP-статусы. Конфликтные ошибки
// безопасно отдаются вызывающему: отказ означает, что состояние не изменилось.
func (h *Handler) handleError(w http.ResponseWriter, err error, msg string, fields ...zap.Field) {
	switch {
	case errors.Is(err, service.ErrInvalidCredentials):
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	case errors.Is(err, service.ErrForbidden):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, repository.ErrUserNotFound),
		errors.Is(err, repository.ErrOpportunityNotFound),
		errors.Is(err, repository.ErrApplicationNotFound),
		errors.Is(err, repository.ErrRewardNotFound),
		errors.Is(err, repository.ErrRedemptionNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, repository.ErrUserExists),
		errors.Is(err, repository.ErrAlreadyApplied),
		errors.Is(err, repository.ErrNoSpotsAvailable),
		errors.Is(err, repository.ErrInsufficientPoints),
		errors.Is(err, repository.ErrRewardUnavailable),
		errors.Is(err, repository.ErrAlreadyCompleted),
		errors.Is(err, repository.ErrCodeAlreadyUsed),
		errors.Is(err, repository.ErrOpportunityNotOpen),
		errors.Is(err, repository.ErrOpportunityFinished):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, repository.ErrNotPending),
		errors.Is(err, repository.ErrNotApproved),
		errors.Is(err, repository.ErrOpportunityNotEnded),
		errors.Is(err, repository.ErrNotDraft),
		errors.Is(err, service.ErrInvalidDates):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.logger.Error(msg, append(fields, zap.Error(err))...)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

func principal(w http.ResponseWriter, r *http.Request) (model.Principal, bool) {
	p, ok := middleware.GetPrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}
	return p, ok
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

type credentialsRequest struct {
	Login    string `json:"login" validate:"required"`
	Password string `json:"password" validate:"required"`
	Role     string `json:"role" validate:"omitempty,oneof=volunteer promoter"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	role := model.Role(req.Role)
	if role == "" {
		role = model.RoleVolunteer
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Login, req.Password, role)
	if err != nil {
		h.handleError(w, err, "register user error")
		return
	}

	if err := h.authMiddleware.SetAuthCookie(w, userID, role); err != nil {
		h.logger.Error("set auth cookie", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	u, err := h.service.AuthenticateUser(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if err := h.authMiddleware.SetAuthCookie(w, u.ID, u.Role); err != nil {
		h.logger.Error("set auth cookie", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type opportunityRequest struct {
	Title         string    `json:"title" validate:"required"`
	Description   string    `json:"description"`
	MaxVolunteers int       `json:"max_volunteers" validate:"required,min=1"`
	PointsReward  int64     `json:"points_reward" validate:"min=0"`
	StartDate     time.Time `json:"start_date" validate:"required"`
	EndDate       time.Time `json:"end_date" validate:"required"`
}

type opportunityResponse struct {
	ID            int64  `json:"id"`
	PromoterID    int64  `json:"promoter_id"`
	Title         string `json:"title"`
	Description   string `json:"description,omitempty"`
	MaxVolunteers int    `json:"max_volunteers"`
	PointsReward  int64  `json:"points_reward"`
	StartDate     string `json:"start_date"`
	EndDate       string `json:"end_date"`
	Status        string `json:"status"`
}

func toOpportunityResponse(o *model.Opportunity) opportunityResponse {
	return opportunityResponse{
		ID:            o.ID,
		PromoterID:    o.PromoterID,
		Title:         o.Title,
		Description:   o.Description,
		MaxVolunteers: o.MaxVolunteers,
		PointsReward:  o.PointsReward,
		StartDate:     o.StartDate.Format(time.RFC3339),
		EndDate:       o.EndDate.Format(time.RFC3339),
		Status:        string(o.Status),
	}
}

// CreateOpportunity создаёт черновик возможности.
func (h *Handler) CreateOpportunity(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var req opportunityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	o, err := h.service.CreateOpportunity(r.Context(), p, &model.Opportunity{
		Title:         req.Title,
		Description:   req.Description,
		MaxVolunteers: req.MaxVolunteers,
		PointsReward:  req.PointsReward,
		StartDate:     req.StartDate,
		EndDate:       req.EndDate,
	})
	if err != nil {
		h.handleError(w, err, "create opportunity error", zap.Int64("userID", p.UserID))
		return
	}

	h.writeJSON(w, http.StatusCreated, toOpportunityResponse(o))
}

// ListOpportunities возвращает список возможностей.
func (h *Handler) ListOpportunities(w http.ResponseWriter, r *http.Request) {
	opportunities, err := h.service.ListOpportunities(r.Context())
	if err != nil {
		h.handleError(w, err, "list opportunities error")
		return
	}

	resp := make([]opportunityResponse, 0, len(opportunities))
	for i := range opportunities {
		resp = append(resp, toOpportunityResponse(&opportunities[i]))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// GetOpportunity возвращает возможность по идентификатору.
func (h *Handler) GetOpportunity(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	o, err := h.service.GetOpportunity(r.Context(), id)
	if err != nil {
		h.handleError(w, err, "get opportunity error", zap.Int64("opportunityID", id))
		return
	}

	h.writeJSON(w, http.StatusOK, toOpportunityResponse(o))
}

// PublishOpportunity публикует черновик возможности.
func (h *Handler) PublishOpportunity(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	o, err := h.service.PublishOpportunity(r.Context(), p, id)
	if err != nil {
		h.handleError(w, err, "publish opportunity error", zap.Int64("opportunityID", id))
		return
	}

	h.writeJSON(w, http.StatusOK, toOpportunityResponse(o))
}

// CancelOpportunity отменяет возможность.
func (h *Handler) CancelOpportunity(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	o, err := h.service.CancelOpportunity(r.Context(), p, id)
	if err != nil {
		h.handleError(w, err, "cancel opportunity error", zap.Int64("opportunityID", id))
		return
	}

	h.writeJSON(w, http.StatusOK, toOpportunityResponse(o))
}

// ApprovedCount возвращает занятость возможности. Доступен без аутентификации.
func (h *Handler) ApprovedCount(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	count, err := h.service.ApprovedCount(r.Context(), id)
	if err != nil {
		h.handleError(w, err, "approved count error", zap.Int64("opportunityID", id))
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int{"approved": count})
}

type applyRequest struct {
	Message string `json:"message"`
}

type applicationResponse struct {
	ID            int64  `json:"id"`
	OpportunityID int64  `json:"opportunity_id"`
	VolunteerID   int64  `json:"volunteer_id"`
	Status        string `json:"status"`
	Message       string `json:"message,omitempty"`
	AppliedAt     string `json:"applied_at"`
	ReviewedAt    string `json:"reviewed_at,omitempty"`
	CompletedAt   string `json:"completed_at,omitempty"`
}

func toApplicationResponse(a *model.Application) applicationResponse {
	resp := applicationResponse{
		ID:            a.ID,
		OpportunityID: a.OpportunityID,
		VolunteerID:   a.VolunteerID,
		Status:        string(a.Status),
		Message:       a.Message,
		AppliedAt:     a.AppliedAt.Format(time.RFC3339),
	}
	if a.ReviewedAt != nil {
		resp.ReviewedAt = a.ReviewedAt.Format(time.RFC3339)
	}
	if a.CompletedAt != nil {
		resp.CompletedAt = a.CompletedAt.Format(time.RFC3339)
	}
	return resp
}

// Apply подаёт заявку текущего волонтёра на участие в возможности.
func (h *Handler) Apply(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req applyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	a, err := h.service.Apply(r.Context(), p, id, req.Message)
	if err != nil {
		h.handleError(w, err, "apply error", zap.Int64("opportunityID", id), zap.Int64("userID", p.UserID))
		return
	}

	h.writeJSON(w, http.StatusAccepted, toApplicationResponse(a))
}

// MyApplications возвращает заявки текущего волонтёра.
func (h *Handler) MyApplications(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	applications, err := h.service.ApplicationsByVolunteer(r.Context(), p)
	if err != nil {
		h.handleError(w, err, "get applications error", zap.Int64("userID", p.UserID))
		return
	}

	if len(applications) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]applicationResponse, 0, len(applications))
	for i := range applications {
		resp = append(resp, toApplicationResponse(&applications[i]))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) reviewApplication(w http.ResponseWriter, r *http.Request, op string,
	fn func(ctx context.Context, p model.Principal, id int64) (*model.Application, error),
) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	a, err := fn(r.Context(), p, id)
	if err != nil {
		h.handleError(w, err, op+" error", zap.Int64("applicationID", id), zap.Int64("userID", p.UserID))
		return
	}

	h.writeJSON(w, http.StatusOK, toApplicationResponse(a))
}

// ApproveApplication одобряет заявку.
func (h *Handler) ApproveApplication(w http.ResponseWriter, r *http.Request) {
	h.reviewApplication(w, r, "approve application", h.service.Approve)
}

// RejectApplication отклоняет заявку.
func (h *Handler) RejectApplication(w http.ResponseWriter, r *http.Request) {
	h.reviewApplication(w, r, "reject application", h.service.Reject)
}

// CompleteApplication завершает участие и начисляет баллы.
func (h *Handler) CompleteApplication(w http.ResponseWriter, r *http.Request) {
	h.reviewApplication(w, r, "complete application", h.service.Complete)
}

// CancelApplication отменяет собственную заявку текущего волонтёра.
func (h *Handler) CancelApplication(w http.ResponseWriter, r *http.Request) {
	h.reviewApplication(w, r, "cancel application", h.service.CancelApplication)
}

type rewardRequest struct {
	Title          string     `json:"title" validate:"required"`
	Description    string     `json:"description"`
	PointsCost     int64      `json:"points_cost" validate:"required,gt=0"`
	Quantity       *int       `json:"quantity" validate:"omitempty,gte=0"`
	AvailableFrom  *time.Time `json:"available_from"`
	AvailableUntil *time.Time `json:"available_until"`
}

type rewardResponse struct {
	ID                int64  `json:"id"`
	Title             string `json:"title"`
	Description       string `json:"description,omitempty"`
	PointsCost        int64  `json:"points_cost"`
	Quantity          *int   `json:"quantity,omitempty"`
	RemainingQuantity *int   `json:"remaining_quantity,omitempty"`
	Active            bool   `json:"active"`
}

func toRewardResponse(rw *model.Reward) rewardResponse {
	return rewardResponse{
		ID:                rw.ID,
		Title:             rw.Title,
		Description:       rw.Description,
		PointsCost:        rw.PointsCost,
		Quantity:          rw.Quantity,
		RemainingQuantity: rw.RemainingQuantity,
		Active:            rw.Active,
	}
}

// CreateReward создаёт вознаграждение.
func (h *Handler) CreateReward(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var req rewardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.validate.Struct(req); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	rw, err := h.service.CreateReward(r.Context(), p, &model.Reward{
		Title:          req.Title,
		Description:    req.Description,
		PointsCost:     req.PointsCost,
		Quantity:       req.Quantity,
		Active:         true,
		AvailableFrom:  req.AvailableFrom,
		AvailableUntil: req.AvailableUntil,
	})
	if err != nil {
		h.handleError(w, err, "create reward error", zap.Int64("userID", p.UserID))
		return
	}

	h.writeJSON(w, http.StatusCreated, toRewardResponse(rw))
}

// ListRewards возвращает активные вознаграждения.
func (h *Handler) ListRewards(w http.ResponseWriter, r *http.Request) {
	rewards, err := h.service.ListRewards(r.Context())
	if err != nil {
		h.handleError(w, err, "list rewards error")
		return
	}

	resp := make([]rewardResponse, 0, len(rewards))
	for i := range rewards {
		resp = append(resp, toRewardResponse(&rewards[i]))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

type redemptionResponse struct {
	ID          int64  `json:"id"`
	RewardID    int64  `json:"reward_id"`
	Code        string `json:"code"`
	PointsSpent int64  `json:"points_spent"`
	RedeemedAt  string `json:"redeemed_at"`
	UsedAt      string `json:"used_at,omitempty"`
}

func toRedemptionResponse(red *model.Redemption) redemptionResponse {
	resp := redemptionResponse{
		ID:          red.ID,
		RewardID:    red.RewardID,
		Code:        red.Code,
		PointsSpent: red.PointsSpent,
		RedeemedAt:  red.RedeemedAt.Format(time.RFC3339),
	}
	if red.UsedAt != nil {
		resp.UsedAt = red.UsedAt.Format(time.RFC3339)
	}
	return resp
}

// Redeem обменивает баллы текущего волонтёра на вознаграждение.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	red, err := h.service.Redeem(r.Context(), p, id)
	if err != nil {
		h.handleError(w, err, "redeem error", zap.Int64("rewardID", id), zap.Int64("userID", p.UserID))
		return
	}

	h.writeJSON(w, http.StatusOK, toRedemptionResponse(red))
}

// MyRedemptions возвращает историю обменов текущего волонтёра.
func (h *Handler) MyRedemptions(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	redemptions, err := h.service.RedemptionsByVolunteer(r.Context(), p)
	if err != nil {
		h.handleError(w, err, "get redemptions error", zap.Int64("userID", p.UserID))
		return
	}

	if len(redemptions) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]redemptionResponse, 0, len(redemptions))
	for i := range redemptions {
		resp = append(resp, toRedemptionResponse(&redemptions[i]))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

type useRedemptionRequest struct {
	Code string `json:"code" validate:"required"`
}

// UseRedemption отмечает код обмена использованным при выдаче вознаграждения.
func (h *Handler) UseRedemption(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var req useRedemptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	code := validation.NormalizeCode(req.Code)
	if !validation.IsValidCode(code) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	red, err := h.service.UseRedemption(r.Context(), p, code)
	if err != nil {
		h.handleError(w, err, "use redemption error", zap.Int64("userID", p.UserID))
		return
	}

	h.writeJSON(w, http.StatusOK, toRedemptionResponse(red))
}

// GetBalance возвращает баланс текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	balance, err := h.service.GetBalance(r.Context(), p)
	if err != nil {
		h.handleError(w, err, "get balance error", zap.Int64("userID", p.UserID))
		return
	}

	h.writeJSON(w, http.StatusOK, balance)
}
