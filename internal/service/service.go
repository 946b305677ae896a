// Package service реализует бизнес-логику волонтёрской платформы.
package service

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"

	"github.com/akovalyov/volunteerhub-system/internal/model"
	"github.com/akovalyov/volunteerhub-system/internal/repository"
)

// ErrForbidden возвращается, когда у участника нет прав на операцию.
var (
	ErrForbidden = errors.New("operation not allowed for this user")
	// ErrInvalidCredentials возвращается при неверном логине или пароле.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidDates возвращается, если дата окончания не позже даты начала.
	ErrInvalidDates = errors.New("end date must be after start date")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
// Операции с разделяемыми счётчиками (занятость мест, остаток вознаграждений,
// баланс баллов) реализация обязана выполнять как атомарные
// проверить-и-изменить.
type Repository interface {
	Close() error

	CreateUser(ctx context.Context, login string, passwordHash []byte, role model.Role) (int64, error)
	GetUserByLogin(ctx context.Context, login string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)

	CreateOpportunity(ctx context.Context, o *model.Opportunity) (int64, error)
	GetOpportunity(ctx context.Context, id int64) (*model.Opportunity, error)
	ListOpportunities(ctx context.Context) ([]model.Opportunity, error)
	PublishOpportunity(ctx context.Context, id int64) (*model.Opportunity, error)
	CancelOpportunity(ctx context.Context, id int64) (*model.Opportunity, error)

	CreateApplication(ctx context.Context, opportunityID, volunteerID int64, message string) (*model.Application, error)
	GetApplication(ctx context.Context, id int64) (*model.Application, error)
	GetApplicationsByVolunteer(ctx context.Context, volunteerID int64) ([]model.Application, error)
	ApproveApplication(ctx context.Context, id int64) (*model.Application, error)
	RejectApplication(ctx context.Context, id int64) (*model.Application, error)
	CancelApplication(ctx context.Context, id, volunteerID int64) (*model.Application, error)
	CompleteApplication(ctx context.Context, id int64) (*model.Application, error)
	ApprovedCount(ctx context.Context, opportunityID int64) (int, error)

	CreateReward(ctx context.Context, rw *model.Reward) (int64, error)
	ListRewards(ctx context.Context) ([]model.Reward, error)
	CreateRedemption(ctx context.Context, volunteerID, rewardID int64) (*model.Redemption, error)
	GetRedemptionsByVolunteer(ctx context.Context, volunteerID int64) ([]model.Redemption, error)
	UseRedemption(ctx context.Context, code string) (*model.Redemption, error)
	GetBalance(ctx context.Context, userID int64) (int64, int64, error)
}

// Service содержит бизнес-логику волонтёрской платформы.
type Service struct {
	repo Repository
}

// NewService создаёт новый сервис с указанным репозиторием.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует нового пользователя с указанной ролью.
func (s *Service) RegisterUser(ctx context.Context, login, password string, role model.Role) (int64, error) {
	if role != model.RoleVolunteer && role != model.RolePromoter {
		return 0, ErrForbidden
	}

	hashed := hashPassword(login, password)
	return s.repo.CreateUser(ctx, login, hashed, role)
}

// AuthenticateUser проверяет логин и пароль пользователя.
func (s *Service) AuthenticateUser(ctx context.Context, login, password string) (*model.User, error) {
	u, err := s.repo.GetUserByLogin(ctx, login)
	if err != nil {
		return nil, err
	}

	hashed := hashPassword(login, password)
	if subtle.ConstantTimeCompare(hashed, u.PasswordHash) != 1 {
		return nil, ErrInvalidCredentials
	}

	return u, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

// CreateOpportunity создаёт черновик возможности от имени организатора.
func (s *Service) CreateOpportunity(ctx context.Context, p model.Principal, o *model.Opportunity) (*model.Opportunity, error) {
	if p.Role != model.RolePromoter && p.Role != model.RoleAdmin {
		return nil, ErrForbidden
	}
	if !o.EndDate.After(o.StartDate) {
		return nil, ErrInvalidDates
	}

	o.PromoterID = p.UserID
	id, err := s.repo.CreateOpportunity(ctx, o)
	if err != nil {
		return nil, err
	}

	return s.repo.GetOpportunity(ctx, id)
}

// GetOpportunity возвращает возможность по идентификатору.
func (s *Service) GetOpportunity(ctx context.Context, id int64) (*model.Opportunity, error) {
	return s.repo.GetOpportunity(ctx, id)
}

// ListOpportunities возвращает список возможностей.
func (s *Service) ListOpportunities(ctx context.Context) ([]model.Opportunity, error) {
	return s.repo.ListOpportunities(ctx)
}

// PublishOpportunity публикует черновик возможности её владельца.
func (s *Service) PublishOpportunity(ctx context.Context, p model.Principal, id int64) (*model.Opportunity, error) {
	o, err := s.repo.GetOpportunity(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.CanReview(o) {
		return nil, ErrForbidden
	}

	return s.repo.PublishOpportunity(ctx, id)
}

// CancelOpportunity отменяет возможность её владельца.
func (s *Service) CancelOpportunity(ctx context.Context, p model.Principal, id int64) (*model.Opportunity, error) {
	o, err := s.repo.GetOpportunity(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.CanReview(o) {
		return nil, ErrForbidden
	}

	return s.repo.CancelOpportunity(ctx, id)
}

// Apply подаёт заявку волонтёра на участие в возможности.
func (s *Service) Apply(ctx context.Context, p model.Principal, opportunityID int64, message string) (*model.Application, error) {
	if p.Role != model.RoleVolunteer {
		return nil, ErrForbidden
	}

	return s.repo.CreateApplication(ctx, opportunityID, p.UserID, message)
}

// reviewTarget проверяет, что участник вправе рассматривать заявку.
func (s *Service) reviewTarget(ctx context.Context, p model.Principal, applicationID int64) error {
	a, err := s.repo.GetApplication(ctx, applicationID)
	if err != nil {
		return err
	}

	o, err := s.repo.GetOpportunity(ctx, a.OpportunityID)
	if err != nil {
		return err
	}

	if !p.CanReview(o) {
		return ErrForbidden
	}
	return nil
}

// Approve одобряет заявку, занимая одно из мест возможности.
func (s *Service) Approve(ctx context.Context, p model.Principal, applicationID int64) (*model.Application, error) {
	if err := s.reviewTarget(ctx, p, applicationID); err != nil {
		return nil, err
	}

	return s.repo.ApproveApplication(ctx, applicationID)
}

// Reject отклоняет заявку. Отклонение не освобождает мест: отклонённые
// заявки никогда их не занимали.
func (s *Service) Reject(ctx context.Context, p model.Principal, applicationID int64) (*model.Application, error) {
	if err := s.reviewTarget(ctx, p, applicationID); err != nil {
		return nil, err
	}

	return s.repo.RejectApplication(ctx, applicationID)
}

// Complete отмечает участие завершённым и начисляет баллы ровно один раз.
func (s *Service) Complete(ctx context.Context, p model.Principal, applicationID int64) (*model.Application, error) {
	if err := s.reviewTarget(ctx, p, applicationID); err != nil {
		return nil, err
	}

	return s.repo.CompleteApplication(ctx, applicationID)
}

// CancelApplication отменяет собственную нерассмотренную заявку волонтёра.
func (s *Service) CancelApplication(ctx context.Context, p model.Principal, applicationID int64) (*model.Application, error) {
	return s.repo.CancelApplication(ctx, applicationID, p.UserID)
}

// ApplicationsByVolunteer возвращает заявки текущего волонтёра.
func (s *Service) ApplicationsByVolunteer(ctx context.Context, p model.Principal) ([]model.Application, error) {
	return s.repo.GetApplicationsByVolunteer(ctx, p.UserID)
}

// ApprovedCount возвращает занятость возможности. Счётчик публичный и
// может отставать от реального состояния; для принятия решений не используется.
func (s *Service) ApprovedCount(ctx context.Context, opportunityID int64) (int, error) {
	return s.repo.ApprovedCount(ctx, opportunityID)
}

// CreateReward создаёт вознаграждение. Доступно только администратору.
func (s *Service) CreateReward(ctx context.Context, p model.Principal, rw *model.Reward) (*model.Reward, error) {
	if p.Role != model.RoleAdmin {
		return nil, ErrForbidden
	}

	if rw.Quantity != nil && rw.RemainingQuantity == nil {
		q := *rw.Quantity
		rw.RemainingQuantity = &q
	}

	id, err := s.repo.CreateReward(ctx, rw)
	if err != nil {
		return nil, err
	}
	rw.ID = id
	return rw, nil
}

// ListRewards возвращает активные вознаграждения.
func (s *Service) ListRewards(ctx context.Context) ([]model.Reward, error) {
	return s.repo.ListRewards(ctx)
}

// Redeem обменивает баллы волонтёра на вознаграждение.
func (s *Service) Redeem(ctx context.Context, p model.Principal, rewardID int64) (*model.Redemption, error) {
	if p.Role != model.RoleVolunteer {
		return nil, ErrForbidden
	}

	return s.repo.CreateRedemption(ctx, p.UserID, rewardID)
}

// RedemptionsByVolunteer возвращает историю обменов текущего волонтёра.
func (s *Service) RedemptionsByVolunteer(ctx context.Context, p model.Principal) ([]model.Redemption, error) {
	return s.repo.GetRedemptionsByVolunteer(ctx, p.UserID)
}

// UseRedemption отмечает код обмена использованным. Доступно организатору
// или администратору при выдаче вознаграждения.
func (s *Service) UseRedemption(ctx context.Context, p model.Principal, code string) (*model.Redemption, error) {
	if p.Role != model.RolePromoter && p.Role != model.RoleAdmin {
		return nil, ErrForbidden
	}

	return s.repo.UseRedemption(ctx, code)
}

// GetBalance возвращает баланс текущего пользователя.
func (s *Service) GetBalance(ctx context.Context, p model.Principal) (*model.Balance, error) {
	current, spent, err := s.repo.GetBalance(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	return &model.Balance{Current: current, Spent: spent}, nil
}

var _ Repository = (*repository.PostgresRepository)(nil)
var _ Repository = (*repository.MemoryRepository)(nil)
