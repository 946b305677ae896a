package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/akovalyov/volunteerhub-system/internal/model"
	"github.com/akovalyov/volunteerhub-system/internal/repository"
)

func TestHashPasswordDeterministic(t *testing.T) {
	a := hashPassword("user", "pass")
	b := hashPassword("user", "pass")
	c := hashPassword("user", "other")

	if string(a) != string(b) {
		t.Fatalf("hashPassword must be deterministic, got %x and %x", a, b)
	}
	if string(a) == string(c) {
		t.Fatalf("different passwords must produce different hashes")
	}
}

type stubRepo struct {
	Repository

	createUserID  int64
	createUserErr error

	getUser    *model.User
	getUserErr error

	opportunity    *model.Opportunity
	opportunityErr error

	application    *model.Application
	applicationErr error

	approveResult *model.Application
	approveErr    error

	createRewardID  int64
	createRewardErr error

	redemption    *model.Redemption
	redemptionErr error

	balanceCurrent int64
	balanceSpent   int64
	balanceErr     error
}

func (s *stubRepo) Close() error { return nil }

func (s *stubRepo) CreateUser(ctx context.Context, login string, passwordHash []byte, role model.Role) (int64, error) {
	return s.createUserID, s.createUserErr
}

func (s *stubRepo) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	return s.getUser, s.getUserErr
}

func (s *stubRepo) GetOpportunity(ctx context.Context, id int64) (*model.Opportunity, error) {
	return s.opportunity, s.opportunityErr
}

func (s *stubRepo) GetApplication(ctx context.Context, id int64) (*model.Application, error) {
	return s.application, s.applicationErr
}

func (s *stubRepo) ApproveApplication(ctx context.Context, id int64) (*model.Application, error) {
	return s.approveResult, s.approveErr
}

func (s *stubRepo) RejectApplication(ctx context.Context, id int64) (*model.Application, error) {
	return s.approveResult, s.approveErr
}

func (s *stubRepo) CompleteApplication(ctx context.Context, id int64) (*model.Application, error) {
	return s.approveResult, s.approveErr
}

func (s *stubRepo) CreateReward(ctx context.Context, rw *model.Reward) (int64, error) {
	return s.createRewardID, s.createRewardErr
}

func (s *stubRepo) CreateRedemption(ctx context.Context, volunteerID, rewardID int64) (*model.Redemption, error) {
	return s.redemption, s.redemptionErr
}

func (s *stubRepo) GetBalance(ctx context.Context, userID int64) (int64, int64, error) {
	return s.balanceCurrent, s.balanceSpent, s.balanceErr
}

func TestRegisterUser_RejectsAdminRole(t *testing.T) {
	svc := NewService(&stubRepo{createUserID: 1})

	// Администраторов нельзя завести через публичную регистрацию.
	_, err := svc.RegisterUser(context.Background(), "login", "pass", model.RoleAdmin)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestRegisterUser_PropagatesDuplicateError(t *testing.T) {
	repo := &stubRepo{
		createUserErr: repository.ErrUserExists,
	}
	svc := NewService(repo)

	_, err := svc.RegisterUser(context.Background(), "login", "pass", model.RoleVolunteer)
	if !errors.Is(err, repository.ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
}

func TestAuthenticateUser_InvalidCredentials(t *testing.T) {
	hashed := hashPassword("user", "correct")
	repo := &stubRepo{
		getUser: &model.User{
			ID:           1,
			Login:        "user",
			PasswordHash: hashed,
			Role:         model.RoleVolunteer,
		},
	}

	svc := NewService(repo)

	_, err := svc.AuthenticateUser(context.Background(), "user", "wrong")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestCreateOpportunity_RequiresPromoterRole(t *testing.T) {
	svc := NewService(&stubRepo{})

	p := model.Principal{UserID: 1, Role: model.RoleVolunteer}
	_, err := svc.CreateOpportunity(context.Background(), p, &model.Opportunity{
		Title:         "cleanup",
		MaxVolunteers: 5,
		StartDate:     time.Now(),
		EndDate:       time.Now().Add(time.Hour),
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestCreateOpportunity_RejectsInvertedDates(t *testing.T) {
	svc := NewService(&stubRepo{})

	p := model.Principal{UserID: 1, Role: model.RolePromoter}
	start := time.Now()
	_, err := svc.CreateOpportunity(context.Background(), p, &model.Opportunity{
		Title:         "cleanup",
		MaxVolunteers: 5,
		StartDate:     start,
		EndDate:       start.Add(-time.Hour),
	})
	if !errors.Is(err, ErrInvalidDates) {
		t.Fatalf("expected ErrInvalidDates, got %v", err)
	}
}

func TestApprove_ForbiddenForForeignPromoter(t *testing.T) {
	repo := &stubRepo{
		application: &model.Application{ID: 7, OpportunityID: 3, Status: model.ApplicationStatusPending},
		opportunity: &model.Opportunity{ID: 3, PromoterID: 100},
	}
	svc := NewService(repo)

	p := model.Principal{UserID: 200, Role: model.RolePromoter}
	_, err := svc.Approve(context.Background(), p, 7)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestApprove_AdminMayReviewAnyOpportunity(t *testing.T) {
	repo := &stubRepo{
		application:   &model.Application{ID: 7, OpportunityID: 3, Status: model.ApplicationStatusPending},
		opportunity:   &model.Opportunity{ID: 3, PromoterID: 100},
		approveResult: &model.Application{ID: 7, Status: model.ApplicationStatusApproved},
	}
	svc := NewService(repo)

	p := model.Principal{UserID: 1, Role: model.RoleAdmin}
	a, err := svc.Approve(context.Background(), p, 7)
	if err != nil {
		t.Fatalf("Approve error: %v", err)
	}
	if a.Status != model.ApplicationStatusApproved {
		t.Fatalf("status = %s, want APPROVED", a.Status)
	}
}

func TestApprove_PropagatesCapacityError(t *testing.T) {
	repo := &stubRepo{
		application: &model.Application{ID: 7, OpportunityID: 3, Status: model.ApplicationStatusPending},
		opportunity: &model.Opportunity{ID: 3, PromoterID: 100},
		approveErr:  repository.ErrNoSpotsAvailable,
	}
	svc := NewService(repo)

	p := model.Principal{UserID: 100, Role: model.RolePromoter}
	_, err := svc.Approve(context.Background(), p, 7)
	if !errors.Is(err, repository.ErrNoSpotsAvailable) {
		t.Fatalf("expected ErrNoSpotsAvailable, got %v", err)
	}
}

func TestApply_RequiresVolunteerRole(t *testing.T) {
	svc := NewService(&stubRepo{})

	p := model.Principal{UserID: 1, Role: model.RolePromoter}
	_, err := svc.Apply(context.Background(), p, 3, "")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestRedeem_RequiresVolunteerRole(t *testing.T) {
	svc := NewService(&stubRepo{})

	p := model.Principal{UserID: 1, Role: model.RoleAdmin}
	_, err := svc.Redeem(context.Background(), p, 5)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestCreateReward_AdminOnly(t *testing.T) {
	svc := NewService(&stubRepo{createRewardID: 9})

	p := model.Principal{UserID: 1, Role: model.RolePromoter}
	_, err := svc.CreateReward(context.Background(), p, &model.Reward{Title: "mug", PointsCost: 10})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestCreateReward_InitializesRemainingQuantity(t *testing.T) {
	svc := NewService(&stubRepo{createRewardID: 9})

	quantity := 5
	p := model.Principal{UserID: 1, Role: model.RoleAdmin}
	rw, err := svc.CreateReward(context.Background(), p, &model.Reward{
		Title:      "mug",
		PointsCost: 10,
		Quantity:   &quantity,
	})
	if err != nil {
		t.Fatalf("CreateReward error: %v", err)
	}
	if rw.RemainingQuantity == nil || *rw.RemainingQuantity != quantity {
		t.Fatalf("remaining quantity = %v, want %d", rw.RemainingQuantity, quantity)
	}
}

func TestGetBalance(t *testing.T) {
	repo := &stubRepo{
		balanceCurrent: 150,
		balanceSpent:   50,
	}
	svc := NewService(repo)

	balance, err := svc.GetBalance(context.Background(), model.Principal{UserID: 1, Role: model.RoleVolunteer})
	if err != nil {
		t.Fatalf("GetBalance error: %v", err)
	}
	if balance.Current != 150 {
		t.Fatalf("Current = %d, want 150", balance.Current)
	}
	if balance.Spent != 50 {
		t.Fatalf("Spent = %d, want 50", balance.Spent)
	}
}
