// Package model содержит доменные сущности волонтёрской платформы.
package model

import "time"

// Role определяет роль пользователя в системе.
type Role string

const (
	RoleVolunteer Role = "volunteer"
	RolePromoter  Role = "promoter"
	RoleAdmin     Role = "admin"
)

// User представляет зарегистрированного пользователя платформы.
// PointsBalance изменяется только начислением при завершении участия
// и списанием при обмене на вознаграждение, и никогда не уходит в минус.
type User struct {
	ID            int64
	Login         string
	PasswordHash  []byte
	Role          Role
	PointsBalance int64
	CreatedAt     time.Time
}

// OpportunityStatus описывает статус волонтёрской возможности.
type OpportunityStatus string

const (
	OpportunityStatusDraft      OpportunityStatus = "DRAFT"
	OpportunityStatusOpen       OpportunityStatus = "OPEN"
	OpportunityStatusFull       OpportunityStatus = "FULL"
	OpportunityStatusInProgress OpportunityStatus = "IN_PROGRESS"
	OpportunityStatusCompleted  OpportunityStatus = "COMPLETED"
	OpportunityStatusCancelled  OpportunityStatus = "CANCELLED"
)

// Opportunity описывает волонтёрскую возможность с ограниченным числом мест.
type Opportunity struct {
	ID            int64
	PromoterID    int64
	Title         string
	Description   string
	MaxVolunteers int
	PointsReward  int64
	StartDate     time.Time
	EndDate       time.Time
	Status        OpportunityStatus
	CreatedAt     time.Time
}

// ApplicationStatus описывает статус заявки волонтёра.
type ApplicationStatus string

const (
	ApplicationStatusPending   ApplicationStatus = "PENDING"
	ApplicationStatusApproved  ApplicationStatus = "APPROVED"
	ApplicationStatusRejected  ApplicationStatus = "REJECTED"
	ApplicationStatusCompleted ApplicationStatus = "COMPLETED"
	ApplicationStatusCancelled ApplicationStatus = "CANCELLED"
)

// Application описывает заявку волонтёра на участие в возможности.
// На пару (OpportunityID, VolunteerID) существует не более одной заявки.
type Application struct {
	ID            int64
	OpportunityID int64
	VolunteerID   int64
	Status        ApplicationStatus
	Message       string
	AppliedAt     time.Time
	ReviewedAt    *time.Time
	CompletedAt   *time.Time
}

// Reward описывает вознаграждение, доступное для обмена на баллы.
// Quantity == nil означает неограниченный запас.
type Reward struct {
	ID                int64
	Title             string
	Description       string
	PointsCost        int64
	Quantity          *int
	RemainingQuantity *int
	Active            bool
	AvailableFrom     *time.Time
	AvailableUntil    *time.Time
	CreatedAt         time.Time
}

// Redemption описывает факт обмена баллов на вознаграждение.
// PointsSpent фиксирует стоимость на момент обмена и не меняется.
type Redemption struct {
	ID          int64
	RewardID    int64
	VolunteerID int64
	Code        string
	PointsSpent int64
	RedeemedAt  time.Time
	UsedAt      *time.Time
}

// Balance содержит текущий баланс пользователя и сумму всех списаний.
type Balance struct {
	Current int64 `json:"current"`
	Spent   int64 `json:"spent"`
}
