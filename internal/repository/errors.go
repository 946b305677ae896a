// Package repository содержит реализации хранилища данных платформы.
package repository

import "errors"

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrOpportunityNotFound возвращается, если возможность не найдена.
	ErrOpportunityNotFound = errors.New("opportunity not found")
	// ErrApplicationNotFound возвращается, если заявка не найдена.
	ErrApplicationNotFound = errors.New("application not found")
	// ErrRewardNotFound возвращается, если вознаграждение не найдено.
	ErrRewardNotFound = errors.New("reward not found")
	// ErrRedemptionNotFound возвращается, если код обмена не найден.
	ErrRedemptionNotFound = errors.New("redemption not found")

	// ErrAlreadyApplied возвращается, если на пару (возможность, волонтёр) уже есть заявка.
	ErrAlreadyApplied = errors.New("application already exists for this opportunity")
	// ErrNoSpotsAvailable возвращается, когда все места возможности заняты.
	ErrNoSpotsAvailable = errors.New("no spots available")
	// ErrOpportunityNotOpen возвращается при подаче заявки на неопубликованную
	// или завершённую возможность.
	ErrOpportunityNotOpen = errors.New("opportunity is not open")
	// ErrNotPending возвращается при рассмотрении заявки не в статусе PENDING.
	ErrNotPending = errors.New("application is not pending")
	// ErrNotApproved возвращается при завершении заявки не в статусе APPROVED.
	ErrNotApproved = errors.New("application is not approved")
	// ErrAlreadyCompleted возвращается при повторной попытке завершить заявку.
	ErrAlreadyCompleted = errors.New("application already completed")
	// ErrOpportunityNotEnded возвращается при завершении участия до окончания возможности.
	ErrOpportunityNotEnded = errors.New("opportunity has not ended yet")
	// ErrNotDraft возвращается при публикации возможности не в статусе DRAFT.
	ErrNotDraft = errors.New("opportunity is not a draft")
	// ErrOpportunityFinished возвращается при отмене возможности в терминальном статусе.
	ErrOpportunityFinished = errors.New("opportunity is in a terminal status")

	// ErrInsufficientPoints возвращается, если баланс волонтёра меньше стоимости вознаграждения.
	ErrInsufficientPoints = errors.New("insufficient points")
	// ErrRewardUnavailable возвращается, если запас вознаграждения исчерпан,
	// вознаграждение неактивно или вне окна доступности.
	ErrRewardUnavailable = errors.New("reward unavailable")
	// ErrCodeAlreadyUsed возвращается при повторном использовании кода обмена.
	ErrCodeAlreadyUsed = errors.New("redemption code already used")
)
