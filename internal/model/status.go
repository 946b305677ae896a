package model

import "time"

// DeriveOpportunityStatus вычисляет статус возможности как чистую функцию
// от занятости мест и времени. DRAFT и CANCELLED задаются явно и этой
// функцией не возвращаются. Вызывается внутри той же атомарной операции,
// что и изменение занятости, чтобы статус никогда не расходился со счётчиком.
func DeriveOpportunityStatus(occupancy, maxVolunteers int, start, end, now time.Time) OpportunityStatus {
	if !now.Before(end) {
		return OpportunityStatusCompleted
	}
	if !now.Before(start) {
		return OpportunityStatusInProgress
	}
	if occupancy >= maxVolunteers {
		return OpportunityStatusFull
	}
	return OpportunityStatusOpen
}

// OccupancyStatus сообщает, занимает ли заявка в данном статусе место.
// Место занимают только одобренные и завершённые заявки.
func OccupancyStatus(s ApplicationStatus) bool {
	return s == ApplicationStatusApproved || s == ApplicationStatusCompleted
}
