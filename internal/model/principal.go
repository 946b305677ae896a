package model

// Principal описывает аутентифицированного участника запроса.
// Формируется слоем идентификации; ядро доверяет этим данным
// и не перепроверяет учётные данные.
type Principal struct {
	UserID int64
	Role   Role
}

// CanReview сообщает, вправе ли участник рассматривать заявки возможности.
func (p Principal) CanReview(o *Opportunity) bool {
	return p.Role == RoleAdmin || p.UserID == o.PromoterID
}
