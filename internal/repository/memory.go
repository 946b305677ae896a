package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/akovalyov/volunteerhub-system/internal/model"
	"github.com/akovalyov/volunteerhub-system/internal/validation"
)

type pairKey struct {
	OpportunityID int64
	VolunteerID   int64
}

type memUser struct {
	mu sync.Mutex
	u  model.User
}

type memOpportunity struct {
	mu   sync.Mutex
	o    model.Opportunity
	apps []*model.Application
}

type memReward struct {
	mu sync.Mutex
	rw model.Reward
}

// MemoryRepository хранит данные в памяти. Используется в тестах и при
// запуске без БД. Блокировки выдаются на уровне сущности: мьютекс
// возможности охраняет её заявки и занятость, мьютекс пользователя — баланс,
// мьютекс вознаграждения — остаток. Порядок захвата фиксирован
// (возможность → пользователь → вознаграждение → карты), поэтому операции
// над разными сущностями не конкурируют и не зацикливаются.
type MemoryRepository struct {
	mu                 sync.Mutex
	users              map[int64]*memUser
	usersByLogin       map[string]int64
	opportunities      map[int64]*memOpportunity
	applications       map[int64]*model.Application
	applicationsByPair map[pairKey]int64
	rewards            map[int64]*memReward
	redemptions        map[int64]*model.Redemption
	redemptionsByCode  map[string]int64
	nextID             int64

	now func() time.Time
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:              make(map[int64]*memUser),
		usersByLogin:       make(map[string]int64),
		opportunities:      make(map[int64]*memOpportunity),
		applications:       make(map[int64]*model.Application),
		applicationsByPair: make(map[pairKey]int64),
		rewards:            make(map[int64]*memReward),
		redemptions:        make(map[int64]*model.Redemption),
		redemptionsByCode:  make(map[string]int64),
		now:                time.Now,
	}
}

// Close освобождает ресурсы хранилища. Для памяти это ничего не делает.
func (m *MemoryRepository) Close() error {
	return nil
}

func (m *MemoryRepository) nextIDLocked() int64 {
	m.nextID++
	return m.nextID
}

// CreateUser создаёт нового пользователя с нулевым балансом.
func (m *MemoryRepository) CreateUser(_ context.Context, login string, passwordHash []byte, role model.Role) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.usersByLogin[login]; ok {
		return 0, ErrUserExists
	}

	id := m.nextIDLocked()
	m.users[id] = &memUser{u: model.User{
		ID:           id,
		Login:        login,
		PasswordHash: passwordHash,
		Role:         role,
		CreatedAt:    m.now(),
	}}
	m.usersByLogin[login] = id
	return id, nil
}

func (m *MemoryRepository) userByID(id int64) (*memUser, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	return u, ok
}

// GetUserByLogin возвращает пользователя по логину.
func (m *MemoryRepository) GetUserByLogin(_ context.Context, login string) (*model.User, error) {
	m.mu.Lock()
	id, ok := m.usersByLogin[login]
	var mu *memUser
	if ok {
		mu = m.users[id]
	}
	m.mu.Unlock()

	if !ok {
		return nil, ErrUserNotFound
	}

	mu.mu.Lock()
	defer mu.mu.Unlock()
	u := mu.u
	return &u, nil
}

// GetUserByID возвращает пользователя по идентификатору.
func (m *MemoryRepository) GetUserByID(_ context.Context, id int64) (*model.User, error) {
	mu, ok := m.userByID(id)
	if !ok {
		return nil, ErrUserNotFound
	}

	mu.mu.Lock()
	defer mu.mu.Unlock()
	u := mu.u
	return &u, nil
}

// CreateOpportunity сохраняет новую возможность в статусе DRAFT.
func (m *MemoryRepository) CreateOpportunity(_ context.Context, o *model.Opportunity) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextIDLocked()
	stored := *o
	stored.ID = id
	stored.Status = model.OpportunityStatusDraft
	stored.CreatedAt = m.now()
	m.opportunities[id] = &memOpportunity{o: stored}
	return id, nil
}

func (m *MemoryRepository) opportunityByID(id int64) (*memOpportunity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.opportunities[id]
	return o, ok
}

// GetOpportunity возвращает возможность по идентификатору.
func (m *MemoryRepository) GetOpportunity(_ context.Context, id int64) (*model.Opportunity, error) {
	mo, ok := m.opportunityByID(id)
	if !ok {
		return nil, ErrOpportunityNotFound
	}

	mo.mu.Lock()
	defer mo.mu.Unlock()
	o := mo.o
	return &o, nil
}

// ListOpportunities возвращает все возможности, отсортированные по дате начала.
func (m *MemoryRepository) ListOpportunities(_ context.Context) ([]model.Opportunity, error) {
	m.mu.Lock()
	all := make([]*memOpportunity, 0, len(m.opportunities))
	for _, mo := range m.opportunities {
		all = append(all, mo)
	}
	m.mu.Unlock()

	res := make([]model.Opportunity, 0, len(all))
	for _, mo := range all {
		mo.mu.Lock()
		res = append(res, mo.o)
		mo.mu.Unlock()
	}

	sort.Slice(res, func(i, j int) bool { return res[i].StartDate.Before(res[j].StartDate) })
	return res, nil
}

// occupancyLocked считает занятость возможности. Вызывается под mo.mu.
func occupancyLocked(mo *memOpportunity) int {
	n := 0
	for _, a := range mo.apps {
		if model.OccupancyStatus(a.Status) {
			n++
		}
	}
	return n
}

// PublishOpportunity переводит возможность из DRAFT в производный статус.
func (m *MemoryRepository) PublishOpportunity(_ context.Context, id int64) (*model.Opportunity, error) {
	mo, ok := m.opportunityByID(id)
	if !ok {
		return nil, ErrOpportunityNotFound
	}

	mo.mu.Lock()
	defer mo.mu.Unlock()

	if mo.o.Status != model.OpportunityStatusDraft {
		return nil, ErrNotDraft
	}

	mo.o.Status = model.DeriveOpportunityStatus(occupancyLocked(mo), mo.o.MaxVolunteers,
		mo.o.StartDate, mo.o.EndDate, m.now())
	o := mo.o
	return &o, nil
}

// CancelOpportunity переводит возможность в терминальный статус CANCELLED.
func (m *MemoryRepository) CancelOpportunity(_ context.Context, id int64) (*model.Opportunity, error) {
	mo, ok := m.opportunityByID(id)
	if !ok {
		return nil, ErrOpportunityNotFound
	}

	mo.mu.Lock()
	defer mo.mu.Unlock()

	if mo.o.Status == model.OpportunityStatusCancelled || mo.o.Status == model.OpportunityStatusCompleted {
		return nil, ErrOpportunityFinished
	}
	if !m.now().Before(mo.o.EndDate) {
		return nil, ErrOpportunityFinished
	}

	mo.o.Status = model.OpportunityStatusCancelled
	o := mo.o
	return &o, nil
}

// CreateApplication создаёт заявку волонтёра на участие в возможности.
func (m *MemoryRepository) CreateApplication(_ context.Context, opportunityID, volunteerID int64, message string) (*model.Application, error) {
	mo, ok := m.opportunityByID(opportunityID)
	if !ok {
		return nil, ErrOpportunityNotFound
	}

	mo.mu.Lock()
	defer mo.mu.Unlock()

	if mo.o.Status == model.OpportunityStatusDraft || mo.o.Status == model.OpportunityStatusCancelled {
		return nil, ErrOpportunityNotOpen
	}

	switch model.DeriveOpportunityStatus(occupancyLocked(mo), mo.o.MaxVolunteers,
		mo.o.StartDate, mo.o.EndDate, m.now()) {
	case model.OpportunityStatusFull:
		return nil, ErrNoSpotsAvailable
	case model.OpportunityStatusInProgress, model.OpportunityStatusCompleted:
		return nil, ErrOpportunityNotOpen
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := pairKey{OpportunityID: opportunityID, VolunteerID: volunteerID}
	if _, exists := m.applicationsByPair[key]; exists {
		return nil, ErrAlreadyApplied
	}

	a := &model.Application{
		ID:            m.nextIDLocked(),
		OpportunityID: opportunityID,
		VolunteerID:   volunteerID,
		Status:        model.ApplicationStatusPending,
		Message:       message,
		AppliedAt:     m.now(),
	}
	m.applications[a.ID] = a
	m.applicationsByPair[key] = a.ID
	mo.apps = append(mo.apps, a)

	res := *a
	return &res, nil
}

func (m *MemoryRepository) applicationByID(id int64) (*model.Application, *memOpportunity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.applications[id]
	if !ok {
		return nil, nil, false
	}
	return a, m.opportunities[a.OpportunityID], true
}

// GetApplication возвращает заявку по идентификатору.
func (m *MemoryRepository) GetApplication(_ context.Context, id int64) (*model.Application, error) {
	a, mo, ok := m.applicationByID(id)
	if !ok {
		return nil, ErrApplicationNotFound
	}

	mo.mu.Lock()
	defer mo.mu.Unlock()
	res := *a
	return &res, nil
}

// GetApplicationsByVolunteer возвращает заявки волонтёра.
func (m *MemoryRepository) GetApplicationsByVolunteer(_ context.Context, volunteerID int64) ([]model.Application, error) {
	m.mu.Lock()
	var pairs []struct {
		a  *model.Application
		mo *memOpportunity
	}
	for _, a := range m.applications {
		if a.VolunteerID == volunteerID {
			pairs = append(pairs, struct {
				a  *model.Application
				mo *memOpportunity
			}{a, m.opportunities[a.OpportunityID]})
		}
	}
	m.mu.Unlock()

	res := make([]model.Application, 0, len(pairs))
	for _, p := range pairs {
		p.mo.mu.Lock()
		res = append(res, *p.a)
		p.mo.mu.Unlock()
	}

	sort.Slice(res, func(i, j int) bool { return res[i].AppliedAt.After(res[j].AppliedAt) })
	return res, nil
}

// ApproveApplication одобряет заявку, если у возможности остались свободные
// места. Проверка занятости и смена статуса выполняются под мьютексом
// возможности как одно целое.
func (m *MemoryRepository) ApproveApplication(_ context.Context, id int64) (*model.Application, error) {
	a, mo, ok := m.applicationByID(id)
	if !ok {
		return nil, ErrApplicationNotFound
	}

	mo.mu.Lock()
	defer mo.mu.Unlock()

	if mo.o.Status == model.OpportunityStatusDraft || mo.o.Status == model.OpportunityStatusCancelled {
		return nil, ErrOpportunityNotOpen
	}
	if a.Status != model.ApplicationStatusPending {
		return nil, ErrNotPending
	}

	occ := occupancyLocked(mo)
	if occ >= mo.o.MaxVolunteers {
		// Заявка остаётся в PENDING: отказ в месте не равен отклонению.
		return nil, ErrNoSpotsAvailable
	}

	now := m.now()
	a.Status = model.ApplicationStatusApproved
	a.ReviewedAt = &now

	mo.o.Status = model.DeriveOpportunityStatus(occ+1, mo.o.MaxVolunteers,
		mo.o.StartDate, mo.o.EndDate, now)

	res := *a
	return &res, nil
}

// RejectApplication отклоняет заявку в статусе PENDING.
func (m *MemoryRepository) RejectApplication(_ context.Context, id int64) (*model.Application, error) {
	a, mo, ok := m.applicationByID(id)
	if !ok {
		return nil, ErrApplicationNotFound
	}

	mo.mu.Lock()
	defer mo.mu.Unlock()

	if a.Status != model.ApplicationStatusPending {
		return nil, ErrNotPending
	}

	now := m.now()
	a.Status = model.ApplicationStatusRejected
	a.ReviewedAt = &now

	res := *a
	return &res, nil
}

// CancelApplication отменяет собственную заявку волонтёра в статусе PENDING.
func (m *MemoryRepository) CancelApplication(_ context.Context, id, volunteerID int64) (*model.Application, error) {
	a, mo, ok := m.applicationByID(id)
	if !ok {
		return nil, ErrApplicationNotFound
	}

	mo.mu.Lock()
	defer mo.mu.Unlock()

	if a.VolunteerID != volunteerID {
		return nil, ErrApplicationNotFound
	}
	if a.Status != model.ApplicationStatusPending {
		return nil, ErrNotPending
	}

	a.Status = model.ApplicationStatusCancelled

	res := *a
	return &res, nil
}

// CompleteApplication завершает одобренную заявку и начисляет волонтёру
// баллы возможности. Статус меняется только из APPROVED, и начисление
// связано с этой сменой: повторный вызов получает ErrAlreadyCompleted
// без второго начисления.
func (m *MemoryRepository) CompleteApplication(_ context.Context, id int64) (*model.Application, error) {
	a, mo, ok := m.applicationByID(id)
	if !ok {
		return nil, ErrApplicationNotFound
	}

	mu, ok := m.userByID(a.VolunteerID)
	if !ok {
		return nil, ErrUserNotFound
	}

	mo.mu.Lock()
	defer mo.mu.Unlock()

	now := m.now()
	if now.Before(mo.o.EndDate) {
		return nil, ErrOpportunityNotEnded
	}

	switch a.Status {
	case model.ApplicationStatusApproved:
	case model.ApplicationStatusCompleted:
		return nil, ErrAlreadyCompleted
	default:
		return nil, ErrNotApproved
	}

	a.Status = model.ApplicationStatusCompleted
	a.CompletedAt = &now

	if mo.o.PointsReward > 0 {
		mu.mu.Lock()
		mu.u.PointsBalance += mo.o.PointsReward
		mu.mu.Unlock()
	}

	if mo.o.Status != model.OpportunityStatusCancelled {
		mo.o.Status = model.DeriveOpportunityStatus(occupancyLocked(mo), mo.o.MaxVolunteers,
			mo.o.StartDate, mo.o.EndDate, now)
	}

	res := *a
	return &res, nil
}

// ApprovedCount возвращает текущую занятость возможности.
func (m *MemoryRepository) ApprovedCount(_ context.Context, opportunityID int64) (int, error) {
	mo, ok := m.opportunityByID(opportunityID)
	if !ok {
		return 0, ErrOpportunityNotFound
	}

	mo.mu.Lock()
	defer mo.mu.Unlock()
	return occupancyLocked(mo), nil
}

// CreateReward сохраняет новое вознаграждение.
func (m *MemoryRepository) CreateReward(_ context.Context, rw *model.Reward) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextIDLocked()
	stored := *rw
	stored.ID = id
	stored.CreatedAt = m.now()
	m.rewards[id] = &memReward{rw: stored}
	return id, nil
}

// ListRewards возвращает активные вознаграждения.
func (m *MemoryRepository) ListRewards(_ context.Context) ([]model.Reward, error) {
	m.mu.Lock()
	all := make([]*memReward, 0, len(m.rewards))
	for _, mr := range m.rewards {
		all = append(all, mr)
	}
	m.mu.Unlock()

	var res []model.Reward
	for _, mr := range all {
		mr.mu.Lock()
		if mr.rw.Active {
			res = append(res, mr.rw)
		}
		mr.mu.Unlock()
	}

	sort.Slice(res, func(i, j int) bool { return res[i].PointsCost < res[j].PointsCost })
	return res, nil
}

// CreateRedemption списывает стоимость вознаграждения с баланса волонтёра,
// уменьшает остаток и создаёт запись обмена — под мьютексами пользователя и
// вознаграждения, захваченными на всю проверку и изменение.
func (m *MemoryRepository) CreateRedemption(_ context.Context, volunteerID, rewardID int64) (*model.Redemption, error) {
	mu, ok := m.userByID(volunteerID)
	if !ok {
		return nil, ErrUserNotFound
	}

	m.mu.Lock()
	mr, ok := m.rewards[rewardID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrRewardNotFound
	}

	mu.mu.Lock()
	defer mu.mu.Unlock()
	mr.mu.Lock()
	defer mr.mu.Unlock()

	if !rewardAvailable(&mr.rw, m.now()) {
		return nil, ErrRewardUnavailable
	}
	if mr.rw.RemainingQuantity != nil && *mr.rw.RemainingQuantity <= 0 {
		return nil, ErrRewardUnavailable
	}
	if mu.u.PointsBalance < mr.rw.PointsCost {
		return nil, ErrInsufficientPoints
	}

	mu.u.PointsBalance -= mr.rw.PointsCost
	if mr.rw.RemainingQuantity != nil {
		q := *mr.rw.RemainingQuantity - 1
		mr.rw.RemainingQuantity = &q
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	code := validation.GenerateCode()
	for {
		if _, exists := m.redemptionsByCode[code]; !exists {
			break
		}
		code = validation.GenerateCode()
	}

	red := &model.Redemption{
		ID:          m.nextIDLocked(),
		RewardID:    rewardID,
		VolunteerID: volunteerID,
		Code:        code,
		PointsSpent: mr.rw.PointsCost,
		RedeemedAt:  m.now(),
	}
	m.redemptions[red.ID] = red
	m.redemptionsByCode[code] = red.ID

	res := *red
	return &res, nil
}

// GetRedemptionsByVolunteer возвращает историю обменов волонтёра.
func (m *MemoryRepository) GetRedemptionsByVolunteer(_ context.Context, volunteerID int64) ([]model.Redemption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res []model.Redemption
	for _, red := range m.redemptions {
		if red.VolunteerID == volunteerID {
			res = append(res, *red)
		}
	}

	sort.Slice(res, func(i, j int) bool { return res[i].RedeemedAt.After(res[j].RedeemedAt) })
	return res, nil
}

// UseRedemption отмечает код обмена использованным ровно один раз.
func (m *MemoryRepository) UseRedemption(_ context.Context, code string) (*model.Redemption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.redemptionsByCode[code]
	if !ok {
		return nil, ErrRedemptionNotFound
	}

	red := m.redemptions[id]
	if red.UsedAt != nil {
		return nil, ErrCodeAlreadyUsed
	}

	now := m.now()
	red.UsedAt = &now

	res := *red
	return &res, nil
}

// GetBalance возвращает текущий баланс пользователя и сумму всех списаний.
func (m *MemoryRepository) GetBalance(_ context.Context, userID int64) (int64, int64, error) {
	mu, ok := m.userByID(userID)
	if !ok {
		return 0, 0, ErrUserNotFound
	}

	mu.mu.Lock()
	current := mu.u.PointsBalance
	mu.mu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	var spent int64
	for _, red := range m.redemptions {
		if red.VolunteerID == userID {
			spent += red.PointsSpent
		}
	}

	return current, spent, nil
}
