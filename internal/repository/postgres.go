package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/akovalyov/volunteerhub-system/internal/model"
	"github.com/akovalyov/volunteerhub-system/internal/validation"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Число попыток вставки кода обмена при коллизии уникального индекса.
const codeInsertAttempts = 3

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
// Все операции с разделяемыми счётчиками выполняются в транзакции с
// блокировкой строки сущности (SELECT ... FOR UPDATE), поэтому проверка
// условия и изменение состояния неразделимы.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет транзакцию при сбоях сериализации и дедлоках.
// Такие ошибки временные: повтор всей операции безопасен, так как до
// фиксации транзакции ни одно изменение не видно.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewFibonacci(100*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				return retry.RetryableError(err)
			}
		}

		return err
	})
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя с нулевым балансом.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte, role model.Role) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash, role) VALUES ($1, $2, $3) RETURNING id`,
		login, passwordHash, string(role),
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, role, points_balance, created_at FROM users WHERE login = $1`,
		login,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.Role, &u.PointsBalance, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, role, points_balance, created_at FROM users WHERE id = $1`,
		id,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.Role, &u.PointsBalance, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// CreateOpportunity сохраняет новую возможность в статусе DRAFT.
func (r *PostgresRepository) CreateOpportunity(ctx context.Context, o *model.Opportunity) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO opportunities (promoter_id, title, description, max_volunteers, points_reward, start_date, end_date, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		o.PromoterID, o.Title, o.Description, o.MaxVolunteers, o.PointsReward,
		o.StartDate, o.EndDate, string(model.OpportunityStatusDraft),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert opportunity: %w", err)
	}
	return id, nil
}

func scanOpportunity(row pgx.Row) (*model.Opportunity, error) {
	var o model.Opportunity
	var status string
	err := row.Scan(&o.ID, &o.PromoterID, &o.Title, &o.Description, &o.MaxVolunteers,
		&o.PointsReward, &o.StartDate, &o.EndDate, &status, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOpportunityNotFound
		}
		return nil, fmt.Errorf("scan opportunity: %w", err)
	}
	o.Status = model.OpportunityStatus(status)
	return &o, nil
}

const opportunityColumns = `id, promoter_id, title, description, max_volunteers, points_reward, start_date, end_date, status, created_at`

// GetOpportunity возвращает возможность по идентификатору.
func (r *PostgresRepository) GetOpportunity(ctx context.Context, id int64) (*model.Opportunity, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+opportunityColumns+` FROM opportunities WHERE id = $1`, id)
	return scanOpportunity(row)
}

// ListOpportunities возвращает все возможности, отсортированные по дате начала.
func (r *PostgresRepository) ListOpportunities(ctx context.Context) ([]model.Opportunity, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+opportunityColumns+` FROM opportunities ORDER BY start_date`)
	if err != nil {
		return nil, fmt.Errorf("select opportunities: %w", err)
	}
	defer rows.Close()

	var res []model.Opportunity
	for rows.Next() {
		o, err := scanOpportunity(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// PublishOpportunity переводит возможность из DRAFT в производный статус.
func (r *PostgresRepository) PublishOpportunity(ctx context.Context, id int64) (*model.Opportunity, error) {
	var result *model.Opportunity

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		o, err := scanOpportunity(tx.QueryRow(ctx,
			`SELECT `+opportunityColumns+` FROM opportunities WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}

		if o.Status != model.OpportunityStatusDraft {
			return ErrNotDraft
		}

		status := model.DeriveOpportunityStatus(0, o.MaxVolunteers, o.StartDate, o.EndDate, time.Now())

		if _, err := tx.Exec(ctx,
			`UPDATE opportunities SET status = $2 WHERE id = $1`, id, string(status)); err != nil {
			return fmt.Errorf("update opportunity status: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		o.Status = status
		result = o
		return nil
	})

	return result, err
}

// CancelOpportunity переводит возможность в терминальный статус CANCELLED.
func (r *PostgresRepository) CancelOpportunity(ctx context.Context, id int64) (*model.Opportunity, error) {
	var result *model.Opportunity

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		o, err := scanOpportunity(tx.QueryRow(ctx,
			`SELECT `+opportunityColumns+` FROM opportunities WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}

		if o.Status == model.OpportunityStatusCancelled || o.Status == model.OpportunityStatusCompleted {
			return ErrOpportunityFinished
		}
		// Возможность с истёкшим сроком считается завершённой, даже если
		// сохранённый статус ещё не был пересчитан.
		if !time.Now().Before(o.EndDate) {
			return ErrOpportunityFinished
		}

		if _, err := tx.Exec(ctx,
			`UPDATE opportunities SET status = $2 WHERE id = $1`,
			id, string(model.OpportunityStatusCancelled)); err != nil {
			return fmt.Errorf("update opportunity status: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		o.Status = model.OpportunityStatusCancelled
		result = o
		return nil
	})

	return result, err
}

func scanApplication(row pgx.Row) (*model.Application, error) {
	var a model.Application
	var status string
	err := row.Scan(&a.ID, &a.OpportunityID, &a.VolunteerID, &status, &a.Message,
		&a.AppliedAt, &a.ReviewedAt, &a.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrApplicationNotFound
		}
		return nil, fmt.Errorf("scan application: %w", err)
	}
	a.Status = model.ApplicationStatus(status)
	return &a, nil
}

const applicationColumns = `id, opportunity_id, volunteer_id, status, message, applied_at, reviewed_at, completed_at`

// GetApplication возвращает заявку по идентификатору.
func (r *PostgresRepository) GetApplication(ctx context.Context, id int64) (*model.Application, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+applicationColumns+` FROM applications WHERE id = $1`, id)
	return scanApplication(row)
}

// GetApplicationsByVolunteer возвращает заявки волонтёра.
func (r *PostgresRepository) GetApplicationsByVolunteer(ctx context.Context, volunteerID int64) ([]model.Application, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+applicationColumns+` FROM applications WHERE volunteer_id = $1 ORDER BY applied_at DESC`,
		volunteerID,
	)
	if err != nil {
		return nil, fmt.Errorf("select applications: %w", err)
	}
	defer rows.Close()

	var res []model.Application
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func (r *PostgresRepository) occupancy(ctx context.Context, tx pgx.Tx, opportunityID int64) (int, error) {
	var n int
	err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM applications WHERE opportunity_id = $1 AND status IN ($2, $3)`,
		opportunityID,
		string(model.ApplicationStatusApproved),
		string(model.ApplicationStatusCompleted),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count occupancy: %w", err)
	}
	return n, nil
}

// CreateApplication создаёт заявку волонтёра на участие в возможности.
// На пару (возможность, волонтёр) допускается не более одной заявки
// независимо от её статуса.
func (r *PostgresRepository) CreateApplication(ctx context.Context, opportunityID, volunteerID int64, message string) (*model.Application, error) {
	var result *model.Application

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		o, err := scanOpportunity(tx.QueryRow(ctx,
			`SELECT `+opportunityColumns+` FROM opportunities WHERE id = $1`, opportunityID))
		if err != nil {
			return err
		}

		if o.Status == model.OpportunityStatusDraft || o.Status == model.OpportunityStatusCancelled {
			return ErrOpportunityNotOpen
		}

		occ, err := r.occupancy(ctx, tx, opportunityID)
		if err != nil {
			return err
		}

		// Статус пересчитывается по фактической занятости и времени:
		// сохранённое значение могло устареть после истечения дат.
		switch model.DeriveOpportunityStatus(occ, o.MaxVolunteers, o.StartDate, o.EndDate, time.Now()) {
		case model.OpportunityStatusFull:
			return ErrNoSpotsAvailable
		case model.OpportunityStatusInProgress, model.OpportunityStatusCompleted:
			return ErrOpportunityNotOpen
		}

		a, err := scanApplication(tx.QueryRow(ctx,
			`INSERT INTO applications (opportunity_id, volunteer_id, message)
			 VALUES ($1, $2, $3)
			 RETURNING `+applicationColumns,
			opportunityID, volunteerID, message))
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				return ErrAlreadyApplied
			}
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		result = a
		return nil
	})

	return result, err
}

// ApproveApplication одобряет заявку, если у возможности остались свободные
// места. Строка возможности блокируется на время транзакции, поэтому два
// конкурентных одобрения последнего места не могут пройти оба.
func (r *PostgresRepository) ApproveApplication(ctx context.Context, id int64) (*model.Application, error) {
	var result *model.Application

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var opportunityID int64
		err = tx.QueryRow(ctx,
			`SELECT opportunity_id FROM applications WHERE id = $1`, id).Scan(&opportunityID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrApplicationNotFound
			}
			return fmt.Errorf("select application: %w", err)
		}

		o, err := scanOpportunity(tx.QueryRow(ctx,
			`SELECT `+opportunityColumns+` FROM opportunities WHERE id = $1 FOR UPDATE`, opportunityID))
		if err != nil {
			return err
		}

		if o.Status == model.OpportunityStatusDraft || o.Status == model.OpportunityStatusCancelled {
			return ErrOpportunityNotOpen
		}

		occ, err := r.occupancy(ctx, tx, opportunityID)
		if err != nil {
			return err
		}

		if occ >= o.MaxVolunteers {
			// Заявка остаётся в PENDING: отказ в месте не равен отклонению.
			return ErrNoSpotsAvailable
		}

		a, err := scanApplication(tx.QueryRow(ctx,
			`UPDATE applications SET status = $2, reviewed_at = now()
			 WHERE id = $1 AND status = $3
			 RETURNING `+applicationColumns,
			id, string(model.ApplicationStatusApproved), string(model.ApplicationStatusPending)))
		if err != nil {
			if errors.Is(err, ErrApplicationNotFound) {
				return ErrNotPending
			}
			return err
		}

		status := model.DeriveOpportunityStatus(occ+1, o.MaxVolunteers, o.StartDate, o.EndDate, time.Now())
		if _, err := tx.Exec(ctx,
			`UPDATE opportunities SET status = $2 WHERE id = $1`, opportunityID, string(status)); err != nil {
			return fmt.Errorf("update opportunity status: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		result = a
		return nil
	})

	return result, err
}

// RejectApplication отклоняет заявку в статусе PENDING. Отклонённые заявки
// не занимают мест, поэтому проверка и пересчёт занятости не требуются.
func (r *PostgresRepository) RejectApplication(ctx context.Context, id int64) (*model.Application, error) {
	a, err := scanApplication(r.pool.QueryRow(ctx,
		`UPDATE applications SET status = $2, reviewed_at = now()
		 WHERE id = $1 AND status = $3
		 RETURNING `+applicationColumns,
		id, string(model.ApplicationStatusRejected), string(model.ApplicationStatusPending)))
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, ErrApplicationNotFound) {
		return nil, err
	}

	if _, getErr := r.GetApplication(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, ErrNotPending
}

// CancelApplication отменяет собственную заявку волонтёра в статусе PENDING.
func (r *PostgresRepository) CancelApplication(ctx context.Context, id, volunteerID int64) (*model.Application, error) {
	a, err := scanApplication(r.pool.QueryRow(ctx,
		`UPDATE applications SET status = $2
		 WHERE id = $1 AND volunteer_id = $3 AND status = $4
		 RETURNING `+applicationColumns,
		id, string(model.ApplicationStatusCancelled), volunteerID, string(model.ApplicationStatusPending)))
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, ErrApplicationNotFound) {
		return nil, err
	}

	existing, getErr := r.GetApplication(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if existing.VolunteerID != volunteerID {
		return nil, ErrApplicationNotFound
	}
	return nil, ErrNotPending
}

// CompleteApplication завершает одобренную заявку и начисляет волонтёру
// баллы возможности. Смена статуса выполняется условным UPDATE по статусу
// APPROVED, и начисление происходит в той же транзакции только при успехе
// этой смены: повторный вызов видит COMPLETED и не начисляет баллы второй раз.
func (r *PostgresRepository) CompleteApplication(ctx context.Context, id int64) (*model.Application, error) {
	var result *model.Application

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var opportunityID, volunteerID int64
		err = tx.QueryRow(ctx,
			`SELECT opportunity_id, volunteer_id FROM applications WHERE id = $1`, id).
			Scan(&opportunityID, &volunteerID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrApplicationNotFound
			}
			return fmt.Errorf("select application: %w", err)
		}

		o, err := scanOpportunity(tx.QueryRow(ctx,
			`SELECT `+opportunityColumns+` FROM opportunities WHERE id = $1 FOR UPDATE`, opportunityID))
		if err != nil {
			return err
		}

		if time.Now().Before(o.EndDate) {
			return ErrOpportunityNotEnded
		}

		a, err := scanApplication(tx.QueryRow(ctx,
			`UPDATE applications SET status = $2, completed_at = now()
			 WHERE id = $1 AND status = $3
			 RETURNING `+applicationColumns,
			id, string(model.ApplicationStatusCompleted), string(model.ApplicationStatusApproved)))
		if err != nil {
			if !errors.Is(err, ErrApplicationNotFound) {
				return err
			}
			var status string
			if scanErr := tx.QueryRow(ctx,
				`SELECT status FROM applications WHERE id = $1`, id).Scan(&status); scanErr != nil {
				return fmt.Errorf("select application status: %w", scanErr)
			}
			if model.ApplicationStatus(status) == model.ApplicationStatusCompleted {
				return ErrAlreadyCompleted
			}
			return ErrNotApproved
		}

		if o.PointsReward > 0 {
			if _, err := tx.Exec(ctx,
				`UPDATE users SET points_balance = points_balance + $2 WHERE id = $1`,
				volunteerID, o.PointsReward); err != nil {
				return fmt.Errorf("credit points: %w", err)
			}
		}

		occ, err := r.occupancy(ctx, tx, opportunityID)
		if err != nil {
			return err
		}

		if o.Status != model.OpportunityStatusCancelled {
			status := model.DeriveOpportunityStatus(occ, o.MaxVolunteers, o.StartDate, o.EndDate, time.Now())
			if _, err := tx.Exec(ctx,
				`UPDATE opportunities SET status = $2 WHERE id = $1`, opportunityID, string(status)); err != nil {
				return fmt.Errorf("update opportunity status: %w", err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		result = a
		return nil
	})

	return result, err
}

// ApprovedCount возвращает текущую занятость возможности. Чтение без
// блокировок: счётчик публичный и не используется для принятия решений.
func (r *PostgresRepository) ApprovedCount(ctx context.Context, opportunityID int64) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM applications WHERE opportunity_id = $1 AND status IN ($2, $3)`,
		opportunityID,
		string(model.ApplicationStatusApproved),
		string(model.ApplicationStatusCompleted),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count approved: %w", err)
	}
	return n, nil
}

// CreateReward сохраняет новое вознаграждение.
func (r *PostgresRepository) CreateReward(ctx context.Context, rw *model.Reward) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO rewards (title, description, points_cost, quantity, remaining_quantity, active, available_from, available_until)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id`,
		rw.Title, rw.Description, rw.PointsCost, rw.Quantity, rw.RemainingQuantity,
		rw.Active, rw.AvailableFrom, rw.AvailableUntil,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert reward: %w", err)
	}
	return id, nil
}

func scanReward(row pgx.Row) (*model.Reward, error) {
	var rw model.Reward
	err := row.Scan(&rw.ID, &rw.Title, &rw.Description, &rw.PointsCost, &rw.Quantity,
		&rw.RemainingQuantity, &rw.Active, &rw.AvailableFrom, &rw.AvailableUntil, &rw.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRewardNotFound
		}
		return nil, fmt.Errorf("scan reward: %w", err)
	}
	return &rw, nil
}

const rewardColumns = `id, title, description, points_cost, quantity, remaining_quantity, active, available_from, available_until, created_at`

// ListRewards возвращает активные вознаграждения.
func (r *PostgresRepository) ListRewards(ctx context.Context) ([]model.Reward, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+rewardColumns+` FROM rewards WHERE active ORDER BY points_cost`)
	if err != nil {
		return nil, fmt.Errorf("select rewards: %w", err)
	}
	defer rows.Close()

	var res []model.Reward
	for rows.Next() {
		rw, err := scanReward(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *rw)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func rewardAvailable(rw *model.Reward, now time.Time) bool {
	if !rw.Active {
		return false
	}
	if rw.AvailableFrom != nil && now.Before(*rw.AvailableFrom) {
		return false
	}
	if rw.AvailableUntil != nil && !now.Before(*rw.AvailableUntil) {
		return false
	}
	return true
}

// CreateRedemption списывает стоимость вознаграждения с баланса волонтёра,
// уменьшает остаток и создаёт запись обмена с уникальным кодом — как одну
// транзакцию. Строки пользователя и вознаграждения блокируются в фиксированном
// порядке, поэтому конкурентные обмены не могут увести баланс или остаток
// в минус. При любом отказе состояние не меняется.
func (r *PostgresRepository) CreateRedemption(ctx context.Context, volunteerID, rewardID int64) (*model.Redemption, error) {
	var result *model.Redemption

	err := r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var balance int64
		err = tx.QueryRow(ctx,
			`SELECT points_balance FROM users WHERE id = $1 FOR UPDATE`, volunteerID).Scan(&balance)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrUserNotFound
			}
			return fmt.Errorf("lock user: %w", err)
		}

		rw, err := scanReward(tx.QueryRow(ctx,
			`SELECT `+rewardColumns+` FROM rewards WHERE id = $1 FOR UPDATE`, rewardID))
		if err != nil {
			return err
		}

		if !rewardAvailable(rw, time.Now()) {
			return ErrRewardUnavailable
		}
		if rw.RemainingQuantity != nil && *rw.RemainingQuantity <= 0 {
			return ErrRewardUnavailable
		}
		if balance < rw.PointsCost {
			return ErrInsufficientPoints
		}

		if _, err := tx.Exec(ctx,
			`UPDATE users SET points_balance = points_balance - $2 WHERE id = $1`,
			volunteerID, rw.PointsCost); err != nil {
			return fmt.Errorf("debit points: %w", err)
		}

		if rw.RemainingQuantity != nil {
			if _, err := tx.Exec(ctx,
				`UPDATE rewards SET remaining_quantity = remaining_quantity - 1 WHERE id = $1`,
				rewardID); err != nil {
				return fmt.Errorf("decrement reward quantity: %w", err)
			}
		}

		red, err := r.insertRedemption(ctx, tx, rewardID, volunteerID, rw.PointsCost)
		if err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		result = red
		return nil
	})

	return result, err
}

func (r *PostgresRepository) insertRedemption(ctx context.Context, tx pgx.Tx, rewardID, volunteerID, pointsSpent int64) (*model.Redemption, error) {
	var lastErr error
	for i := 0; i < codeInsertAttempts; i++ {
		code := validation.GenerateCode()

		var red model.Redemption
		err := tx.QueryRow(ctx,
			`INSERT INTO redemptions (reward_id, volunteer_id, code, points_spent)
			 VALUES ($1, $2, $3, $4)
			 RETURNING id, reward_id, volunteer_id, code, points_spent, redeemed_at, used_at`,
			rewardID, volunteerID, code, pointsSpent,
		).Scan(&red.ID, &red.RewardID, &red.VolunteerID, &red.Code, &red.PointsSpent, &red.RedeemedAt, &red.UsedAt)
		if err == nil {
			return &red, nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			lastErr = err
			continue
		}
		return nil, fmt.Errorf("insert redemption: %w", err)
	}
	return nil, fmt.Errorf("generate unique code: %w", lastErr)
}

// GetRedemptionsByVolunteer возвращает историю обменов волонтёра.
func (r *PostgresRepository) GetRedemptionsByVolunteer(ctx context.Context, volunteerID int64) ([]model.Redemption, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, reward_id, volunteer_id, code, points_spent, redeemed_at, used_at
		 FROM redemptions
		 WHERE volunteer_id = $1
		 ORDER BY redeemed_at DESC`,
		volunteerID,
	)
	if err != nil {
		return nil, fmt.Errorf("select redemptions: %w", err)
	}
	defer rows.Close()

	var res []model.Redemption
	for rows.Next() {
		var red model.Redemption
		if err := rows.Scan(&red.ID, &red.RewardID, &red.VolunteerID, &red.Code,
			&red.PointsSpent, &red.RedeemedAt, &red.UsedAt); err != nil {
			return nil, fmt.Errorf("scan redemption: %w", err)
		}
		res = append(res, red)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// UseRedemption отмечает код обмена использованным ровно один раз.
func (r *PostgresRepository) UseRedemption(ctx context.Context, code string) (*model.Redemption, error) {
	var red model.Redemption
	err := r.pool.QueryRow(ctx,
		`UPDATE redemptions SET used_at = now()
		 WHERE code = $1 AND used_at IS NULL
		 RETURNING id, reward_id, volunteer_id, code, points_spent, redeemed_at, used_at`,
		code,
	).Scan(&red.ID, &red.RewardID, &red.VolunteerID, &red.Code, &red.PointsSpent, &red.RedeemedAt, &red.UsedAt)
	if err == nil {
		return &red, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("use redemption: %w", err)
	}

	var exists bool
	if scanErr := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM redemptions WHERE code = $1)`, code).Scan(&exists); scanErr != nil {
		return nil, fmt.Errorf("check redemption: %w", scanErr)
	}
	if exists {
		return nil, ErrCodeAlreadyUsed
	}
	return nil, ErrRedemptionNotFound
}

// GetBalance возвращает текущий баланс пользователя и сумму всех списаний.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID int64) (int64, int64, error) {
	var current int64
	err := r.pool.QueryRow(ctx,
		`SELECT points_balance FROM users WHERE id = $1`, userID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, ErrUserNotFound
		}
		return 0, 0, fmt.Errorf("select balance: %w", err)
	}

	var spent int64
	err = r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(points_spent), 0) FROM redemptions WHERE volunteer_id = $1`,
		userID,
	).Scan(&spent)
	if err != nil {
		return 0, 0, fmt.Errorf("sum redemptions: %w", err)
	}

	return current, spent, nil
}
