package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/iurnickita/orderdesk/internal/model"
	"github.com/iurnickita/orderdesk/internal/store/config"
	"github.com/iurnickita/orderdesk/internal/telemetry"
)

type Store interface {
	OrderCreate(ctx context.Context, order model.Order) error
	OrderGet(ctx context.Context, tenantID string, orderID string) (model.Order, error)
	OrderGetByID(ctx context.Context, orderID string) (model.Order, error)
	OrderList(ctx context.Context, tenantID string, activeOnly bool) ([]model.Order, error)
	OrderSetStatus(ctx context.Context, tenantID string, orderID string, status model.OrderStatus, at time.Time) (model.Order, error)
	OrderSnooze(ctx context.Context, tenantID string, orderID string, until time.Time, at time.Time) (model.Order, error)
	OrderSetPayment(ctx context.Context, orderID string, status model.PaymentStatus, paymentID string, at time.Time) (model.Order, error)
	TenantCreate(ctx context.Context, tenant model.Tenant) error
	TenantGet(ctx context.Context, tenantID string) (model.Tenant, error)
	TenantGetBySlug(ctx context.Context, slug string) (model.Tenant, error)
	SubscriptionPaymentCreate(ctx context.Context, payment model.SubscriptionPayment) error
	SubscriptionPaymentApply(ctx context.Context, payment model.SubscriptionPayment, activation *model.SubscriptionActivation) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

var (
	ErrNoRows        = errors.New("no rows")
	ErrAlreadyExists = errors.New("already exists")
	ErrStatusLocked  = errors.New("order status is terminal")
)

const orderColumns = "id, tenant_id, status, status_changed_at, created_at, updated_at," +
	" snoozed_until, items, total, customer, payment_status, mercadopago_payment_id"

const tenantColumns = "id, slug, name, allowed, subscription_status, plan_type," +
	" subscription_started_at, subscription_ends_at, provider_access_token, kitchen_pin_hash"

type store struct {
	database *sql.DB
}

func NewStore(cfg config.Config) (Store, error) {
	if cfg.MigrateOnBoot {
		if err := MigrateUp(cfg.DBDsn); err != nil {
			return nil, err
		}
	}

	db, err := telemetry.OpenDB("pgx", cfg.DBDsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &store{database: db}, nil
}

func (store *store) Ping(ctx context.Context) error {
	return store.database.PingContext(ctx)
}

func (store *store) Close() error {
	return store.database.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (model.Order, error) {
	var (
		order         model.Order
		snoozedUntil  sql.NullTime
		items         []byte
		customer      []byte
		paymentStatus sql.NullString
		paymentID     sql.NullString
	)
	err := row.Scan(&order.ID,
		&order.TenantID,
		&order.Status,
		&order.StatusChangedAt,
		&order.CreatedAt,
		&order.UpdatedAt,
		&snoozedUntil,
		&items,
		&order.Total,
		&customer,
		&paymentStatus,
		&paymentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Order{}, ErrNoRows
		}
		return model.Order{}, err
	}

	if snoozedUntil.Valid {
		t := snoozedUntil.Time
		order.SnoozedUntil = &t
	}
	if paymentStatus.Valid {
		ps := model.PaymentStatus(paymentStatus.String)
		order.PaymentStatus = &ps
	}
	order.ProviderPaymentID = paymentID.String
	if err := json.Unmarshal(items, &order.Items); err != nil {
		return model.Order{}, err
	}
	if err := json.Unmarshal(customer, &order.Customer); err != nil {
		return model.Order{}, err
	}
	return order, nil
}

func (store *store) OrderCreate(ctx context.Context, order model.Order) error {
	items, err := json.Marshal(order.Items)
	if err != nil {
		return err
	}
	customer, err := json.Marshal(order.Customer)
	if err != nil {
		return err
	}
	var paymentStatus sql.NullString
	if order.PaymentStatus != nil {
		paymentStatus = sql.NullString{String: string(*order.PaymentStatus), Valid: true}
	}

	_, err = store.database.ExecContext(ctx,
		"INSERT INTO orders ("+orderColumns+")"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULL)",
		order.ID,
		order.TenantID,
		order.Status,
		order.StatusChangedAt,
		order.CreatedAt,
		order.UpdatedAt,
		order.SnoozedUntil,
		items,
		order.Total,
		customer,
		paymentStatus)
	if err != nil {
		// Проверка: уже существует
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (store *store) OrderGet(ctx context.Context, tenantID string, orderID string) (model.Order, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT "+orderColumns+" FROM orders"+
			" WHERE id = $1 AND tenant_id = $2",
		orderID,
		tenantID)
	return scanOrder(row)
}

func (store *store) OrderGetByID(ctx context.Context, orderID string) (model.Order, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1",
		orderID)
	return scanOrder(row)
}

func (store *store) OrderList(ctx context.Context, tenantID string, activeOnly bool) ([]model.Order, error) {
	query := "SELECT " + orderColumns + " FROM orders WHERE tenant_id = $1"
	if activeOnly {
		query += " AND status NOT IN ('dispatched', 'cancelled')"
	}
	query += " ORDER BY created_at DESC"

	rows, err := store.database.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	orders := []model.Order{}
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

func (store *store) OrderSetStatus(ctx context.Context, tenantID string, orderID string, status model.OrderStatus, at time.Time) (model.Order, error) {
	// Статус и время смены пишутся одним UPDATE.
	// Из терминального статуса выйти нельзя даже при гонке двух сотрудников.
	row := store.database.QueryRowContext(ctx,
		"UPDATE orders"+
			" SET status = $1, status_changed_at = $2, updated_at = $2"+
			" WHERE id = $3 AND tenant_id = $4"+
			"   AND (status NOT IN ('dispatched', 'cancelled') OR status = $1)"+
			" RETURNING "+orderColumns,
		status,
		at,
		orderID,
		tenantID)
	order, err := scanOrder(row)
	if errors.Is(err, ErrNoRows) {
		if _, getErr := store.OrderGet(ctx, tenantID, orderID); getErr != nil {
			return model.Order{}, getErr
		}
		return model.Order{}, ErrStatusLocked
	}
	return order, err
}

func (store *store) OrderSnooze(ctx context.Context, tenantID string, orderID string, until time.Time, at time.Time) (model.Order, error) {
	row := store.database.QueryRowContext(ctx,
		"UPDATE orders"+
			" SET snoozed_until = $1, updated_at = $2"+
			" WHERE id = $3 AND tenant_id = $4"+
			" RETURNING "+orderColumns,
		until,
		at,
		orderID,
		tenantID)
	return scanOrder(row)
}

func (store *store) OrderSetPayment(ctx context.Context, orderID string, status model.PaymentStatus, paymentID string, at time.Time) (model.Order, error) {
	row := store.database.QueryRowContext(ctx,
		"UPDATE orders"+
			" SET payment_status = $1, mercadopago_payment_id = $2, updated_at = $3"+
			" WHERE id = $4"+
			" RETURNING "+orderColumns,
		status,
		paymentID,
		at,
		orderID)
	return scanOrder(row)
}

func scanTenant(row scanner) (model.Tenant, error) {
	var (
		tenant    model.Tenant
		startedAt sql.NullTime
		endsAt    sql.NullTime
	)
	err := row.Scan(&tenant.ID,
		&tenant.Slug,
		&tenant.Name,
		&tenant.Allowed,
		&tenant.SubscriptionStatus,
		&tenant.PlanType,
		&startedAt,
		&endsAt,
		&tenant.ProviderAccessToken,
		&tenant.KitchenPINHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Tenant{}, ErrNoRows
		}
		return model.Tenant{}, err
	}
	if startedAt.Valid {
		t := startedAt.Time
		tenant.SubscriptionStartedAt = &t
	}
	if endsAt.Valid {
		t := endsAt.Time
		tenant.SubscriptionEndsAt = &t
	}
	return tenant, nil
}

func (store *store) TenantCreate(ctx context.Context, tenant model.Tenant) error {
	if tenant.ID == "" {
		tenant.ID = uuid.New().String()
	}
	if tenant.SubscriptionStatus == "" {
		tenant.SubscriptionStatus = "trial"
	}
	_, err := store.database.ExecContext(ctx,
		"INSERT INTO tenants ("+tenantColumns+")"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)",
		tenant.ID,
		tenant.Slug,
		tenant.Name,
		tenant.Allowed,
		tenant.SubscriptionStatus,
		tenant.PlanType,
		tenant.SubscriptionStartedAt,
		tenant.SubscriptionEndsAt,
		tenant.ProviderAccessToken,
		tenant.KitchenPINHash)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (store *store) TenantGet(ctx context.Context, tenantID string) (model.Tenant, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT "+tenantColumns+" FROM tenants WHERE id = $1",
		tenantID)
	return scanTenant(row)
}

func (store *store) TenantGetBySlug(ctx context.Context, slug string) (model.Tenant, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT "+tenantColumns+" FROM tenants WHERE slug = $1",
		slug)
	return scanTenant(row)
}

func (store *store) SubscriptionPaymentCreate(ctx context.Context, payment model.SubscriptionPayment) error {
	if payment.ID == "" {
		payment.ID = uuid.New().String()
	}
	_, err := store.database.ExecContext(ctx,
		"INSERT INTO subscription_payments"+
			" (id, tenant_id, plan_type, amount, preference_id, status, external_reference, metadata, created_at)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		payment.ID,
		payment.TenantID,
		payment.PlanType,
		payment.Amount,
		payment.PreferenceID,
		payment.Status,
		payment.ExternalReference,
		nullJSON(payment.Metadata),
		payment.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

// SubscriptionPaymentApply stores the latest provider snapshot of a payment,
// keyed by its external reference, and applies the activation onto the
// tenant when given. The activation is applied at most once per external
// reference: an already approved row is never reset nor re-activated.
// It reports whether the tenant was activated by this call.
func (store *store) SubscriptionPaymentApply(ctx context.Context, payment model.SubscriptionPayment, activation *model.SubscriptionActivation) (bool, error) {
	tx, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var prevStatus string
	err = tx.QueryRowContext(ctx,
		"SELECT status FROM subscription_payments"+
			" WHERE external_reference = $1"+
			" FOR UPDATE",
		payment.ExternalReference).Scan(&prevStatus)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Платеж без предварительно созданной записи: создаем по снимку провайдера
		if payment.ID == "" {
			payment.ID = uuid.New().String()
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO subscription_payments"+
				" (id, tenant_id, plan_type, amount, status, external_reference,"+
				"  payment_id, payment_method, payer_email, approved_at, metadata, created_at)"+
				" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)",
			payment.ID,
			payment.TenantID,
			payment.PlanType,
			payment.Amount,
			payment.Status,
			payment.ExternalReference,
			payment.PaymentID,
			payment.PaymentMethod,
			payment.PayerEmail,
			payment.ApprovedAt,
			nullJSON(payment.Metadata),
			payment.CreatedAt)
		if err != nil {
			return false, err
		}
	case err != nil:
		return false, err
	default:
		_, err = tx.ExecContext(ctx,
			"UPDATE subscription_payments"+
				" SET status = CASE WHEN status = $1 THEN status ELSE $2 END,"+
				"     payment_id = $3, payment_method = $4, payer_email = $5,"+
				"     approved_at = COALESCE(approved_at, $6), metadata = $7"+
				" WHERE external_reference = $8",
			model.SubscriptionPaymentApproved,
			payment.Status,
			payment.PaymentID,
			payment.PaymentMethod,
			payment.PayerEmail,
			payment.ApprovedAt,
			nullJSON(payment.Metadata),
			payment.ExternalReference)
		if err != nil {
			return false, err
		}
	}

	activated := false
	if activation != nil && prevStatus != model.SubscriptionPaymentApproved {
		result, err := tx.ExecContext(ctx,
			"UPDATE tenants"+
				" SET subscription_status = $1, plan_type = $2,"+
				"     subscription_started_at = $3, subscription_ends_at = $4"+
				" WHERE id = $5",
			model.SubscriptionStatusActive,
			activation.PlanType,
			activation.StartedAt,
			activation.EndsAt,
			activation.TenantID)
		if err != nil {
			return false, err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, ErrNoRows
		}
		activated = true
	}

	return activated, tx.Commit()
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
