package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/mirzoev/finebot/internal/model"
	"github.com/mirzoev/finebot/internal/store/config"
)

type Store interface {
	UserGetOrCreate(ctx context.Context, user model.User) (model.User, error)
	UserGet(ctx context.Context, userID int64) (model.User, error)
	UserSetPremium(ctx context.Context, userID int64, expiresAt time.Time) error

	BindingGet(ctx context.Context, userID int64) (model.VehicleBinding, error)
	BindingSet(ctx context.Context, userID int64, plate string, expiresAt time.Time) (int64, error)
	BindingRemove(ctx context.Context, userID int64) error
	BindingListActive(ctx context.Context) ([]model.VehicleBinding, error)
	BindingPurgeExpired(ctx context.Context) (int, error)
	TrackedOrdersUpdate(ctx context.Context, bindingID int64, orders []string) error

	FineOrderSave(ctx context.Context, fine model.FineOrder) error
	FineOrderMarkNotified(ctx context.Context, order string, userID int64) error
}

var (
	ErrNoRows = errors.New("no rows")
)

type store struct {
	database *sql.DB
}

func NewStore(cfg config.Config) (Store, error) {
	db, err := sql.Open("pgx", cfg.DBDsn)
	if err != nil {
		return nil, err
	}

	// Таблица пользователей бота
	_, err = db.Exec(
		"CREATE TABLE IF NOT EXISTS bot_user (" +
			" user_id BIGINT PRIMARY KEY," +
			" username VARCHAR (255)," +
			" first_name VARCHAR (255)," +
			" last_name VARCHAR (255)," +
			" is_blocked BOOLEAN NOT NULL DEFAULT FALSE," +
			" is_premium BOOLEAN NOT NULL DEFAULT FALSE," +
			" premium_expires_at TIMESTAMP," +
			" created_at TIMESTAMP NOT NULL DEFAULT now()" +
			" );")
	if err != nil {
		return nil, err
	}

	// Таблица привязок автомобилей.
	// Одна активная привязка на пользователя (user_id UNIQUE).
	// tracked_orders хранится как JSON-текст; NULL означает,
	// что мониторинг по привязке ещё не инициализирован
	_, err = db.Exec(
		"CREATE TABLE IF NOT EXISTS vehicle_binding (" +
			" id SERIAL PRIMARY KEY," +
			" user_id BIGINT NOT NULL UNIQUE," +
			" plate VARCHAR (20) NOT NULL," +
			" expires_at TIMESTAMP NOT NULL," +
			" tracked_orders TEXT," +
			" created_at TIMESTAMP NOT NULL DEFAULT now()" +
			" );")
	if err != nil {
		return nil, err
	}

	// Таблица штрафов, о которых уведомляли пользователей
	_, err = db.Exec(
		"CREATE TABLE IF NOT EXISTS fine_order (" +
			" id SERIAL PRIMARY KEY," +
			" order_number VARCHAR (100) NOT NULL," +
			" user_id BIGINT NOT NULL," +
			" plate VARCHAR (20) NOT NULL," +
			" violation TEXT NOT NULL," +
			" violation_date VARCHAR (50) NOT NULL," +
			" amount VARCHAR (50) NOT NULL," +
			" media_links TEXT," +
			" notified BOOLEAN NOT NULL DEFAULT FALSE," +
			" created_at TIMESTAMP NOT NULL DEFAULT now()," +
			" updated_at TIMESTAMP NOT NULL DEFAULT now()," +
			" UNIQUE (order_number, user_id)" +
			" );")
	if err != nil {
		return nil, err
	}

	return &store{
		database: db,
	}, nil
}

func (store *store) UserGetOrCreate(ctx context.Context, user model.User) (model.User, error) {
	_, err := store.database.ExecContext(ctx,
		"INSERT INTO bot_user (user_id, username, first_name, last_name)"+
			" VALUES ($1, $2, $3, $4)"+
			" ON CONFLICT (user_id) DO UPDATE"+
			" SET username = EXCLUDED.username,"+
			" first_name = EXCLUDED.first_name,"+
			" last_name = EXCLUDED.last_name",
		user.UserID, user.Username, user.FirstName, user.LastName)
	if err != nil {
		return model.User{}, err
	}
	return store.UserGet(ctx, user.UserID)
}

func (store *store) UserGet(ctx context.Context, userID int64) (model.User, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT user_id, COALESCE(username, ''), COALESCE(first_name, ''), COALESCE(last_name, ''),"+
			" is_blocked, is_premium, COALESCE(premium_expires_at, 'epoch'::timestamp)"+
			" FROM bot_user"+
			" WHERE user_id = $1",
		userID)

	var user model.User
	err := row.Scan(&user.UserID, &user.Username, &user.FirstName, &user.LastName,
		&user.IsBlocked, &user.IsPremium, &user.PremiumExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.User{}, ErrNoRows
		}
		return model.User{}, err
	}
	return user, nil
}

func (store *store) UserSetPremium(ctx context.Context, userID int64, expiresAt time.Time) error {
	_, err := store.database.ExecContext(ctx,
		"UPDATE bot_user"+
			" SET is_premium = TRUE, premium_expires_at = $2"+
			" WHERE user_id = $1",
		userID, expiresAt)
	return err
}

func (store *store) BindingGet(ctx context.Context, userID int64) (model.VehicleBinding, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT id, user_id, plate, expires_at, tracked_orders"+
			" FROM vehicle_binding"+
			" WHERE user_id = $1"+
			" AND expires_at > now()",
		userID)
	return scanBinding(row)
}

// Создание или замена привязки. При смене номера автомобиля
// отслеживаемые ордера сбрасываются в NULL (неинициализировано)
func (store *store) BindingSet(ctx context.Context, userID int64, plate string, expiresAt time.Time) (int64, error) {
	row := store.database.QueryRowContext(ctx,
		"INSERT INTO vehicle_binding (user_id, plate, expires_at, tracked_orders)"+
			" VALUES ($1, $2, $3, NULL)"+
			" ON CONFLICT (user_id) DO UPDATE"+
			" SET plate = EXCLUDED.plate,"+
			" expires_at = EXCLUDED.expires_at,"+
			" tracked_orders = CASE"+
			" WHEN vehicle_binding.plate <> EXCLUDED.plate THEN NULL"+
			" ELSE vehicle_binding.tracked_orders"+
			" END"+
			" RETURNING id",
		userID, strings.ToUpper(plate), expiresAt)

	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (store *store) BindingRemove(ctx context.Context, userID int64) error {
	_, err := store.database.ExecContext(ctx,
		"DELETE FROM vehicle_binding WHERE user_id = $1",
		userID)
	return err
}

// Привязки для мониторинга: не истёкшие, пользователь не заблокирован
func (store *store) BindingListActive(ctx context.Context) ([]model.VehicleBinding, error) {
	rows, err := store.database.QueryContext(ctx,
		"SELECT b.id, b.user_id, b.plate, b.expires_at, b.tracked_orders"+
			" FROM vehicle_binding b"+
			" JOIN bot_user u ON u.user_id = b.user_id"+
			" WHERE b.expires_at > now()"+
			" AND NOT u.is_blocked"+
			" ORDER BY b.id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bindings []model.VehicleBinding
	for rows.Next() {
		binding, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, binding)
	}
	return bindings, rows.Err()
}

func (store *store) BindingPurgeExpired(ctx context.Context) (int, error) {
	result, err := store.database.ExecContext(ctx,
		"DELETE FROM vehicle_binding WHERE expires_at <= now()")
	if err != nil {
		return 0, err
	}
	count, err := result.RowsAffected()
	return int(count), err
}

func (store *store) TrackedOrdersUpdate(ctx context.Context, bindingID int64, orders []string) error {
	if orders == nil {
		orders = []string{}
	}
	encoded, err := json.Marshal(orders)
	if err != nil {
		return err
	}
	_, err = store.database.ExecContext(ctx,
		"UPDATE vehicle_binding"+
			" SET tracked_orders = $2"+
			" WHERE id = $1",
		bindingID, string(encoded))
	return err
}

func (store *store) FineOrderSave(ctx context.Context, fine model.FineOrder) error {
	media, err := json.Marshal(fine.MediaLinks)
	if err != nil {
		return err
	}
	_, err = store.database.ExecContext(ctx,
		"INSERT INTO fine_order (order_number, user_id, plate, violation, violation_date, amount, media_links)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7)"+
			" ON CONFLICT (order_number, user_id) DO UPDATE"+
			" SET amount = EXCLUDED.amount,"+
			" updated_at = now()",
		fine.Order, fine.UserID, strings.ToUpper(fine.Plate),
		fine.Violation, fine.Date, fine.Amount, string(media))
	return err
}

func (store *store) FineOrderMarkNotified(ctx context.Context, order string, userID int64) error {
	_, err := store.database.ExecContext(ctx,
		"UPDATE fine_order"+
			" SET notified = TRUE, updated_at = now()"+
			" WHERE order_number = $1"+
			" AND user_id = $2",
		order, userID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBinding(row rowScanner) (model.VehicleBinding, error) {
	var binding model.VehicleBinding
	var tracked sql.NullString

	err := row.Scan(&binding.ID, &binding.UserID, &binding.Plate, &binding.ExpiresAt, &tracked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.VehicleBinding{}, ErrNoRows
		}
		return model.VehicleBinding{}, err
	}

	// NULL - мониторинг не инициализирован, пустой список - инициализирован
	if tracked.Valid {
		binding.TrackedInitialized = true
		if err := json.Unmarshal([]byte(tracked.String), &binding.TrackedOrders); err != nil {
			// нечитаемое значение: считаем, что инициализации не было
			binding.TrackedInitialized = false
			binding.TrackedOrders = nil
		}
	}
	return binding, nil
}
