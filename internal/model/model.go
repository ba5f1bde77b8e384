package model

import "time"

// Пользователи бота

type User struct {
	UserID           int64
	Username         string
	FirstName        string
	LastName         string
	IsBlocked        bool
	IsPremium        bool
	PremiumExpiresAt time.Time
}

// Привязка автомобиля к пользователю для мониторинга штрафов.
// TrackedInitialized = false, пока мониторинг ни разу не прошёл успешно:
// отличает "ещё не опрашивали" от "штрафов действительно нет"
type VehicleBinding struct {
	ID                 int64
	UserID             int64
	Plate              string
	ExpiresAt          time.Time
	TrackedOrders      []string
	TrackedInitialized bool
}

// Штраф, полученный с портала

type FineRecord struct {
	Order      string
	Plate      string
	Date       string
	Violation  string
	Amount     string
	MediaLinks map[string]string
}

type VehicleInfo struct {
	Plate       string
	Brand       string
	Model       string
	Color       string
	Owner       string
	Year        string
	VIN         string
	FineCount   string
	TotalAmount string
}

type SearchResult struct {
	VehicleInfo VehicleInfo
	Fines       []FineRecord
}

// Сохранённый штраф (для отметки об отправке уведомления)

type FineOrder struct {
	Order      string
	UserID     int64
	Plate      string
	Violation  string
	Date       string
	Amount     string
	MediaLinks map[string]string
	Notified   bool
}
