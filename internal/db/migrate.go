package db

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/hiredrive/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns every GORM model in migration order.
func AllModels() []interface{} {
	return []interface{}{
		&models.Driver{},
		&models.Booking{},
		&models.Message{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// DemoDriver describes a driver profile created by SeedDemo.
type DemoDriver struct {
	Name            string
	Rating          string
	ReviewCount     int
	YearsExperience int
	VehicleTypes    []string
	HourlyRate      string
	DailyRate       string
	WeeklyRate      string
	MonthlyRate     string
	Bio             string
	Location        string
}

// DemoDrivers is the driver roster written by SeedDemo.
var DemoDrivers = []DemoDriver{
	{
		Name: "Rajesh Kumar", Rating: "4.9", ReviewCount: 247, YearsExperience: 8,
		VehicleTypes: []string{"Luxury Sedan", "SUV", "Sports Car"},
		HourlyRate:   "700.00", DailyRate: "5000.00", WeeklyRate: "28000.00", MonthlyRate: "95000.00",
		Bio:      "Professional chauffeur specialised in executive transportation and special events.",
		Location: "Mumbai, Maharashtra",
	},
	{
		Name: "Priya Sharma", Rating: "4.8", ReviewCount: 189, YearsExperience: 6,
		VehicleTypes: []string{"Sedan", "SUV", "Minivan"},
		HourlyRate:   "600.00", DailyRate: "4200.00", WeeklyRate: "25000.00", MonthlyRate: "85000.00",
		Bio:      "Family transportation and long-distance trips. Patient, punctual and safety-focused.",
		Location: "Delhi, NCR",
	},
	{
		Name: "Suresh Patel", Rating: "5.0", ReviewCount: 156, YearsExperience: 12,
		VehicleTypes: []string{"Luxury Sedan", "SUV", "Van"},
		HourlyRate:   "800.00", DailyRate: "5500.00", WeeklyRate: "32000.00", MonthlyRate: "110000.00",
		Bio:      "Veteran driver for corporate clients and airport transfers.",
		Location: "Ahmedabad, Gujarat",
	},
}

// SeedResult reports the rows written by SeedDemo.
type SeedResult struct {
	DriverIDs []string
	BookingID string
}

// SeedDemo upserts the demo drivers (keyed by a name-derived UUID so reruns
// are idempotent) and creates one confirmed booking for customerID with the
// first driver, so the relay can be exercised locally.
func SeedDemo(db *gorm.DB, customerID string) (*SeedResult, error) {
	if db == nil {
		return nil, fmt.Errorf("db: seed: db is required")
	}
	res := &SeedResult{}
	for _, d := range DemoDrivers {
		vehicles, err := marshalJSON(d.VehicleTypes)
		if err != nil {
			return nil, fmt.Errorf("db: marshal vehicle types for %q: %w", d.Name, err)
		}
		driver := models.Driver{
			ID:              DriverID(d.Name),
			Name:            d.Name,
			Rating:          d.Rating,
			ReviewCount:     d.ReviewCount,
			YearsExperience: d.YearsExperience,
			VehicleTypes:    vehicles,
			HourlyRate:      d.HourlyRate,
			DailyRate:       d.DailyRate,
			WeeklyRate:      d.WeeklyRate,
			MonthlyRate:     d.MonthlyRate,
			Bio:             d.Bio,
			Verified:        true,
			Available:       true,
			Location:        d.Location,
		}
		result := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"rating", "review_count", "hourly_rate", "daily_rate", "weekly_rate", "monthly_rate", "bio", "location"}),
		}).Create(&driver)
		if result.Error != nil {
			return nil, fmt.Errorf("db: seed driver %q: %w", d.Name, result.Error)
		}
		res.DriverIDs = append(res.DriverIDs, driver.ID)
	}

	var userID *string
	if customerID != "" {
		userID = &customerID
	}
	booking := models.Booking{
		ID:             uuid.NewString(),
		UserID:         userID,
		DriverID:       res.DriverIDs[0],
		CustomerName:   "Demo Customer",
		CustomerEmail:  "demo@hiredrive.local",
		CustomerPhone:  "+91 90000 00000",
		DurationType:   "daily",
		Duration:       2,
		StartDate:      time.Now().Add(24 * time.Hour).Truncate(time.Hour),
		TotalPrice:     "10000.00",
		PickupLocation: "Chhatrapati Shivaji Maharaj International Airport",
		Status:         models.BookingConfirmed,
	}
	if err := db.Create(&booking).Error; err != nil {
		return nil, fmt.Errorf("db: seed booking: %w", err)
	}
	res.BookingID = booking.ID
	return res, nil
}

// DriverID derives the stable demo driver id for name.
func DriverID(name string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("hiredrive/driver/"+name)).String()
}

// marshalJSON marshals a value to a JSON string, returning empty string for nil.
func marshalJSON(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
