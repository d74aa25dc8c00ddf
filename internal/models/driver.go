package models

// Driver is a bookable driver profile.
type Driver struct {
	ID              string `gorm:"primaryKey;size:36" json:"id"`
	Name            string `gorm:"size:128;not null" json:"name"`
	Photo           string `gorm:"size:512" json:"photo"`
	Rating          string `gorm:"type:decimal(2,1);not null" json:"rating"`
	ReviewCount     int    `gorm:"not null;default:0" json:"reviewCount"`
	YearsExperience int    `gorm:"not null" json:"yearsExperience"`
	VehicleTypes    string `gorm:"type:json" json:"vehicleTypes"`
	HourlyRate      string `gorm:"type:decimal(10,2);not null" json:"hourlyRate"`
	DailyRate       string `gorm:"type:decimal(10,2);not null" json:"dailyRate"`
	WeeklyRate      string `gorm:"type:decimal(10,2);not null" json:"weeklyRate"`
	MonthlyRate     string `gorm:"type:decimal(10,2);not null" json:"monthlyRate"`
	Bio             string `gorm:"type:text" json:"bio"`
	Verified        bool   `gorm:"not null" json:"verified"`
	Available       bool   `gorm:"not null" json:"available"`
	Location        string `gorm:"size:128" json:"location"`
}
