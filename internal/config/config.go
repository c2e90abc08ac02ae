package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL     string
	Port            string
	PollInterval    int // seconds
	MaxRetries      int
	ShutdownTimeout int // seconds
	CacheTTL        int // seconds

	MoodleBaseURL string
	MoodleToken   string

	HubSpotAccessToken string

	GoogleCalendarID    string
	GoogleCalendarToken string

	SMTPHost string
	SMTPPort int
	SMTPUser string
	SMTPPass string
	MailFrom string

	AllowedOrigin string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error in production)
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	moodleURL := os.Getenv("MOODLE_BASE_URL")
	moodleToken := os.Getenv("MOODLE_TOKEN")
	if moodleURL == "" || moodleToken == "" {
		return nil, fmt.Errorf("MOODLE_BASE_URL and MOODLE_TOKEN are required")
	}

	hubspotToken := os.Getenv("HUBSPOT_ACCESS_TOKEN")
	if hubspotToken == "" {
		fmt.Println("Warning: HUBSPOT_ACCESS_TOKEN not set, notification jobs will not find learners")
	}

	calendarID := os.Getenv("GOOGLE_CALENDAR_ID")
	calendarToken := os.Getenv("GOOGLE_CALENDAR_TOKEN")
	if calendarID == "" || calendarToken == "" {
		fmt.Println("Warning: GOOGLE_CALENDAR_ID or GOOGLE_CALENDAR_TOKEN not set, emails will omit session times")
	}

	smtpHost := os.Getenv("SMTP_HOST")
	smtpUser := os.Getenv("SMTP_USER")
	smtpPass := os.Getenv("SMTP_PASS")
	if smtpHost == "" || smtpUser == "" || smtpPass == "" {
		fmt.Println("Warning: SMTP_HOST, SMTP_USER or SMTP_PASS not set, email sending will not work")
	}

	mailFrom := os.Getenv("MAIL_FROM")
	if mailFrom == "" {
		mailFrom = smtpUser
	}

	return &Config{
		DatabaseURL:         dbURL,
		Port:                envOr("PORT", "8080"),
		PollInterval:        envIntOr("POLL_INTERVAL", 60),
		MaxRetries:          envIntOr("MAX_RETRIES", 3),
		ShutdownTimeout:     envIntOr("SHUTDOWN_TIMEOUT", 30),
		CacheTTL:            envIntOr("CACHE_TTL_SECONDS", 300),
		MoodleBaseURL:       moodleURL,
		MoodleToken:         moodleToken,
		HubSpotAccessToken:  hubspotToken,
		GoogleCalendarID:    calendarID,
		GoogleCalendarToken: calendarToken,
		SMTPHost:            smtpHost,
		SMTPPort:            envIntOr("SMTP_PORT", 587),
		SMTPUser:            smtpUser,
		SMTPPass:            smtpPass,
		MailFrom:            mailFrom,
		AllowedOrigin:       envOr("ALLOWED_ORIGIN", "*"),
	}, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		fmt.Printf("Warning: invalid %s=%q, using %d\n", key, v, fallback)
		return fallback
	}
	return n
}
