package database

import (
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"github.com/atlasworks/broadcast-dispatch-service/environments"
	"github.com/atlasworks/broadcast-dispatch-service/pkg/logger"
)

func NewMySQLDB(cfg environments.DatabaseConfig) (*sqlx.DB, error) {
	dsn := fmt.Sprintf(
		"%s:%s@tcp(%s:%s)/%s?parseTime=true&charset=utf8mb4&collation=utf8mb4_unicode_ci",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.DBName,
	)

	db, err := sqlx.Connect("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logger.Infof("Connected to MySQL database")
	return db, nil
}

func RunMigrations(db *sqlx.DB) error {
	schemas := []string{
		`
		CREATE TABLE IF NOT EXISTS contacts (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			address VARCHAR(255) NOT NULL,
			display_name VARCHAR(255) NOT NULL,
			audience VARCHAR(100) NOT NULL DEFAULT 'all',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			INDEX idx_contacts_audience (audience)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;
		`,
		`
		CREATE TABLE IF NOT EXISTS message_logs (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			broadcast_id BIGINT NOT NULL,
			title VARCHAR(255) NOT NULL,
			content TEXT NOT NULL,
			channel VARCHAR(50) NOT NULL,
			status VARCHAR(20) NOT NULL,
			sent_at DATETIME NOT NULL,
			INDEX idx_message_logs_broadcast (broadcast_id),
			INDEX idx_message_logs_sent_at (sent_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;
		`,
		`
		CREATE TABLE IF NOT EXISTS message_log_recipients (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			message_log_id BIGINT NOT NULL,
			recipient_id BIGINT NOT NULL,
			address VARCHAR(255) NOT NULL,
			display_name VARCHAR(255) NOT NULL,
			status VARCHAR(20) NOT NULL,
			error TEXT,
			delivered_at DATETIME,
			INDEX idx_log_recipients_log (message_log_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;
		`,
		`
		CREATE TABLE IF NOT EXISTS scheduled_broadcasts (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			title VARCHAR(255) NOT NULL,
			body TEXT NOT NULL,
			channel VARCHAR(50) NOT NULL DEFAULT 'email',
			audience VARCHAR(100) NOT NULL DEFAULT 'all',
			scheduled_at DATETIME NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'pending',
			send_attempts INT NOT NULL DEFAULT 0,
			last_attempt DATETIME,
			message_log_id BIGINT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
			INDEX idx_broadcasts_status (status),
			INDEX idx_broadcasts_scheduled_at (scheduled_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci;
		`,
	}

	for _, schema := range schemas {
		if _, err := db.Exec(schema); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	logger.Infof("Database migrations completed")

	return nil
}

func SeedTestData(db *sqlx.DB) error {
	var count int

	err := db.Get(&count, "SELECT COUNT(*) FROM contacts")
	if err != nil {
		return err
	}

	if count > 0 {
		logger.Infof("Database already has %d contacts, skipping seed", count)
		return nil
	}

	testContacts := []struct {
		address     string
		displayName string
		audience    string
	}{
		{"ayse@example.com", "Ayse Demir", "all"},
		{"john@example.com", "John Carter", "all"},
		{"maria@example.com", "Maria Lopez", "all"},
		{"chen@example.com", "Chen Wei", "newsletter"},
		{"fatma@example.com", "Fatma Yilmaz", "newsletter"},
		{"liam@example.com", "Liam O'Brien", "newsletter"},
		{"nina@example.com", "Nina Petrova", "customers"},
		{"omar@example.com", "Omar Haddad", "customers"},
	}

	for _, c := range testContacts {
		_, err := db.Exec(
			"INSERT INTO contacts (address, display_name, audience) VALUES (?, ?, ?)",
			c.address, c.displayName, c.audience,
		)
		if err != nil {
			return fmt.Errorf("failed to seed contacts: %w", err)
		}
	}

	_, err = db.Exec(
		`INSERT INTO scheduled_broadcasts (title, body, channel, audience, scheduled_at, status)
		 VALUES (?, ?, 'email', 'all', NOW(), 'pending')`,
		"Welcome broadcast", "Hello! This is a seeded broadcast that is already due.",
	)
	if err != nil {
		return fmt.Errorf("failed to seed broadcasts: %w", err)
	}

	logger.Infof("Seeded %d contacts and 1 due broadcast", len(testContacts))
	return nil
}
