package backend

import (
	"fmt"
	"strings"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// OpenDB connects to the store database. mysql DSNs are the production
// default; "file:" and "*.db" DSNs open sqlite for small deployments.
func OpenDB(dsn string) (*gorm.DB, error) {
	var dial gorm.Dialector
	if strings.HasPrefix(dsn, "file:") || strings.HasSuffix(dsn, ".db") {
		dial = gormsqlite.Open(dsn)
	} else {
		dial = mysql.Open(dsn)
	}
	db, err := gorm.Open(dial, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return db, nil
}

// Migrate creates or updates the store schema.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Session{}, &Message{}, &Usage{})
}
