package aggregator

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	_ "github.com/go-sql-driver/mysql" // MySQL driver
)

// MySQLConfig is represents the MySQL configuration
type MySQLConfig struct {
	DSN          string `yaml:"dsn"`
	ConnectTries uint   `yaml:"connect_tries"`
}

// Enabled reports whether a DSN is configured
func (c MySQLConfig) Enabled() bool {
	return c.DSN != ""
}

// NewDbConnection opens a new connection using the configured DSN and
// waits until the server answers a ping
func NewDbConnection(ctx context.Context, config MySQLConfig) (*sql.DB, error) {
	db, err := sql.Open("mysql", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("database connection error: %s", err)
	}

	attempts := config.ConnectTries
	if attempts == 0 {
		attempts = 5
	}

	err = retry.Do(
		func() error {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()

			return db.PingContext(pingCtx)
		},
		retry.Attempts(attempts),
		retry.Delay(500*time.Millisecond),
		retry.RetryIf(func(error) bool {
			return ctx.Err() == nil
		}),
	)
	if err != nil {
		db.Close()

		return nil, fmt.Errorf("database connection error: %s", err)
	}

	return db, nil
}
