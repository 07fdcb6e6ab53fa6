package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/willibrandon/hostwatch/internal/storage"
	"github.com/willibrandon/hostwatch/internal/storage/storagetest"
)

func TestIsUniqueViolation(t *testing.T) {
	d := Dialect{}
	if !d.IsUniqueViolation(fmt.Errorf("insert: %w", &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})) {
		t.Error("1062 should be a unique violation")
	}
	if d.IsUniqueViolation(&mysql.MySQLError{Number: 1452}) {
		t.Error("1452 is a foreign key failure")
	}
}

func TestStore(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mysql:8.4",
			ExposedPorts: []string{"3306/tcp"},
			Env: map[string]string{
				"MYSQL_ROOT_PASSWORD": "test",
			},
			WaitingFor: wait.ForLog("port: 3306  MySQL Community Server").
				WithStartupTimeout(3 * time.Minute),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("Failed to start mysql container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	host, _ := container.Host(ctx)
	port, _ := container.MappedPort(ctx, "3306")
	root := fmt.Sprintf("root:test@tcp(%s:%s)/", host, port.Port())

	// Each subtest gets its own database.
	var n int
	storagetest.Run(t, func(t *testing.T) *storage.Store {
		n++
		dbName := fmt.Sprintf("hostwatch_%d", n)

		admin, err := sql.Open("mysql", root)
		if err != nil {
			t.Fatalf("open admin connection: %v", err)
		}
		if _, err := admin.ExecContext(ctx, "CREATE DATABASE "+dbName); err != nil {
			t.Fatalf("create database: %v", err)
		}
		admin.Close()

		s, err := Open(ctx, root+dbName, 4)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}
