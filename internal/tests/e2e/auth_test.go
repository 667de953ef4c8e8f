//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/ridged/authd/config"
	"github.com/ridged/authd/internal/db"
	"github.com/ridged/authd/internal/server"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	serverPort = 18080
	password   = "Passw0rd!"
)

var (
	baseURL = fmt.Sprintf("http://localhost:%d", serverPort)
	dsn     string
)

type envelope struct {
	Success bool              `json:"success"`
	Message string            `json:"message"`
	Data    json.RawMessage   `json:"data"`
	Errors  map[string]string `json:"errors"`
}

type session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	AccountID    int64  `json:"account_id"`
}

func TestMain(m *testing.M) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("authd"),
		postgres.WithUsername("authd"),
		postgres.WithPassword("authd"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres: %v\n", err)
		os.Exit(1)
	}

	dsn, err = container.ConnectionString(ctx, "sslmode=disable")
	if err == nil {
		err = db.MigrateUp(dsn)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %v\n", err)
		_ = testcontainers.TerminateContainer(container)
		os.Exit(1)
	}

	srv, err := startServer(ctx, container)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start server: %v\n", err)
		_ = testcontainers.TerminateContainer(container)
		os.Exit(1)
	}

	if err := waitForHealth(ctx, baseURL+"/healthz"); err != nil {
		fmt.Fprintf(os.Stderr, "server not healthy: %v\n", err)
		_ = srv.Shutdown(context.Background())
		_ = testcontainers.TerminateContainer(container)
		os.Exit(1)
	}

	code := m.Run()

	_ = srv.Shutdown(context.Background())
	_ = testcontainers.TerminateContainer(container)
	os.Exit(code)
}

func TestAccountLifecycle(t *testing.T) {
	email := fmt.Sprintf("user_%d@example.com", time.Now().UnixNano())

	resp := call(t, http.MethodPost, "/auth/register", "", map[string]string{
		"email": email, "password": password, "confirm_password": password,
		"first_name": "Jane", "last_name": "Doe",
	})
	expectStatus(t, resp, http.StatusCreated)

	resp = call(t, http.MethodPost, "/auth/login", "", map[string]string{"email": email, "password": password})
	expectStatus(t, resp, http.StatusForbidden)

	resp = call(t, http.MethodPost, "/auth/verify-email", "", map[string]string{
		"token": readToken(t, "verification_token", email),
	})
	expectStatus(t, resp, http.StatusOK)

	s := login(t, email, password)

	resp = call(t, http.MethodGet, "/auth/me", s.AccessToken, nil)
	expectStatus(t, resp, http.StatusOK)

	resp = call(t, http.MethodPost, "/auth/refresh-token", "", map[string]string{
		"access_token": s.AccessToken, "refresh_token": s.RefreshToken,
	})
	expectStatus(t, resp, http.StatusOK)
	var rotated session
	decodeData(t, resp, &rotated)
	if rotated.RefreshToken == s.RefreshToken {
		t.Fatalf("refresh token was not rotated")
	}

	resp = call(t, http.MethodPost, "/auth/refresh-token", "", map[string]string{
		"access_token": s.AccessToken, "refresh_token": s.RefreshToken,
	})
	expectStatus(t, resp, http.StatusUnauthorized)

	resp = call(t, http.MethodPost, "/auth/logout", rotated.AccessToken, nil)
	expectStatus(t, resp, http.StatusOK)

	resp = call(t, http.MethodPost, "/auth/refresh-token", "", map[string]string{
		"access_token": rotated.AccessToken, "refresh_token": rotated.RefreshToken,
	})
	expectStatus(t, resp, http.StatusUnauthorized)
}

func TestPasswordReset(t *testing.T) {
	email := fmt.Sprintf("reset_%d@example.com", time.Now().UnixNano())
	registerVerified(t, email)

	resp := call(t, http.MethodPost, "/auth/forgot-password", "", map[string]string{"email": email})
	expectStatus(t, resp, http.StatusOK)
	known := resp.Message

	resp = call(t, http.MethodPost, "/auth/forgot-password", "", map[string]string{"email": "nobody@example.com"})
	expectStatus(t, resp, http.StatusOK)
	if resp.Message != known {
		t.Fatalf("forgot-password leaks account existence: %q vs %q", resp.Message, known)
	}

	const newPassword = "N3wPassw0rd!"
	resp = call(t, http.MethodPost, "/auth/reset-password", "", map[string]string{
		"token":            readToken(t, "password_reset_token", email),
		"new_password":     newPassword,
		"confirm_password": newPassword,
	})
	expectStatus(t, resp, http.StatusOK)

	resp = call(t, http.MethodPost, "/auth/login", "", map[string]string{"email": email, "password": password})
	expectStatus(t, resp, http.StatusUnauthorized)
	login(t, email, newPassword)
}

func TestAdminDeactivation(t *testing.T) {
	adminEmail := fmt.Sprintf("admin_%d@example.com", time.Now().UnixNano())
	userEmail := fmt.Sprintf("member_%d@example.com", time.Now().UnixNano())
	registerVerified(t, adminEmail)
	registerVerified(t, userEmail)
	promoteToAdmin(t, adminEmail)

	admin := login(t, adminEmail, password)
	user := login(t, userEmail, password)

	path := "/admin/accounts/" + strconv.FormatInt(user.AccountID, 10)
	resp := call(t, http.MethodPost, path+"/deactivate", user.AccessToken, nil)
	expectStatus(t, resp, http.StatusForbidden)

	resp = call(t, http.MethodPost, path+"/deactivate", admin.AccessToken, nil)
	expectStatus(t, resp, http.StatusOK)

	resp = call(t, http.MethodPost, "/auth/login", "", map[string]string{"email": userEmail, "password": password})
	expectStatus(t, resp, http.StatusForbidden)

	resp = call(t, http.MethodPost, "/auth/refresh-token", "", map[string]string{
		"access_token": user.AccessToken, "refresh_token": user.RefreshToken,
	})
	expectStatus(t, resp, http.StatusUnauthorized)

	resp = call(t, http.MethodPost, path+"/activate", admin.AccessToken, nil)
	expectStatus(t, resp, http.StatusOK)
	login(t, userEmail, password)
}

func registerVerified(t *testing.T, email string) {
	t.Helper()
	resp := call(t, http.MethodPost, "/auth/register", "", map[string]string{
		"email": email, "password": password, "confirm_password": password,
		"first_name": "Test", "last_name": "User",
	})
	expectStatus(t, resp, http.StatusCreated)
	resp = call(t, http.MethodPost, "/auth/verify-email", "", map[string]string{
		"token": readToken(t, "verification_token", email),
	})
	expectStatus(t, resp, http.StatusOK)
}

func login(t *testing.T, email, pw string) session {
	t.Helper()
	resp := call(t, http.MethodPost, "/auth/login", "", map[string]string{"email": email, "password": pw})
	expectStatus(t, resp, http.StatusOK)
	var s session
	decodeData(t, resp, &s)
	return s
}

type response struct {
	envelope
	status int
}

func call(t *testing.T, method, path, token string, body any) response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, baseURL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode %s %s: %v", method, path, err)
	}
	return response{envelope: env, status: resp.StatusCode}
}

func expectStatus(t *testing.T, resp response, want int) {
	t.Helper()
	if resp.status != want {
		t.Fatalf("unexpected status %d (want %d): %s %v", resp.status, want, resp.Message, resp.Errors)
	}
}

func decodeData(t *testing.T, resp response, dst any) {
	t.Helper()
	if err := json.Unmarshal(resp.Data, dst); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}

// readToken stands in for the mailbox: with no message queue configured the
// only copy of a pending token is the row itself.
func readToken(t *testing.T, column, email string) string {
	t.Helper()
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var token sql.NullString
	query := fmt.Sprintf("SELECT %s FROM accounts WHERE normalized_email = lower($1)", column)
	if err := conn.QueryRowContext(ctx, query, email).Scan(&token); err != nil {
		t.Fatalf("read %s: %v", column, err)
	}
	if !token.Valid {
		t.Fatalf("%s is not set for %s", column, email)
	}
	return token.String
}

func promoteToAdmin(t *testing.T, email string) {
	t.Helper()
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = conn.ExecContext(ctx, "UPDATE accounts SET role = 'Admin', version = version + 1, updated_at = NOW() WHERE normalized_email = lower($1)", email)
	if err != nil {
		t.Fatalf("promote %s: %v", email, err)
	}
}

func startServer(ctx context.Context, container *postgres.PostgresContainer) (*server.Server, error) {
	host, err := container.Host(ctx)
	if err != nil {
		return nil, err
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return nil, err
	}

	_ = os.Setenv("JWT_SECRET", "e2e-secret-e2e-secret-e2e-secret-e2e")
	_ = os.Setenv("SERVER_PORT", strconv.Itoa(serverPort))
	_ = os.Setenv("STORE_BACKEND", config.StoreBackendPostgres)
	_ = os.Setenv("MQ_BACKEND", config.MQBackendNone)
	_ = os.Setenv("BCRYPT_COST", "4")
	_ = os.Setenv("DB_HOST", host)
	_ = os.Setenv("DB_PORT", port.Port())
	_ = os.Setenv("DB_USER", "authd")
	_ = os.Setenv("DB_PASSWORD", "authd")
	_ = os.Setenv("DB_NAME", "authd")
	_ = os.Setenv("DB_SSL", "false")
	_ = os.Setenv("LOG_LEVEL", "warn")

	cfg := config.LoadConfig()
	srv, err := server.New(ctx, cfg)
	if err != nil {
		return nil, err
	}

	go func() {
		_ = srv.Start()
	}()

	return srv, nil
}

func waitForHealth(ctx context.Context, url string) error {
	client := &http.Client{Timeout: 2 * time.Second}
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			return fmt.Errorf("health check failed with status")
		case <-ticker.C:
		}
	}
}
