//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cpjudge/apiserver/config"
	"github.com/cpjudge/apiserver/internal/server"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
)

const (
	serverPort = 18080
)

func TestMain(m *testing.M) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	root, err := repoRoot()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to locate repo root: %v\n", err)
		os.Exit(1)
	}

	if err := dockerCompose(ctx, root, "up", "-d"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start docker compose: %v\n", err)
		os.Exit(1)
	}

	if err := waitForPostgres(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "postgres not ready: %v\n", err)
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}

	if err := runMigrations(root); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %v\n", err)
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}

	srv, err := startServer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start server: %v\n", err)
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}

	baseURL := fmt.Sprintf("http://localhost:%d", serverPort)
	if err := waitForHealth(ctx, baseURL+"/healthz"); err != nil {
		fmt.Fprintf(os.Stderr, "server not healthy: %v\n", err)
		_ = srv.Shutdown()
		_ = dockerCompose(context.Background(), root, "down")
		os.Exit(1)
	}

	code := m.Run()

	_ = srv.Shutdown()
	_ = dockerCompose(context.Background(), root, "down")
	os.Exit(code)
}

func TestSubmissionLifecycle(t *testing.T) {
	baseURL := fmt.Sprintf("http://localhost:%d", serverPort)
	username := fmt.Sprintf("admin_%d", time.Now().UnixNano())
	password := "testpass123!"

	token, userID, err := registerUser(t, baseURL, username, password)
	if err != nil {
		t.Fatalf("register user: %v", err)
	}

	if err := promoteUserToAdmin(username); err != nil {
		t.Fatalf("promote user: %v", err)
	}

	task, err := createTask(t, baseURL, token)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.ID == 0 {
		t.Fatalf("expected task ID to be set")
	}

	submissionID, err := createSubmission(t, baseURL, token, userID, task.ID)
	if err != nil {
		t.Fatalf("create submission: %v", err)
	}
	if submissionID == 0 {
		t.Fatalf("expected submission ID to be set")
	}

	queued, err := listQueued(t, baseURL, task.ID)
	if err != nil {
		t.Fatalf("list queued: %v", err)
	}
	if !containsSubmission(queued, submissionID) {
		t.Fatalf("submission %d not in queue feed", submissionID)
	}
	for _, item := range queued {
		if item.ID == submissionID && (len(item.Code) != 1 || item.Code[0] != submittedCode) {
			t.Fatalf("queued code = %v", item.Code)
		}
	}

	if err := reportResult(t, baseURL, token, submissionID); err != nil {
		t.Fatalf("report result: %v", err)
	}

	detail, err := getDetail(t, baseURL, submissionID)
	if err != nil {
		t.Fatalf("get detail: %v", err)
	}
	if detail.Metadata.Status != "AC" {
		t.Fatalf("status = %q after grading", detail.Metadata.Status)
	}
	if detail.Metadata.Points != 100 {
		t.Fatalf("points = %v after grading", detail.Metadata.Points)
	}
	if len(detail.CaseResults["0"]) != 2 {
		t.Fatalf("subtask 0 verdicts = %d, want 2", len(detail.CaseResults["0"]))
	}

	rows, err := listPublic(t, baseURL, username)
	if err != nil {
		t.Fatalf("list public: %v", err)
	}
	found := false
	for _, row := range rows {
		if row["submission_id"] == float64(submissionID) {
			found = true
			if row["username"] != username {
				t.Fatalf("public row username = %v", row["username"])
			}
		}
	}
	if !found {
		t.Fatalf("submission %d not in public listing", submissionID)
	}
}

const submittedCode = "print(int(input()) + int(input()))\n"

type taskResponse struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
}

type authResponse struct {
	Token string `json:"token"`
	User  struct {
		ID int `json:"id"`
	} `json:"user"`
}

type queuedItem struct {
	ID   int64    `json:"id"`
	Code []string `json:"code"`
}

type queuedResponse struct {
	Items []queuedItem `json:"items"`
}

type detailResponse struct {
	Metadata struct {
		ID     int64   `json:"id"`
		Status string  `json:"status"`
		Points float64 `json:"points"`
	} `json:"metadata"`
	Code        []string                    `json:"code"`
	CaseResults map[string][]map[string]any `json:"case_results"`
}

func registerUser(t *testing.T, baseURL, username, password string) (string, int, error) {
	t.Helper()

	payload := map[string]string{
		"username": username,
		"email":    fmt.Sprintf("%s@example.com", username),
		"name":     "Test Admin",
		"password": password,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", 0, err
	}

	resp, err := postJSON(baseURL+"/auth/register", "", body)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(resp.Body)
		return "", 0, fmt.Errorf("register status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var parsed authResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", 0, err
	}
	if parsed.Token == "" {
		return "", 0, fmt.Errorf("missing token in register response")
	}
	return parsed.Token, parsed.User.ID, nil
}

func promoteUserToAdmin(username string) error {
	cfg := config.LoadConfig()
	dsn := buildPostgresURL(cfg)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = db.ExecContext(ctx, "UPDATE users SET role = 'admin', updated_at = NOW() WHERE username = $1", username)
	return err
}

func createTask(t *testing.T, baseURL, token string) (taskResponse, error) {
	t.Helper()

	body, err := json.Marshal(map[string]any{
		"title":   "A Plus B",
		"visible": true,
		"type":    "normal",
	})
	if err != nil {
		return taskResponse{}, err
	}

	resp, err := postJSON(baseURL+"/tasks", token, body)
	if err != nil {
		return taskResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(resp.Body)
		return taskResponse{}, fmt.Errorf("create task status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var parsed taskResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return taskResponse{}, err
	}
	return parsed, nil
}

func createSubmission(t *testing.T, baseURL, token string, userID, taskID int) (int64, error) {
	t.Helper()

	body, err := json.Marshal(map[string]any{
		"user_id":  userID,
		"task_id":  taskID,
		"code":     submittedCode,
		"language": "python3",
	})
	if err != nil {
		return 0, err
	}

	resp, err := postJSON(baseURL+"/submissions/create", token, body)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(resp.Body)
		return 0, fmt.Errorf("create submission status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var parsed struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return 0, err
	}
	return parsed.ID, nil
}

func listQueued(t *testing.T, baseURL string, taskID int) ([]queuedItem, error) {
	t.Helper()

	body, err := json.Marshal(map[string]any{"limit": 50, "task_id": taskID})
	if err != nil {
		return nil, err
	}

	resp, err := postJSON(baseURL+"/submissions/queue", "", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("queue status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var parsed queuedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	return parsed.Items, nil
}

func reportResult(t *testing.T, baseURL, token string, submissionID int64) error {
	t.Helper()

	body, err := json.Marshal(map[string]any{
		"submission_id": submissionID,
		"status":        "AC",
		"points":        100,
		"time":          0.12,
		"memory":        2048,
		"case_results": []map[string]any{
			{"case_id": "0/0", "verdict": "AC", "time": 0.05, "memory": 1024},
			{"case_id": "0/1", "verdict": "AC", "time": 0.12, "memory": 2048},
		},
	})
	if err != nil {
		return err
	}

	resp, err := postJSON(baseURL+"/submissions/result", token, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("result status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func getDetail(t *testing.T, baseURL string, submissionID int64) (detailResponse, error) {
	t.Helper()

	body, err := json.Marshal(map[string]any{"submission_id": submissionID})
	if err != nil {
		return detailResponse{}, err
	}

	resp, err := postJSON(baseURL+"/submissions/detail", "", body)
	if err != nil {
		return detailResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return detailResponse{}, fmt.Errorf("detail status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var parsed detailResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return detailResponse{}, err
	}
	return parsed, nil
}

func listPublic(t *testing.T, baseURL, username string) ([]map[string]any, error) {
	t.Helper()

	resp, err := http.Get(fmt.Sprintf("%s/submissions/?username=%s", baseURL, username))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("public list status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		return nil, fmt.Errorf("CORS header = %q", got)
	}

	var parsed []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	return parsed, nil
}

func containsSubmission(items []queuedItem, id int64) bool {
	for _, item := range items {
		if item.ID == id {
			return true
		}
	}
	return false
}

func postJSON(url, token string, body []byte) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return http.DefaultClient.Do(req)
}

func waitForPostgres(ctx context.Context) error {
	cfg := config.LoadConfig()
	dsn := buildPostgresURL(cfg)
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := db.PingContext(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("postgres ping timeout: %w", err)
		case <-ticker.C:
		}
	}
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

func runMigrations(root string) error {
	cfg := config.LoadConfig()
	dsn := buildPostgresURL(cfg)
	migrationsPath := filepath.Join(root, "internal", "db", "migrations")
	migrationsURL := "file://" + migrationsPath

	migrator, err := migrate.New(migrationsURL, dsn)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = migrator.Close()
	}()

	if err := migrator.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func buildPostgresURL(cfg config.Config) string {
	sslmode := "disable"
	if cfg.Database.UseSSL {
		sslmode = "require"
	}
	host := fmt.Sprintf("%s:%d", cfg.Database.Host, cfg.Database.Port)
	return fmt.Sprintf(
		"postgres://%s:%s@%s/%s?sslmode=%s",
		cfg.Database.User,
		cfg.Database.Password,
		host,
		cfg.Database.DBName,
		sslmode,
	)
}

func startServer() (*server.Server, error) {
	_ = os.Setenv("JWT_SECRET", "test-secret")
	_ = os.Setenv("SERVER_PORT", fmt.Sprintf("%d", serverPort))
	_ = os.Setenv("DB_HOST", "localhost")
	_ = os.Setenv("DB_PORT", "5432")
	_ = os.Setenv("DB_USER", "cpjudge")
	_ = os.Setenv("DB_PASSWORD", "cpjudge")
	_ = os.Setenv("DB_NAME", "cpjudge")
	_ = os.Setenv("DB_USE_SSL", "false")
	_ = os.Setenv("STORAGE_BACKEND", "minio")
	_ = os.Setenv("MINIO_ACCESS_KEY", "minioadmin")
	_ = os.Setenv("MINIO_SECRET_KEY", "minioadmin")
	_ = os.Setenv("MINIO_BUCKET", "cpjudge-code")
	_ = os.Setenv("MQ_BACKEND", "none")

	cfg := config.LoadConfig()
	srv, err := server.New(context.Background(), cfg)
	if err != nil {
		return nil, err
	}

	go func() {
		_ = srv.Start()
	}()

	return srv, nil
}

func dockerCompose(ctx context.Context, root string, args ...string) error {
	composeFile := filepath.Join(root, "development", "docker-compose.yml")
	baseArgs := append([]string{"compose", "-f", composeFile}, args...)
	cmd := exec.CommandContext(ctx, "docker", baseArgs...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func repoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found")
		}
		dir = parent
	}
}
