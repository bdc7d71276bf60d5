package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/sdtile/upscaler/internal/auth"
	"github.com/sdtile/upscaler/internal/client"
	"github.com/sdtile/upscaler/internal/handler"
	"github.com/sdtile/upscaler/internal/middleware"
	"github.com/sdtile/upscaler/internal/pipeline"
	"github.com/sdtile/upscaler/internal/service"
	"github.com/sdtile/upscaler/internal/storage"
	"github.com/sdtile/upscaler/internal/upscaler"
	ws "github.com/sdtile/upscaler/internal/websocket"
	"github.com/sdtile/upscaler/internal/worker"
)

const (
	testJWTSecret = "test-secret-for-e2e"
	testIssuer    = "sdtile-upscaler"
	testTileSize  = 16
)

var redisOpt = asynq.RedisClientOpt{
	Addr: "localhost:6379",
	DB:   15, // use DB 15 for tests to avoid collision
}

// testApp holds all components needed for testing
type testApp struct {
	app      *fiber.App
	service  *service.UpscaleService
	worker   *worker.UpscaleWorker
	runner   *upscaler.Runner
	verifier *auth.HMACVerifier
	outDir   string
}

// setupApp builds the same routes as main.go on Redis DB 15 with the
// resampling backend and a disk persister. Tests skip when Redis is down.
func setupApp(t *testing.T) *testApp {
	t.Helper()

	redisClient := redis.NewClient(&redis.Options{Addr: redisOpt.Addr, DB: redisOpt.DB})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { redisClient.Close() })

	asynqClient := asynq.NewClient(redisOpt)
	t.Cleanup(func() { asynqClient.Close() })

	outDir := t.TempDir()
	persister, err := storage.NewDiskPersister(outDir)
	if err != nil {
		t.Fatalf("failed to create persister: %v", err)
	}

	hub := ws.NewHub()
	go hub.Run()
	t.Cleanup(hub.Stop)

	status := upscaler.NewStatusTracker()
	cache := pipeline.NewCache()
	t.Cleanup(func() { cache.Close() })
	runner := upscaler.NewRunner(cache, client.ResampleFactory(4), persister, status, upscaler.RunnerConfig{
		TileSize: testTileSize,
		Scale:    4,
	})

	opts := upscaler.Options{TileSize: testTileSize}
	upscaleService := service.NewUpscaleService(service.NewRedisJobStore(redisClient), asynqClient, status, opts, 0)
	upscaleHandler := handler.NewUpscaleHandler(upscaleService, handler.NewValidator())

	verifier := auth.NewHMACVerifier(testJWTSecret, testIssuer)
	authHandler := handler.NewAuthHandler(verifier)
	rateLimiter := middleware.NewRateLimiter(redisClient)

	app := fiber.New(fiber.Config{
		BodyLimit: 50 * 1024 * 1024,
	})

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":   "ok",
			"services": fiber.Map{"diffusion": false, "r2": false},
		})
	})
	app.Get("/auth/verify", authHandler.Verify)

	api := app.Group("/api", middleware.Authenticate(verifier))
	api.Get("/status", upscaleHandler.GenerationStatus)

	// Use very high rate limits so tests don't get blocked
	up := api.Group("/upscale")
	up.Post("/start", rateLimiter.UpscaleLimit(10000), upscaleHandler.Start)
	up.Get("/status/:jobId", rateLimiter.StatusLimit(10000), upscaleHandler.Status)
	up.Get("/result/:jobId", upscaleHandler.Result)
	up.Post("/cancel/:jobId", upscaleHandler.Cancel)

	return &testApp{
		app:      app,
		service:  upscaleService,
		worker:   worker.NewUpscaleWorker(upscaleService, runner, hub, opts),
		runner:   runner,
		verifier: verifier,
		outDir:   outDir,
	}
}

// startWorker runs an asynq server for the upscale queue until the test ends.
func startWorker(t *testing.T, ta *testApp) {
	t.Helper()
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:    1,
		Queues:         map[string]int{service.QueueUpscale: 1},
		IsFailure:      worker.IsFailure,
		RetryDelayFunc: worker.RetryDelay(100 * time.Millisecond),
		LogLevel:       asynq.ErrorLevel,
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeUpscale, ta.worker.ProcessTask)
	if err := srv.Start(mux); err != nil {
		t.Fatalf("failed to start worker: %v", err)
	}
	t.Cleanup(srv.Shutdown)
}

// generateToken creates an HMAC JWT token for test requests.
func generateToken(t *testing.T, ta *testApp) string {
	t.Helper()
	token, err := ta.verifier.Issue("test-user-123", "test@example.com", time.Hour)
	if err != nil {
		t.Fatalf("failed to generate test token: %v", err)
	}
	return token
}

// validStartBody returns a request for a w x h gradient image.
func validStartBody(t *testing.T, w, h, batches int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 8), uint8(y * 8), 128, 255})
		}
	}
	encoded, err := client.EncodePNG(img)
	if err != nil {
		t.Fatalf("failed to encode image: %v", err)
	}
	return fmt.Sprintf(`{
		"prompt": "a castle on a hill",
		"image": %q,
		"height": %d,
		"width": %d,
		"steps": 20,
		"noiseLevel": 20,
		"guidanceScale": 7.5,
		"seed": 42,
		"batchCount": %d,
		"batchSize": 1,
		"scheduler": "EulerDiscrete",
		"customModel": "None",
		"hfModelId": "stabilityai/stable-diffusion-x4-upscaler",
		"precision": "fp32",
		"device": "cpu",
		"maxLength": 77,
		"saveMetadataToJson": true
	}`, encoded, h, w, batches)
}

// doRequest is a helper to perform HTTP requests against the test app.
func doRequest(app *fiber.App, method, path string, body string, headers map[string]string) (*http.Response, error) {
	var bodyReader io.Reader
	if body != "" {
		bodyReader = strings.NewReader(body)
	}

	req, err := http.NewRequest(method, path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	return app.Test(req, -1)
}

// doAuthRequest performs an authenticated request.
func doAuthRequest(t *testing.T, ta *testApp, method, path, body string) (*http.Response, error) {
	t.Helper()
	return doRequest(ta.app, method, path, body, map[string]string{
		"Authorization": "Bearer " + generateToken(t, ta),
	})
}

// readBody reads and returns the response body as a string.
func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	return string(b)
}

// parseJSON parses response body into a map.
func parseJSON(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	body := readBody(t, resp)
	var result map[string]any
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		t.Fatalf("failed to parse JSON: %v\nbody: %s", err, body)
	}
	return result
}

// assertStatus checks the HTTP status code.
func assertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("expected status %d, got %d", expected, resp.StatusCode)
	}
}

// startJob submits a job and returns its id.
func startJob(t *testing.T, ta *testApp, body string) string {
	t.Helper()
	resp, err := doAuthRequest(t, ta, http.MethodPost, "/api/upscale/start", body)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.StatusCode, readBody(t, resp))
	}
	jobID, _ := parseJSON(t, resp)["jobId"].(string)
	if jobID == "" {
		t.Fatal("expected 'jobId' in response")
	}
	return jobID
}

// waitForStatus polls the status endpoint until the job reaches want.
func waitForStatus(t *testing.T, ta *testApp, jobID, want string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(20 * time.Second)
	var last map[string]any
	for time.Now().Before(deadline) {
		resp, err := doAuthRequest(t, ta, http.MethodGet, "/api/upscale/status/"+jobID, "")
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		last = parseJSON(t, resp)
		if last["status"] == want {
			return last
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach %q, last status: %v", jobID, want, last)
	return nil
}
